package ignite

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/registry"
	"github.com/ignite-fabric/ignite/internal/transport"
	"github.com/ignite-fabric/ignite/internal/wire"
)

// defaultAsyncRequestTimeout bounds how long a non-blocking Request waits
// on its background goroutine before giving up; the spec only defines a
// deadline for the blocking flavour.
const defaultAsyncRequestTimeout = 30 * time.Second

// Node is a communication endpoint within a process: it advertises topics
// or services, subscribes to topics, and invokes services, per spec.md
// §4.5.
type Node struct {
	id      uuid.UUID
	proc    *sharedProcess
	verbose bool

	mu         sync.Mutex
	advertised map[string]Scope
	services   map[string]struct{}
	closed     bool
}

// NewNode creates a node, lazily bringing up the process-wide discovery
// service and transport endpoints on the first call.
func NewNode(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	p, err := acquireProcess(cfg)
	if err != nil {
		return nil, err
	}

	return &Node{
		id:         uuid.New(),
		proc:       p,
		verbose:    cfg.verbose,
		advertised: make(map[string]Scope),
		services:   make(map[string]struct{}),
	}, nil
}

// UUID returns this node's identity.
func (n *Node) UUID() uuid.UUID { return n.id }

// wireTopic namespaces a user-facing topic or service name with this node's
// partition, so processes in different partitions never see each other's
// discovery traffic or data frames even when bound to the same multicast
// group (spec.md §4.3's partition isolation, resolved by prefixing the
// wire-level key rather than adding a separate wire field).
func (n *Node) wireTopic(topic string) string {
	return partitionPrefix(n.proc.cfg.partition) + topic
}

func partitionPrefix(partition string) string {
	return "/" + partition
}

// stripPartition recovers the user-facing topic from a wire-level key
// produced by wireTopic.
func stripPartition(partition, wireTopic string) string {
	prefix := partitionPrefix(partition)
	if len(wireTopic) >= len(prefix) && wireTopic[:len(prefix)] == prefix {
		return wireTopic[len(prefix):]
	}
	return wireTopic
}

func (n *Node) checkOpen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	return nil
}

// Advertise records (topic, scope) locally and tells discovery to announce
// it. Idempotent on an identical (topic, scope) pair.
func (n *Node) Advertise(topic string, scope Scope) error {
	if !isValidTopic(topic) {
		return ErrInvalidTopic
	}
	if err := n.checkOpen(); err != nil {
		return err
	}

	n.mu.Lock()
	existing, already := n.advertised[topic]
	if already && existing == scope {
		n.mu.Unlock()
		return nil
	}
	n.advertised[topic] = scope
	n.mu.Unlock()

	return n.proc.disc.Advertise(n.wireTopic(topic), n.id, scope.toDiscovery(), n.proc.pubSrv.Addr(), n.proc.pubSrv.Addr())
}

// Unadvertise removes the local publisher record and emits UNADVERTISE. A
// no-op if topic was never advertised by this node.
func (n *Node) Unadvertise(topic string) error {
	n.mu.Lock()
	_, ok := n.advertised[topic]
	delete(n.advertised, topic)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	return n.proc.disc.Unadvertise(n.wireTopic(topic), n.id)
}

// Publish requires that this node advertises topic. It serialises message,
// writes one multi-part frame to the publish socket, and synchronously
// invokes every process-local subscriber's callback before returning
// (spec.md §4.5/§5 shortcut and ordering rules).
func (n *Node) Publish(topic string, message Codec) error {
	n.mu.Lock()
	_, ok := n.advertised[topic]
	n.mu.Unlock()
	if !ok {
		metrics.IncrCounterWithLabels(MetricPublishErrorCount, 1, nil)
		return ErrNotAdvertised
	}

	payload, err := message.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTypeMismatch, err)
	}

	frame := &wire.DataFrame{
		Topic:         n.wireTopic(topic),
		SenderProcess: n.proc.processUUID,
		TypeName:      message.TypeName(),
		Payload:       payload,
	}

	// In-process shortcut: runs before the network write completes, so a
	// local subscriber may observe the message ahead of remote ones.
	n.proc.dispatchData(frame)
	metrics.IncrCounterWithLabels(MetricShortcutCount, 1, nil)

	if err := n.proc.pubSrv.Publish(frame); err != nil {
		n.proc.logger.Warn("ignite: publish write failed, will reconcile on next heartbeat", "topic", topic, "error", err)
		metrics.IncrCounterWithLabels(MetricPublishErrorCount, 1, nil)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	metrics.IncrCounterWithLabels(MetricPublishCount, 1, nil)
	return nil
}

// SubscribeRaw is the type-erased form behind the generic Subscribe helper:
// cb receives the raw payload and must decode it itself.
func (n *Node) SubscribeRaw(topic, expectedType string, cb func(topic string, payload []byte, sender uuid.UUID)) (unsubscribe func() error, err error) {
	if !isValidTopic(topic) {
		return nil, ErrInvalidTopic
	}
	if err := n.checkOpen(); err != nil {
		return nil, err
	}

	wireTopic := n.wireTopic(topic)
	handlerID := uuid.New().String()
	n.proc.reg.AddSub(wireTopic, &rawSubHandler{
		id:       handlerID,
		owner:    n.id,
		typeName: expectedType,
		cb:       cb,
	})
	metrics.IncrCounterWithLabels(MetricSubscribeCount, 1, nil)

	n.proc.disc.Discover(wireTopic)

	return func() error {
		n.proc.reg.RemoveSubsByOwner(wireTopic, n.id)
		return nil
	}, nil
}

// Unsubscribe removes every handler owned by this node for topic. No
// network message is emitted: the subscriber side of discovery is
// pull-based.
func (n *Node) Unsubscribe(topic string) error {
	n.proc.reg.RemoveSubsByOwner(n.wireTopic(topic), n.id)
	return nil
}

// AdvertiseServiceRaw registers this node as the sole replier for service
// in this process and announces it over discovery.
func (n *Node) AdvertiseServiceRaw(service string, scope Scope, reqType, repType string, cb func(payload []byte) (response []byte, ok bool)) error {
	if !isValidTopic(service) {
		return ErrInvalidTopic
	}
	if err := n.checkOpen(); err != nil {
		return err
	}

	wireService := n.wireTopic(service)
	err := n.proc.reg.AddReplier(wireService, &rawReplierHandler{
		owner:   n.id,
		reqType: reqType,
		repType: repType,
		cb:      cb,
	})
	if err != nil {
		if err == registry.ErrReplierExists {
			return ErrAlreadyAdvertised
		}
		return err
	}

	n.mu.Lock()
	n.services[service] = struct{}{}
	n.mu.Unlock()

	return n.proc.disc.AdvertiseSrv(wireService, n.id, scope.toDiscovery(), n.proc.reqSrv.Addr(), reqType, repType)
}

// UnadvertiseServiceRaw removes the replier if owned by this node.
func (n *Node) UnadvertiseServiceRaw(service string) error {
	n.mu.Lock()
	_, ok := n.services[service]
	delete(n.services, service)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	wireService := n.wireTopic(service)
	n.proc.reg.RemoveReplier(wireService, n.id)
	return n.proc.disc.UnadvertiseSrv(wireService, n.id)
}

// responderPollInterval is how often driveRequest re-checks discovery while
// a request is pending and no responder has been found yet.
const responderPollInterval = 20 * time.Millisecond

// RequestRaw implements both the blocking and non-blocking flavours of
// spec.md §4.5's Request: a nil callback makes it block for timeout and
// return synchronously. Per §7, `NoResponder` is surfaced by a caller's own
// timeout logic on top of the non-blocking callback, never returned
// synchronously by the library itself: a discovery miss here always waits
// out the full timeout budget, re-driving discovery, the same as a miss
// that resolves later would.
func (n *Node) RequestRaw(service, reqType, repType string, payload []byte, timeout time.Duration, callback func(ok bool, response []byte)) (ok bool, response []byte, err error) {
	if timeout <= 0 {
		timeout = defaultAsyncRequestTimeout
	}
	wireService := n.wireTopic(service)
	if replier, found := n.proc.reg.GetReplier(wireService); found && replier.ReqType() == reqType {
		resp, respOK := replier.Invoke(wireService, payload)
		metrics.IncrCounterWithLabels(MetricRequestCount, 1, nil)
		if callback != nil {
			callback(respOK, resp)
			return true, nil, nil
		}
		return respOK, resp, nil
	}

	reqID := uuid.New()
	req := &wire.RequestFrame{
		Topic:           wireService,
		RequestID:       reqID,
		SenderReplyAddr: "",
		SenderProcess:   n.proc.processUUID,
		ReqType:         reqType,
		RepType:         repType,
		RequestBytes:    payload,
	}

	pr := newPendingRequest(wireService, reqID)
	n.proc.reg.AddRequest(&registry.PendingRequest{ID: reqID, Topic: wireService, OwnerNode: n.id, ExpectedRepType: repType, RequestBytes: payload, Complete: pr})

	go func() {
		defer n.proc.reg.RemoveRequest(wireService, reqID)
		n.driveRequest(wireService, req, timeout, pr)
		if callback != nil {
			resultFlag, respBytes, completed, _ := pr.result()
			if !completed {
				callback(false, nil)
				return
			}
			callback(resultFlag, respBytes)
		}
	}()

	if callback != nil {
		return true, nil, nil
	}

	resultFlag, respBytes, completed, derr := pr.wait(timeout)
	if !completed {
		metrics.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, nil)
		return false, nil, derr
	}
	metrics.IncrCounterWithLabels(MetricRequestCount, 1, nil)
	return resultFlag, respBytes, nil
}

// driveRequest resolves a responder for req, polling discovery at
// responderPollInterval until one turns up or deadline elapses, then
// performs the remote call and completes pr. It never gives up early on a
// discovery miss: the caller's own timeout is what bounds the wait.
func (n *Node) driveRequest(wireService string, req *wire.RequestFrame, timeout time.Duration, pr *pendingRequest) {
	n.proc.disc.DiscoverSrv(wireService)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(responderPollInterval)
	defer ticker.Stop()

	var addr string
	for {
		if r, found := n.proc.disc.PickResponder(wireService); found {
			addr = r.Address
			break
		}
		if !time.Now().Before(deadline) {
			metrics.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, nil)
			pr.cancel()
			return
		}
		select {
		case <-pr.done:
			return
		case <-ticker.C:
		}
	}

	cfg := transport.Config{Logger: n.proc.logger, MetricSink: n.proc.msink, MetricLabels: n.proc.cfg.metricLabels}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		metrics.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, nil)
		pr.cancel()
		return
	}

	resp, derr := transport.DoRequest(addr, req, remaining, cfg)
	if derr != nil {
		var ne net.Error
		if errors.As(derr, &ne) && ne.Timeout() {
			metrics.IncrCounterWithLabels(MetricRequestTimeoutCount, 1, nil)
			pr.completeErr(fmt.Errorf("%w: %w", ErrTimeout, derr))
			return
		}
		pr.completeErr(fmt.Errorf("%w: %w", ErrTransport, derr))
		return
	}
	metrics.IncrCounterWithLabels(MetricRequestCount, 1, nil)
	pr.complete(resp.Result, resp.ResponseBytes)
}

// Close destroys the node: unadvertises everything, unsubscribes, cancels
// pending requests owned by it, and releases the shared process.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	topics := make([]string, 0, len(n.advertised))
	for t := range n.advertised {
		topics = append(topics, t)
	}
	services := make([]string, 0, len(n.services))
	for s := range n.services {
		services = append(services, s)
	}
	n.mu.Unlock()

	for _, t := range topics {
		_ = n.proc.disc.Unadvertise(n.wireTopic(t), n.id)
	}
	for _, s := range services {
		wireService := n.wireTopic(s)
		n.proc.reg.RemoveReplier(wireService, n.id)
		_ = n.proc.disc.UnadvertiseSrv(wireService, n.id)
	}

	for _, t := range n.proc.reg.Topics("") {
		n.proc.reg.RemoveSubsByOwner(t, n.id)
	}

	for _, pr := range n.proc.reg.RemoveRequestsByOwner(n.id) {
		if p, ok := pr.Complete.(*pendingRequest); ok {
			p.cancel()
		}
	}

	n.proc.release()
	return nil
}

// rawSubHandler is the opaque registry.SubHandler implementation backing
// SubscribeRaw and the generic Subscribe helper.
type rawSubHandler struct {
	id       string
	owner    uuid.UUID
	typeName string
	cb       func(topic string, payload []byte, sender uuid.UUID)
}

func (h *rawSubHandler) ID() string       { return h.id }
func (h *rawSubHandler) Owner() uuid.UUID { return h.owner }
func (h *rawSubHandler) TypeName() string { return h.typeName }
func (h *rawSubHandler) Invoke(topic string, payload []byte, sender uuid.UUID) {
	h.cb(topic, payload, sender)
}

// rawReplierHandler is the opaque registry.ReplierHandler implementation
// backing AdvertiseServiceRaw and the generic service Advertise helper.
type rawReplierHandler struct {
	owner   uuid.UUID
	reqType string
	repType string
	cb      func(payload []byte) (response []byte, ok bool)
}

func (h *rawReplierHandler) Owner() uuid.UUID { return h.owner }
func (h *rawReplierHandler) ReqType() string  { return h.reqType }
func (h *rawReplierHandler) RepType() string  { return h.repType }
func (h *rawReplierHandler) Invoke(topic string, payload []byte) ([]byte, bool) {
	return h.cb(payload)
}
