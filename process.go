package ignite

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/discovery"
	"github.com/ignite-fabric/ignite/internal/registry"
	"github.com/ignite-fabric/ignite/internal/transport"
	"github.com/ignite-fabric/ignite/internal/wire"
)

// sharedProcess is the per-process singleton holding the discovery service,
// the handler registry, and the transport endpoints. It is lazily created
// by the first Node and torn down when the last Node is destroyed, per
// spec.md §3 Lifecycle.
type sharedProcess struct {
	processUUID uuid.UUID
	cfg         *config
	logger      *slog.Logger
	msink       metrics.MetricSink

	reg    *registry.Registry
	disc   *discovery.Service
	pubSrv *transport.PubServer
	reqSrv *transport.ReqServer

	mu       sync.Mutex
	subConns map[string]map[string]*transport.SubConn // topic -> publishAddr -> conn
	refCount int
}

var (
	procMu sync.Mutex
	proc   *sharedProcess
)

func acquireProcess(cfg *config) (*sharedProcess, error) {
	procMu.Lock()
	defer procMu.Unlock()

	if proc != nil {
		proc.refCount++
		return proc, nil
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}
	msink := cfg.metricSink
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}

	p := &sharedProcess{
		processUUID: uuid.New(),
		cfg:         cfg,
		logger:      logger,
		msink:       msink,
		reg:         registry.New(),
		subConns:    make(map[string]map[string]*transport.SubConn),
		refCount:    1,
	}

	trCfg := transport.Config{Logger: logger, MetricSink: msink, MetricLabels: cfg.metricLabels}

	pubSrv, err := transport.NewPubServer(bindAddrFor(cfg), trCfg)
	if err != nil {
		return nil, err
	}
	reqSrv, err := transport.NewReqServer(bindAddrFor(cfg), p.handleRequest, trCfg)
	if err != nil {
		_ = pubSrv.Close()
		return nil, err
	}
	p.pubSrv = pubSrv
	p.reqSrv = reqSrv

	disc, err := discovery.New(discovery.Config{
		Group:          cfg.discoveryGroup,
		MsgPort:        cfg.msgPort,
		SrvPort:        cfg.srvPort,
		AnnouncePeriod: cfg.heartbeat,
		Logger:         logger,
		MetricSink:     msink,
		MetricLabels:   cfg.metricLabels,
	}, p.processUUID, discovery.Callbacks{
		OnConnection:    p.onPeerConnected,
		OnDisconnection: p.onPeerDisconnected,
	})
	if err != nil {
		_ = pubSrv.Close()
		_ = reqSrv.Close()
		return nil, err
	}
	p.disc = disc

	proc = p
	return p, nil
}

func (p *sharedProcess) release() {
	procMu.Lock()
	defer procMu.Unlock()

	p.refCount--
	if p.refCount > 0 {
		return
	}

	_ = p.disc.Close()
	_ = p.pubSrv.Close()
	_ = p.reqSrv.Close()

	p.mu.Lock()
	for _, bucket := range p.subConns {
		for _, c := range bucket {
			_ = c.Close()
		}
	}
	p.mu.Unlock()

	proc = nil
}

func bindAddrFor(cfg *config) string {
	if cfg.advertiseIP != nil {
		return net.JoinHostPort(cfg.advertiseIP.String(), "0")
	}
	return "0.0.0.0:0"
}

// onPeerConnected dials the remote publisher's publish socket and starts a
// dispatch loop, unless we're already connected for this topic/peer or no
// process-local subscriber cares.
func (p *sharedProcess) onPeerConnected(topic string, pub discovery.Publisher) {
	if !p.reg.HasSubs(topic) {
		return
	}

	p.mu.Lock()
	bucket, ok := p.subConns[topic]
	if !ok {
		bucket = make(map[string]*transport.SubConn)
		p.subConns[topic] = bucket
	}
	if _, already := bucket[pub.Address]; already {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	conn, err := transport.DialSub(pub.Address, topic, transport.Config{Logger: p.logger, MetricSink: p.msink, MetricLabels: p.cfg.metricLabels})
	if err != nil {
		p.logger.Warn("ignite: failed to connect to publisher", "topic", topic, "addr", pub.Address, "error", err)
		return
	}

	p.mu.Lock()
	bucket[pub.Address] = conn
	p.mu.Unlock()

	go p.dispatchLoop(topic, pub.Address, conn)
}

func (p *sharedProcess) onPeerDisconnected(topic string, pub discovery.Publisher) {
	p.mu.Lock()
	bucket, ok := p.subConns[topic]
	if !ok {
		p.mu.Unlock()
		return
	}
	conn, ok := bucket[pub.Address]
	delete(bucket, pub.Address)
	if len(bucket) == 0 {
		delete(p.subConns, topic)
	}
	p.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

func (p *sharedProcess) dispatchLoop(topic, addr string, conn *transport.SubConn) {
	for {
		frame, err := conn.Recv()
		if err != nil {
			p.mu.Lock()
			if bucket, ok := p.subConns[topic]; ok {
				delete(bucket, addr)
				if len(bucket) == 0 {
					delete(p.subConns, topic)
				}
			}
			p.mu.Unlock()
			return
		}
		p.dispatchData(frame)
	}
}

// dispatchData snapshots matching handlers and invokes them outside the
// registry lock, isolating one callback's failure from the others.
func (p *sharedProcess) dispatchData(frame *wire.DataFrame) {
	handlers := p.reg.SnapshotSubs(frame.Topic)
	userTopic := stripPartition(p.cfg.partition, frame.Topic)
	for _, h := range handlers {
		if h.TypeName() != frame.TypeName {
			continue
		}
		invokeSafely(p.logger, func() {
			h.Invoke(userTopic, frame.Payload, frame.SenderProcess)
		})
	}
}

func (p *sharedProcess) handleRequest(req *wire.RequestFrame) (*wire.ResponseFrame, error) {
	replier, ok := p.reg.GetReplier(req.Topic)
	if !ok || replier.ReqType() != req.ReqType {
		return &wire.ResponseFrame{Topic: req.Topic, RequestID: req.RequestID, Result: false}, nil
	}

	resp, respOK := replier.Invoke(req.Topic, req.RequestBytes)
	return &wire.ResponseFrame{
		Topic:         req.Topic,
		RequestID:     req.RequestID,
		SenderProcess: p.processUUID,
		ResponseBytes: resp,
		Result:        respOK,
	}, nil
}

func invokeSafely(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ignite: callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
