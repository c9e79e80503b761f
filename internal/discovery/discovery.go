// Package discovery implements the UDP multicast membership/announcement
// layer: it resolves a topic to the set of endpoints currently willing to
// publish to it or respond on it, as described in spec §4.3.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/wire"
)

const (
	DefaultGroup          = "239.17.5.23"
	DefaultMsgPort        = 11317
	DefaultSrvPort        = 11318
	DefaultAnnouncePeriod = 1 * time.Second
)

// Config configures one process-wide discovery Service.
type Config struct {
	Group          string
	MsgPort        int
	SrvPort        int
	AnnouncePeriod time.Duration
	Logger         *slog.Logger
	MetricSink     metrics.MetricSink
	MetricLabels   []metrics.Label
}

func (c *Config) setDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.MsgPort == 0 {
		c.MsgPort = DefaultMsgPort
	}
	if c.SrvPort == 0 {
		c.SrvPort = DefaultSrvPort
	}
	if c.AnnouncePeriod == 0 {
		c.AnnouncePeriod = DefaultAnnouncePeriod
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MetricSink == nil {
		c.MetricSink = &metrics.BlackholeSink{}
	}
}

// Callbacks are invoked by the Service's receive and announce goroutines,
// and by Discover on the caller's goroutine. Implementations must not block.
type Callbacks struct {
	OnConnection    func(topic string, pub Publisher)
	OnDisconnection func(topic string, pub Publisher)
}

type pubKey struct {
	topic string
	owner string
}

// Service is the per-process discovery singleton.
type Service struct {
	cfg         Config
	processUUID uuid.UUID
	localIPs    []net.IP
	cb          Callbacks

	msgSock *multicastSocket
	srvSock *multicastSocket

	mu         sync.Mutex
	localPubs  map[pubKey]*Publisher
	localSrvs  map[pubKey]*Responder
	remotePubs map[string]map[string]*Publisher // topic -> peerKey -> publisher
	remoteSrvs map[string]map[string]*Responder // topic -> peerKey -> responder
	// interested marks topics we called Discover on: a newly observed
	// publisher triggers OnConnection only for a topic in this set.
	interested map[string]bool

	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

func New(cfg Config, processUUID uuid.UUID, cb Callbacks) (*Service, error) {
	cfg.setDefaults()

	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to enumerate local addresses: %w", err)
	}

	msgSock, err := newMulticastSocket(cfg.Group, cfg.MsgPort)
	if err != nil {
		return nil, err
	}
	srvSock, err := newMulticastSocket(cfg.Group, cfg.SrvPort)
	if err != nil {
		_ = msgSock.close()
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		processUUID: processUUID,
		localIPs:    ips,
		cb:          cb,
		msgSock:     msgSock,
		srvSock:     srvSock,
		localPubs:   make(map[pubKey]*Publisher),
		localSrvs:   make(map[pubKey]*Responder),
		remotePubs:  make(map[string]map[string]*Publisher),
		remoteSrvs:  make(map[string]map[string]*Responder),
		interested:  make(map[string]bool),
		closeCh:     make(chan struct{}),
	}

	s.wg.Add(3)
	go s.recvLoop(s.msgSock, false)
	go s.recvLoop(s.srvSock, true)
	go s.announceLoop()

	return s, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Tell peers we're leaving so they don't wait out the full TTL.
	bye := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgBye}}
	_ = s.msgSock.send(wire.EncodeDatagram(bye))
	_ = s.srvSock.send(wire.EncodeDatagram(bye))

	close(s.closeCh)
	s.wg.Wait()
	err1 := s.msgSock.close()
	err2 := s.srvSock.close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Advertise records a local publisher and, unless scope is Process,
// announces it on the multicast group.
func (s *Service) Advertise(topic string, nodeUUID uuid.UUID, scope Scope, pubAddr, ctrlAddr string) error {
	pub := &Publisher{
		Topic:       topic,
		Scope:       scope,
		Address:     pubAddr,
		CtrlAddress: ctrlAddr,
		ProcessUUID: s.processUUID,
		NodeUUID:    nodeUUID,
	}

	s.mu.Lock()
	s.localPubs[pubKey{topic, nodeUUID.String()}] = pub
	s.mu.Unlock()

	if scope == ScopeProcess {
		return nil
	}
	return s.msgSock.send(wire.EncodeDatagram(s.advertiseDatagram(pub)))
}

func (s *Service) Unadvertise(topic string, nodeUUID uuid.UUID) error {
	s.mu.Lock()
	_, existed := s.localPubs[pubKey{topic, nodeUUID.String()}]
	delete(s.localPubs, pubKey{topic, nodeUUID.String()})
	s.mu.Unlock()

	if !existed {
		return nil
	}

	d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgUnadvertise, Topic: topic}}
	return s.msgSock.send(wire.EncodeDatagram(d))
}

func (s *Service) AdvertiseSrv(topic string, nodeUUID uuid.UUID, scope Scope, replyAddr, reqType, repType string) error {
	resp := &Responder{
		Topic:       topic,
		Scope:       scope,
		Address:     replyAddr,
		ReqType:     reqType,
		RepType:     repType,
		ProcessUUID: s.processUUID,
		NodeUUID:    nodeUUID,
	}

	s.mu.Lock()
	s.localSrvs[pubKey{topic, nodeUUID.String()}] = resp
	s.mu.Unlock()

	if scope == ScopeProcess {
		return nil
	}
	return s.srvSock.send(wire.EncodeDatagram(s.advertiseSrvDatagram(resp)))
}

func (s *Service) UnadvertiseSrv(topic string, nodeUUID uuid.UUID) error {
	s.mu.Lock()
	_, existed := s.localSrvs[pubKey{topic, nodeUUID.String()}]
	delete(s.localSrvs, pubKey{topic, nodeUUID.String()})
	s.mu.Unlock()

	if !existed {
		return nil
	}

	d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgUnadvertiseSrv, Topic: topic}}
	return s.srvSock.send(wire.EncodeDatagram(d))
}

// Discover emits SUBSCRIBE for topic, then synchronously invokes
// OnConnection for every peer already known, per spec §4.3 step 1.
func (s *Service) Discover(topic string) {
	s.mu.Lock()
	s.interested[topic] = true
	known := make([]*Publisher, 0, len(s.remotePubs[topic]))
	for _, p := range s.remotePubs[topic] {
		known = append(known, p)
	}
	s.mu.Unlock()

	d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgSubscribe, Topic: topic}}
	if err := s.msgSock.send(wire.EncodeDatagram(d)); err != nil {
		s.cfg.Logger.Warn("failed to send SUBSCRIBE", "topic", topic, "error", err)
	}

	for _, p := range known {
		if s.cb.OnConnection != nil {
			s.cb.OnConnection(topic, *p)
		}
	}
}

// DiscoverSrv emits SUBSCRIBE_SRV and returns the currently known
// responders for topic.
func (s *Service) DiscoverSrv(topic string) []Responder {
	d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgSubscribeSrv, Topic: topic}}
	if err := s.srvSock.send(wire.EncodeDatagram(d)); err != nil {
		s.cfg.Logger.Warn("failed to send SUBSCRIBE_SRV", "topic", topic, "error", err)
	}
	return s.Responders(topic)
}

// Responders returns a snapshot of known responders for topic without
// emitting SUBSCRIBE_SRV again.
func (s *Service) Responders(topic string) []Responder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Responder, 0, len(s.remoteSrvs[topic]))
	for _, r := range s.remoteSrvs[topic] {
		out = append(out, *r)
	}
	return out
}

// PickResponder applies the spec's deterministic tie-break and returns the
// winning responder, if any is known.
func (s *Service) PickResponder(topic string) (Responder, bool) {
	responders := s.Responders(topic)
	if len(responders) == 0 {
		return Responder{}, false
	}

	best := responders[0]
	for _, r := range responders[1:] {
		if lessIdentity(r.ProcessUUID, r.NodeUUID, best.ProcessUUID, best.NodeUUID) {
			best = r
		}
	}
	return best, true
}

// Topics lists every topic (local or remote) whose name starts with prefix.
func (s *Service) Topics(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range s.localPubs {
		seen[key.topic] = struct{}{}
	}
	for topic := range s.remotePubs {
		seen[topic] = struct{}{}
	}

	var out []string
	for topic := range seen {
		if len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
			out = append(out, topic)
		}
	}
	return out
}

func (s *Service) advertiseDatagram(p *Publisher) *wire.Datagram {
	return &wire.Datagram{
		Header:      wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgAdvertise, Topic: p.Topic},
		Address:     p.Address,
		CtrlAddress: p.CtrlAddress,
		NodeUUID:    p.NodeUUID,
		Scope:       uint8(p.Scope),
	}
}

func (s *Service) advertiseSrvDatagram(r *Responder) *wire.Datagram {
	return &wire.Datagram{
		Header:   wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgAdvertiseSrv, Topic: r.Topic},
		Address:  r.Address,
		NodeUUID: r.NodeUUID,
		Scope:    uint8(r.Scope),
		ReqType:  r.ReqType,
		RepType:  r.RepType,
	}
}

// announceLoop periodically refreshes every local advertisement's TTL on
// peers by sending a lightweight HEARTBEAT, and sweeps remote entries whose
// TTL (3x AnnouncePeriod) has lapsed.
func (s *Service) announceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AnnouncePeriod)
	defer ticker.Stop()

	ttl := 3 * s.cfg.AnnouncePeriod

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.heartbeat()
			s.sweepExpired(ttl)
		}
	}
}

func (s *Service) heartbeat() {
	s.mu.Lock()
	topics := make(map[string]struct{})
	for key, p := range s.localPubs {
		if p.Scope != ScopeProcess {
			topics[key.topic] = struct{}{}
		}
	}
	srvTopics := make(map[string]struct{})
	for key, r := range s.localSrvs {
		if r.Scope != ScopeProcess {
			srvTopics[key.topic] = struct{}{}
		}
	}
	s.mu.Unlock()

	for topic := range topics {
		d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgHeartbeat, Topic: topic}}
		if err := s.msgSock.send(wire.EncodeDatagram(d)); err != nil {
			s.cfg.Logger.Warn("failed to send heartbeat", "topic", topic, "error", err)
		}
	}
	for topic := range srvTopics {
		d := &wire.Datagram{Header: wire.Header{Version: wire.Version, ProcessUUID: s.processUUID, Type: wire.MsgHeartbeat, Topic: topic}}
		if err := s.srvSock.send(wire.EncodeDatagram(d)); err != nil {
			s.cfg.Logger.Warn("failed to send service heartbeat", "topic", topic, "error", err)
		}
	}
}

// sweepExpired drops remote entries whose heartbeat TTL has lapsed. Expired
// responders are dropped silently: a requester only resolves one at request
// time via PickResponder, so there is no standing connection to tear down.
func (s *Service) sweepExpired(ttl time.Duration) {
	now := time.Now()
	var expiredPubs []*Publisher

	s.mu.Lock()
	for topic, bucket := range s.remotePubs {
		for key, p := range bucket {
			if now.Sub(p.lastSeen) > ttl {
				expiredPubs = append(expiredPubs, p)
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(s.remotePubs, topic)
		}
	}
	for topic, bucket := range s.remoteSrvs {
		for key, r := range bucket {
			if now.Sub(r.lastSeen) > ttl {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(s.remoteSrvs, topic)
		}
	}
	s.mu.Unlock()

	for _, p := range expiredPubs {
		if s.cb.OnDisconnection != nil {
			s.cb.OnDisconnection(p.Topic, *p)
		}
	}
}

func (s *Service) recvLoop(sock *multicastSocket, isService bool) {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		_ = sock.recvConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := sock.recv(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.closeCh:
				return
			default:
				s.cfg.Logger.Warn("discovery: read error", "error", err)
				continue
			}
		}

		d, err := wire.DecodeDatagram(buf[:n])
		if err != nil {
			s.cfg.Logger.Debug("discovery: dropping malformed or unknown datagram", "error", err)
			continue
		}
		if d.ProcessUUID == s.processUUID {
			continue
		}

		if isService {
			s.handleSrvDatagram(d, addr)
		} else {
			s.handleMsgDatagram(d, addr)
		}
	}
}

func (s *Service) handleMsgDatagram(d *wire.Datagram, from *net.UDPAddr) {
	switch d.Type {
	case wire.MsgSubscribe:
		s.mu.Lock()
		var reply []*wire.Datagram
		for key, p := range s.localPubs {
			if key.topic == d.Topic && p.Scope != ScopeProcess {
				reply = append(reply, s.advertiseDatagram(p))
			}
		}
		s.mu.Unlock()
		for _, r := range reply {
			_ = s.msgSock.send(wire.EncodeDatagram(r))
		}

	case wire.MsgAdvertise, wire.MsgHeartbeat:
		s.observePublisher(d, from)

	case wire.MsgUnadvertise:
		s.forgetPublisher(d)

	case wire.MsgBye:
		s.forgetProcess(d.ProcessUUID)
	}
}

func (s *Service) handleSrvDatagram(d *wire.Datagram, from *net.UDPAddr) {
	switch d.Type {
	case wire.MsgSubscribeSrv:
		s.mu.Lock()
		var reply []*wire.Datagram
		for key, r := range s.localSrvs {
			if key.topic == d.Topic && r.Scope != ScopeProcess {
				reply = append(reply, s.advertiseSrvDatagram(r))
			}
		}
		s.mu.Unlock()
		for _, r := range reply {
			_ = s.srvSock.send(wire.EncodeDatagram(r))
		}

	case wire.MsgAdvertiseSrv, wire.MsgHeartbeat:
		s.observeResponder(d, from)

	case wire.MsgUnadvertiseSrv:
		s.forgetResponder(d)

	case wire.MsgBye:
		s.forgetProcess(d.ProcessUUID)
	}
}

func (s *Service) scopeAllows(scope Scope, from *net.UDPAddr) bool {
	switch scope {
	case ScopeProcess:
		return false
	case ScopeHost:
		return from != nil && containsIP(s.localIPs, from.IP)
	default:
		return true
	}
}

func (s *Service) observePublisher(d *wire.Datagram, from *net.UDPAddr) {
	scope := Scope(d.Scope)

	s.mu.Lock()
	bucket, ok := s.remotePubs[d.Topic]
	if !ok {
		bucket = make(map[string]*Publisher)
		s.remotePubs[d.Topic] = bucket
	}
	key := peerKey(d.ProcessUUID, d.NodeUUID)
	_, known := bucket[key]

	// A HEARTBEAT carries no node UUID, so it refreshes every entry the
	// sending process holds for this topic.
	if d.Type == wire.MsgHeartbeat {
		now := time.Now()
		for _, p := range bucket {
			if p.ProcessUUID == d.ProcessUUID {
				p.lastSeen = now
			}
		}
		s.mu.Unlock()
		return
	}

	if !s.scopeAllows(scope, from) {
		s.mu.Unlock()
		return
	}

	pub := &Publisher{
		Topic:       d.Topic,
		Scope:       scope,
		Address:     d.Address,
		CtrlAddress: d.CtrlAddress,
		ProcessUUID: d.ProcessUUID,
		NodeUUID:    d.NodeUUID,
		lastSeen:    time.Now(),
	}
	bucket[key] = pub
	firstSeen := !known
	interested := s.interested[d.Topic]
	s.mu.Unlock()

	if firstSeen && interested && s.cb.OnConnection != nil {
		s.cb.OnConnection(d.Topic, *pub)
	}
}

func (s *Service) observeResponder(d *wire.Datagram, from *net.UDPAddr) {
	scope := Scope(d.Scope)

	s.mu.Lock()
	bucket, ok := s.remoteSrvs[d.Topic]
	if !ok {
		bucket = make(map[string]*Responder)
		s.remoteSrvs[d.Topic] = bucket
	}
	key := peerKey(d.ProcessUUID, d.NodeUUID)

	if d.Type == wire.MsgHeartbeat {
		now := time.Now()
		for _, r := range bucket {
			if r.ProcessUUID == d.ProcessUUID {
				r.lastSeen = now
			}
		}
		s.mu.Unlock()
		return
	}

	if !s.scopeAllows(scope, from) {
		s.mu.Unlock()
		return
	}

	bucket[key] = &Responder{
		Topic:       d.Topic,
		Scope:       scope,
		Address:     d.Address,
		ReqType:     d.ReqType,
		RepType:     d.RepType,
		ProcessUUID: d.ProcessUUID,
		NodeUUID:    d.NodeUUID,
		lastSeen:    time.Now(),
	}
	s.mu.Unlock()
}

func (s *Service) forgetPublisher(d *wire.Datagram) {
	s.mu.Lock()
	bucket, ok := s.remotePubs[d.Topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	key := peerKey(d.ProcessUUID, d.NodeUUID)
	p, existed := bucket[key]
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(s.remotePubs, d.Topic)
	}
	s.mu.Unlock()

	if existed && s.cb.OnDisconnection != nil {
		s.cb.OnDisconnection(d.Topic, *p)
	}
}

func (s *Service) forgetResponder(d *wire.Datagram) {
	s.mu.Lock()
	bucket, ok := s.remoteSrvs[d.Topic]
	if ok {
		delete(bucket, peerKey(d.ProcessUUID, d.NodeUUID))
		if len(bucket) == 0 {
			delete(s.remoteSrvs, d.Topic)
		}
	}
	s.mu.Unlock()
}

func (s *Service) forgetProcess(process uuid.UUID) {
	var expiredPubs []*Publisher

	s.mu.Lock()
	for topic, bucket := range s.remotePubs {
		for key, p := range bucket {
			if p.ProcessUUID == process {
				expiredPubs = append(expiredPubs, p)
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(s.remotePubs, topic)
		}
	}
	for topic, bucket := range s.remoteSrvs {
		for key, r := range bucket {
			if r.ProcessUUID == process {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(s.remoteSrvs, topic)
		}
	}
	s.mu.Unlock()

	for _, p := range expiredPubs {
		if s.cb.OnDisconnection != nil {
			s.cb.OnDisconnection(p.Topic, *p)
		}
	}
}
