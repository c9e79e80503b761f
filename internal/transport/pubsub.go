package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/wire"
)

// PubServer accepts subscriber connections and fans out DataFrames to
// whichever topic each connection subscribed to during its handshake. A
// single PubServer backs every topic a Node advertises, which is why the
// advertised publish address is the same across a node's topics.
type PubServer struct {
	cfg Config
	ln  net.Listener

	mu    sync.Mutex
	conns map[string]map[net.Conn]*bufio.Writer

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewPubServer(bindAddr string, cfg Config) (*PubServer, error) {
	cfg.setDefaults()
	ln, err := listen(bindAddr)
	if err != nil {
		return nil, err
	}

	s := &PubServer{
		cfg:     cfg,
		ln:      ln,
		conns:   make(map[string]map[net.Conn]*bufio.Writer),
		closeCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *PubServer) Addr() string { return s.ln.Addr().String() }

func (s *PubServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.cfg.Logger.Warn("transport: pub accept failed", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleSubscriber(conn)
	}
}

func (s *PubServer) handleSubscriber(conn net.Conn) {
	defer s.wg.Done()

	parts, err := wire.ReadFrame(conn)
	if err != nil || len(parts) != 1 {
		metrics.IncrCounterWithLabels(MetricSubConnErrorCount, 1, s.cfg.MetricLabels)
		s.cfg.Logger.Warn("transport: bad subscribe handshake", "error", err)
		_ = conn.Close()
		return
	}
	topic := string(parts[0])

	s.mu.Lock()
	bucket, ok := s.conns[topic]
	if !ok {
		bucket = make(map[net.Conn]*bufio.Writer)
		s.conns[topic] = bucket
	}
	bucket[conn] = bufio.NewWriter(conn)
	s.mu.Unlock()

	metrics.IncrCounterWithLabels(MetricSubConnEstCount, 1, s.cfg.MetricLabels)

	// Block until the subscriber disconnects, so we can drop it from the
	// fan-out set. Subscribers never send anything after the handshake.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(bucket, conn)
	if len(bucket) == 0 {
		delete(s.conns, topic)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Publish writes frame to every subscriber currently connected for
// frame.Topic, one subscriber at a time, each write bounded by
// DialTimeout. A subscriber whose write fails is disconnected.
func (s *PubServer) Publish(frame *wire.DataFrame) error {
	s.mu.Lock()
	bucket := s.conns[frame.Topic]
	conns := make([]net.Conn, 0, len(bucket))
	for c := range bucket {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	parts := frame.Parts()
	var firstErr error
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
		if err := wire.WriteFrame(c, parts); err != nil {
			metrics.IncrCounterWithLabels(MetricPublishOutErrorCount, 1, s.cfg.MetricLabels)
			if firstErr == nil {
				firstErr = err
			}
			_ = c.Close()
			continue
		}
		metrics.IncrCounterWithLabels(MetricPublishOutBytes, float32(len(frame.Payload)), s.cfg.MetricLabels)
	}
	return firstErr
}

func (s *PubServer) SubscriberCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[topic])
}

func (s *PubServer) Close() error {
	close(s.closeCh)
	err := s.ln.Close()

	s.mu.Lock()
	for _, bucket := range s.conns {
		for c := range bucket {
			_ = c.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// SubConn is the subscriber side of a publish connection: dial, handshake
// with the topic name, then Recv in a loop.
type SubConn struct {
	conn  net.Conn
	topic string
	cfg   Config
}

func DialSub(addr, topic string, cfg Config) (*SubConn, error) {
	cfg.setDefaults()
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricSubConnErrorCount, 1, cfg.MetricLabels)
		return nil, fmt.Errorf("transport: dial publisher %q: %w", addr, err)
	}
	if err := wire.WriteFrame(conn, [][]byte{[]byte(topic)}); err != nil {
		metrics.IncrCounterWithLabels(MetricSubConnErrorCount, 1, cfg.MetricLabels)
		_ = conn.Close()
		return nil, fmt.Errorf("transport: subscribe handshake for %q: %w", topic, err)
	}
	return &SubConn{conn: conn, topic: topic, cfg: cfg}, nil
}

// Recv blocks until the next DataFrame arrives or the connection breaks.
func (c *SubConn) Recv() (*wire.DataFrame, error) {
	parts, err := wire.ReadFrame(c.conn)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricSubConnErrorCount, 1, c.cfg.MetricLabels)
		return nil, err
	}
	frame, err := wire.ParseDataFrame(parts)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounterWithLabels(MetricPublishInCount, 1, append(c.cfg.MetricLabels, LabelTopic.M(frame.Topic)))
	return frame, nil
}

func (c *SubConn) Close() error {
	return c.conn.Close()
}
