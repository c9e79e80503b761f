package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/wire"
)

// Handler answers one RequestFrame. A nil *wire.ResponseFrame with a
// non-nil error closes the connection without writing a response.
type Handler func(*wire.RequestFrame) (*wire.ResponseFrame, error)

// ReqServer accepts one connection per service call: read a RequestFrame,
// hand it to Handler, write the ResponseFrame back, close.
type ReqServer struct {
	cfg     Config
	ln      net.Listener
	handler Handler

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewReqServer(bindAddr string, handler Handler, cfg Config) (*ReqServer, error) {
	cfg.setDefaults()
	ln, err := listen(bindAddr)
	if err != nil {
		return nil, err
	}

	s := &ReqServer{
		cfg:     cfg,
		ln:      ln,
		handler: handler,
		closeCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *ReqServer) Addr() string { return s.ln.Addr().String() }

func (s *ReqServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.cfg.Logger.Warn("transport: req accept failed", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleOne(conn)
	}
}

func (s *ReqServer) handleOne(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	parts, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	req, err := wire.ParseRequestFrame(parts)
	if err != nil {
		s.cfg.Logger.Warn("transport: malformed request frame", "error", err)
		return
	}

	metrics.IncrCounterWithLabels(MetricRequestInCount, 1, append(s.cfg.MetricLabels, LabelTopic.M(req.Topic)))

	resp, err := s.handler(req)
	if err != nil || resp == nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
	if err := wire.WriteFrame(conn, resp.Parts()); err != nil {
		s.cfg.Logger.Warn("transport: failed to write response", "error", err)
	}
}

func (s *ReqServer) Close() error {
	close(s.closeCh)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// DoRequest dials addr, sends req, and blocks until timeout for the single
// response that comes back on the same connection. Used both for the
// blocking Request call and, run in a goroutine, for the non-blocking one.
func DoRequest(addr string, req *wire.RequestFrame, timeout time.Duration, cfg Config) (*wire.ResponseFrame, error) {
	cfg.setDefaults()

	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricRequestOutErrorCount, 1, cfg.MetricLabels)
		return nil, fmt.Errorf("transport: dial responder %q: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := wire.WriteFrame(conn, req.Parts()); err != nil {
		metrics.IncrCounterWithLabels(MetricRequestOutErrorCount, 1, cfg.MetricLabels)
		return nil, fmt.Errorf("transport: failed to send request: %w", err)
	}

	parts, err := wire.ReadFrame(conn)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricRequestOutErrorCount, 1, cfg.MetricLabels)
		return nil, fmt.Errorf("transport: failed to read response: %w", err)
	}

	metrics.IncrCounterWithLabels(MetricRequestOutCount, 1, cfg.MetricLabels)
	return wire.ParseResponseFrame(parts)
}
