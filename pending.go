package ignite

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRequest is the completion slot for one in-flight service call:
// waiting on a channel that is closed exactly once (guarded by sync.Once)
// replaces the source design's condition_variable::wait_until, per spec.md §5.
type pendingRequest struct {
	id    uuid.UUID
	topic string

	done chan struct{}
	once sync.Once

	completed     bool
	resultFlag    bool
	responseBytes []byte
	err           error
}

func newPendingRequest(topic string, id uuid.UUID) *pendingRequest {
	return &pendingRequest{id: id, topic: topic, done: make(chan struct{})}
}

// complete delivers a response. Only the first call has any effect, so a
// late response racing a timeout or cancellation is a silent no-op.
func (p *pendingRequest) complete(resultFlag bool, response []byte) {
	p.once.Do(func() {
		p.completed = true
		p.resultFlag = resultFlag
		p.responseBytes = response
		close(p.done)
	})
}

// completeErr wakes a waiter with a transport-level failure that happened
// after a responder was actually contacted, as opposed to a deadline that
// elapsed without ever finding one.
func (p *pendingRequest) completeErr(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// cancel wakes any waiter with a failure, used on node shutdown.
func (p *pendingRequest) cancel() {
	p.once.Do(func() {
		close(p.done)
	})
}

// wait blocks until the request completes, is cancelled, or timeout
// elapses, returning ok=true only on a genuine completion within the
// deadline.
func (p *pendingRequest) wait(timeout time.Duration) (resultFlag bool, response []byte, ok bool, err error) {
	select {
	case <-p.done:
		return p.resultFlag, p.responseBytes, p.completed, p.err
	case <-time.After(timeout):
		return false, nil, false, nil
	}
}

// result blocks until done is closed and reports the outcome, with no
// timeout of its own: used once a caller already knows resolution happened.
func (p *pendingRequest) result() (resultFlag bool, response []byte, ok bool, err error) {
	<-p.done
	return p.resultFlag, p.responseBytes, p.completed, p.err
}
