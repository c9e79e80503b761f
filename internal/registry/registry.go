// Package registry implements the per-process handler registry described in
// the node runtime design: subscription handlers, replier handlers and
// pending requests, each indexed by topic.
//
// Per the design notes, callback dispatch is snapshot-then-invoke: every
// lookup copies the relevant bucket while holding the lock, then releases
// it before the caller invokes callbacks. This lets a callback safely call
// back into Subscribe/Unsubscribe without needing a recursive mutex.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrReplierExists = errors.New("registry: a replier is already advertised for this topic in this process")

// SubHandler is the opaque, type-erased form of a subscription callback.
// Concrete handlers know how to decode payload as their expected type;
// the registry only needs to route by topic and type name.
type SubHandler interface {
	ID() string
	Owner() uuid.UUID
	TypeName() string
	Invoke(topic string, payload []byte, sender uuid.UUID)
}

// ReplierHandler is the opaque form of a service reply callback.
type ReplierHandler interface {
	Owner() uuid.UUID
	ReqType() string
	RepType() string
	Invoke(topic string, payload []byte) (resp []byte, ok bool)
}

// PendingRequest tracks one in-flight service call. Complete is an opaque
// value owned by the caller (the node's completion slot); the registry
// never reads or writes it, only stores and hands it back.
type PendingRequest struct {
	ID              uuid.UUID
	Topic           string
	OwnerNode       uuid.UUID
	ExpectedRepType string
	RequestBytes    []byte
	Complete        any
}

// Registry is a per-process singleton shared by every Node hosted in the
// process, which is what makes the "at most one replier per topic per
// process" invariant enforceable.
type Registry struct {
	mu sync.Mutex

	subs     map[string]map[string]SubHandler
	repliers map[string]ReplierHandler
	requests map[string]map[uuid.UUID]*PendingRequest

	topicRefs map[string]int
	topics    *topicTrie[struct{}]
}

func New() *Registry {
	return &Registry{
		subs:      make(map[string]map[string]SubHandler),
		repliers:  make(map[string]ReplierHandler),
		requests:  make(map[string]map[uuid.UUID]*PendingRequest),
		topicRefs: make(map[string]int),
		topics:    newTopicTrie[struct{}](),
	}
}

func (r *Registry) trackTopic(topic string) {
	r.topicRefs[topic]++
	if r.topicRefs[topic] == 1 {
		r.topics.Insert(topic, struct{}{})
	}
}

func (r *Registry) untrackTopic(topic string) {
	r.topicRefs[topic]--
	if r.topicRefs[topic] <= 0 {
		delete(r.topicRefs, topic)
		r.topics.Delete(topic)
	}
}

// AddSub registers a subscription handler for topic.
func (r *Registry) AddSub(topic string, h SubHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.subs[topic]
	if !ok {
		bucket = make(map[string]SubHandler)
		r.subs[topic] = bucket
	}
	bucket[h.ID()] = h
	r.trackTopic(topic)
}

// RemoveSubsByOwner removes every handler owned by owner for topic and
// returns them, so the caller can release any resources they hold.
func (r *Registry) RemoveSubsByOwner(topic string, owner uuid.UUID) []SubHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.subs[topic]
	if !ok {
		return nil
	}

	var removed []SubHandler
	for id, h := range bucket {
		if h.Owner() == owner {
			removed = append(removed, h)
			delete(bucket, id)
		}
	}
	if len(bucket) == 0 {
		delete(r.subs, topic)
	}
	for range removed {
		r.untrackTopic(topic)
	}
	return removed
}

// HasSubs reports whether topic has at least one subscription handler
// anywhere in this process.
func (r *Registry) HasSubs(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic]) > 0
}

// SnapshotSubs copies the handler bucket for topic so the caller can invoke
// callbacks without holding the registry lock.
func (r *Registry) SnapshotSubs(topic string) []SubHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.subs[topic]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]SubHandler, 0, len(bucket))
	for _, h := range bucket {
		out = append(out, h)
	}
	return out
}

// AddReplier registers the sole replier for topic in this process.
func (r *Registry) AddReplier(topic string, h ReplierHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.repliers[topic]; exists {
		return ErrReplierExists
	}
	r.repliers[topic] = h
	r.trackTopic(topic)
	return nil
}

// RemoveReplier removes the replier for topic if owned by owner.
func (r *Registry) RemoveReplier(topic string, owner uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.repliers[topic]
	if !ok || h.Owner() != owner {
		return false
	}
	delete(r.repliers, topic)
	r.untrackTopic(topic)
	return true
}

// GetReplier returns the process-local replier for topic, if any.
func (r *Registry) GetReplier(topic string) (ReplierHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.repliers[topic]
	return h, ok
}

// AddRequest stores a pending request so the response can be correlated
// back when it arrives.
func (r *Registry) AddRequest(pr *PendingRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.requests[pr.Topic]
	if !ok {
		bucket = make(map[uuid.UUID]*PendingRequest)
		r.requests[pr.Topic] = bucket
	}
	bucket[pr.ID] = pr
}

// RemoveRequest removes and returns a pending request. A response that
// arrives after this call (e.g. post-timeout) has nothing to correlate
// against and is dropped by the caller, matching the spec's pinned
// late-response behaviour.
func (r *Registry) RemoveRequest(topic string, id uuid.UUID) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.requests[topic]
	if !ok {
		return nil, false
	}
	pr, ok := bucket[id]
	if ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.requests, topic)
		}
	}
	return pr, ok
}

// RemoveRequestsByOwner removes and returns every pending request owned by
// owner, across all topics. Used on node shutdown to cancel in-flight
// requests.
func (r *Registry) RemoveRequestsByOwner(owner uuid.UUID) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*PendingRequest
	for topic, bucket := range r.requests {
		for id, pr := range bucket {
			if pr.OwnerNode == owner {
				removed = append(removed, pr)
				delete(bucket, id)
			}
		}
		if len(bucket) == 0 {
			delete(r.requests, topic)
		}
	}
	return removed
}

// Topics lists every topic with at least one local subscription handler or
// service replier under prefix (used by topic -l-style listings).
func (r *Registry) Topics(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	r.topics.WalkPrefix(prefix, func(key string, _ struct{}) bool {
		out = append(out, key)
		return true
	})
	return out
}
