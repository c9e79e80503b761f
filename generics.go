package ignite

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// newCodec allocates a zero value of T, which must be a pointer type
// implementing Codec (mirroring the teacher's pkg/flow JSON decoder
// allocator pattern).
func newCodec[T Codec]() T {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Ptr {
		panic("ignite: Codec type parameter must be a pointer type")
	}
	return reflect.New(t.Elem()).Interface().(T)
}

// typeNameOf returns T's wire type name, read from a freshly allocated
// throwaway value.
func typeNameOf[T Codec]() string {
	return newCodec[T]().TypeName()
}

// Subscribe registers a typed handler for topic, decoding each payload into
// a fresh T before invoking cb. Returns an unsubscribe function.
func Subscribe[T Codec](node *Node, topic string, cb func(topic string, msg T, sender uuid.UUID)) (func() error, error) {
	return node.SubscribeRaw(topic, typeNameOf[T](), func(topic string, payload []byte, sender uuid.UUID) {
		msg := newCodec[T]()
		if err := msg.Unmarshal(payload); err != nil {
			return
		}
		cb(topic, msg, sender)
	})
}

// AdvertiseService registers node as the sole replier for service in this
// process, decoding requests as REQ and encoding responses as REP.
func AdvertiseService[REQ, REP Codec](node *Node, service string, scope Scope, cb func(req REQ) (rep REP, ok bool)) error {
	return node.AdvertiseServiceRaw(service, scope, typeNameOf[REQ](), typeNameOf[REP](), func(payload []byte) ([]byte, bool) {
		req := newCodec[REQ]()
		if err := req.Unmarshal(payload); err != nil {
			return nil, false
		}
		rep, ok := cb(req)
		if !ok {
			return nil, false
		}
		out, err := rep.Marshal()
		if err != nil {
			return nil, false
		}
		return out, true
	})
}

// Request performs a non-blocking typed service call: if ok is false the
// response is a zero value and must not be used.
func Request[REQ, REP Codec](node *Node, service string, req REQ, callback func(ok bool, rep REP)) error {
	payload, err := req.Marshal()
	if err != nil {
		return err
	}

	_, _, err = node.RequestRaw(service, req.TypeName(), typeNameOf[REP](), payload, 0, func(ok bool, respBytes []byte) {
		var rep REP
		if ok {
			rep = newCodec[REP]()
			if rep.Unmarshal(respBytes) != nil {
				ok = false
				var zero REP
				rep = zero
			}
		}
		callback(ok, rep)
	})
	return err
}

// RequestBlocking performs a blocking typed service call, waiting up to
// timeout for a response.
func RequestBlocking[REQ, REP Codec](node *Node, service string, req REQ, timeout time.Duration) (rep REP, ok bool, err error) {
	payload, err := req.Marshal()
	if err != nil {
		return rep, false, err
	}

	result, respBytes, err := node.RequestRaw(service, req.TypeName(), typeNameOf[REP](), payload, timeout, nil)
	if err != nil {
		return rep, false, err
	}
	if !result {
		return rep, false, nil
	}

	rep = newCodec[REP]()
	if err := rep.Unmarshal(respBytes); err != nil {
		return rep, false, err
	}
	return rep, true, nil
}
