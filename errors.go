package ignite

import "errors"

var (
	ErrInvalidTopic      = errors.New("ignite: topic must match /[A-Za-z_][A-Za-z0-9_/]* with no empty segments")
	ErrNotAdvertised     = errors.New("ignite: publish on a topic this node has not advertised")
	ErrAlreadyAdvertised = errors.New("ignite: a replier is already bound to this service in this process")
	ErrTypeMismatch      = errors.New("ignite: message type name does not match the handler's expected type")
	// ErrTimeout wraps a blocking Request's failure when a responder was
	// actually contacted but the round trip itself did not finish within
	// the deadline. A deadline that elapses with no responder ever found
	// is reported as ok=false with a nil error instead, matching RequestRaw.
	ErrTimeout = errors.New("ignite: request timed out waiting for a response")
	// ErrNoResponder is never returned by RequestRaw itself: per spec, the
	// library always waits out the caller's full timeout budget rather
	// than failing synchronously on a discovery miss. It is exposed for
	// callers that want to build their own no-responder timeout logic on
	// top of the non-blocking callback flavour.
	ErrNoResponder   = errors.New("ignite: no responder known for this service")
	ErrTransport     = errors.New("ignite: transport write failed")
	ErrNodeClosed    = errors.New("ignite: node has been destroyed")
	ErrInvalidConfig = errors.New("ignite: invalid option")
)
