// Package ignite is a topic-based publish/subscribe and request/reply
// fabric between nodes on the same host and across a local network.
//
// Applications create a Node, which can advertise topics or services,
// subscribe to topics, and invoke services. A UDP multicast discovery
// layer resolves a topic to the set of peers currently willing to
// publish to it or respond on it, so applications never address peers
// directly.
//
// ## How it works
//
// The first Node created in a process lazily brings up two
// process-wide singletons: a discovery.Service (multicast
// announce/subscribe/heartbeat) and a set of TCP transport endpoints
// (publish and reply sockets). Every later Node in the same process
// shares them; the last Node destroyed tears them down.
//
// Advertising a topic registers a local publisher record and emits an
// ADVERTISE datagram (unless scoped to the process). Subscribing
// records a handler and emits a SUBSCRIBE datagram; on the matching
// ADVERTISE, the node dials the publisher's publish socket and starts
// decoding frames. Publishing writes one multi-part frame to every
// connected subscriber and, as a shortcut, invokes any local
// subscriber's callback synchronously before the network write even
// starts.
//
// Services work the same way over a separate reply socket: the
// requester picks one responder (deterministic lowest-identity
// tie-break when several exist) and either blocks on a per-request
// channel or returns immediately and invokes a callback later.
//
// ## Design principles
//
// Dependencies are kept close to what a pub/sub fabric actually needs:
//
//   - github.com/google/uuid, for node and process identity.
//   - github.com/hashicorp/go-metrics, for pluggable metrics sinks.
//   - golang.org/x/net/ipv4, for multicast TTL control on the
//     discovery send socket.
//   - github.com/stretchr/testify, for the test suite.
//
// No broker, no durable storage, no delivery guarantees beyond
// best-effort TCP to currently known peers: a node that goes away is
// simply forgotten once its heartbeat TTL lapses.
package ignite
