package discovery

import (
	"time"

	"github.com/google/uuid"
)

// Scope mirrors the node runtime's Scope but is kept local to avoid an
// import cycle between the root package and this one.
type Scope uint8

const (
	ScopeProcess Scope = iota
	ScopeHost
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "Process"
	case ScopeHost:
		return "Host"
	default:
		return "All"
	}
}

// Publisher is a remote or local advertisement of a topic for pub/sub.
type Publisher struct {
	Topic       string
	Scope       Scope
	Address     string
	CtrlAddress string
	ProcessUUID uuid.UUID
	NodeUUID    uuid.UUID

	lastSeen time.Time
}

// Responder is a remote or local advertisement of a service.
type Responder struct {
	Topic       string
	Scope       Scope
	Address     string
	ReqType     string
	RepType     string
	ProcessUUID uuid.UUID
	NodeUUID    uuid.UUID

	lastSeen time.Time
}

// peerKey uniquely identifies the owner of an advertisement, used to key
// per-topic peer tables.
func peerKey(process, node uuid.UUID) string {
	return process.String() + "/" + node.String()
}

// lessIdentity implements the spec's deterministic tie-break: lowest
// (process_uuid, node_uuid) in byte-lex order.
func lessIdentity(aProcess, aNode, bProcess, bNode uuid.UUID) bool {
	for i := range aProcess {
		if aProcess[i] != bProcess[i] {
			return aProcess[i] < bProcess[i]
		}
	}
	for i := range aNode {
		if aNode[i] != bNode[i] {
			return aNode[i] < bNode[i]
		}
	}
	return false
}
