package model

// EntityType distinguishes the two name namespaces sharing one connection set.
type EntityType int16

const (
	// [ZERO_VALUE_GUARD] start from 1 to distinguish from uninitialized data.
	EntityAgent EntityType = iota + 1
	EntityUser
)

func (t EntityType) String() string {
	switch t {
	case EntityAgent:
		return "agent"
	case EntityUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParseEntityType maps the wire value; anything unrecognized defaults to agent.
func ParseEntityType(s string) EntityType {
	if s == "user" {
		return EntityUser
	}
	return EntityAgent
}

// ConnMeta carries optional client self-description reported at handshake.
type ConnMeta struct {
	CLI              string
	Program          string
	Model            string
	Task             string
	WorkingDirectory string
}

// Conn is the routable-connection contract the router consumes.
// The transport owns the concrete implementation; the router never blocks on it.
type Conn interface {
	ID() string
	AgentName() string
	EntityType() EntityType
	// SessionID is stable across socket reconnects of the same peer.
	SessionID() string
	Meta() ConnMeta

	// Send pushes an envelope toward the peer without blocking.
	// False means the transport refused (buffer full, socket gone).
	Send(env *Envelope) bool

	// NextSeq allocates this connection's next delivery sequence on the
	// stream keyed by (topic-or-"default", peer). Strictly increasing, no gaps.
	NextSeq(topic, peer string) uint64

	// Close tears the connection down; idempotent.
	Close()
}
