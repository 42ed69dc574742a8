package replication

import (
	"github.com/cespare/xxhash/v2"

	"github.com/netforge/replica/pkg/netstream"
)

// ObjectID is a stable object identifier unique within a network session.
// It is assigned by the spawning authority and propagated to all peers.
type ObjectID uint64

// NoObject is the zero ObjectID, used where an id is optional.
const NoObject ObjectID = 0

// TypeHandle identifies the serializer and RPC set of a replicated type.
// Handles are the xxhash of the registered type name, so peers that
// register the same names agree on handles without negotiation.
type TypeHandle uint64

// HandleOf derives the TypeHandle for a type name.
func HandleOf(name string) TypeHandle {
	return TypeHandle(xxhash.Sum64String(name))
}

// Role is the local authority level over a replicated object.
type Role uint8

const (
	// RoleNone marks an object that is not replicated.
	RoleNone Role = iota
	// RoleOwnedAuthoritative: this peer owns the object and originates
	// its ground-truth state.
	RoleOwnedAuthoritative
	// RoleReplicated: the object is mirrored from its owner and cannot
	// be simulated locally.
	RoleReplicated
	// RoleReplicatedSimulated: mirrored from the owner but also simulated
	// locally (eg. a pawn driven by prediction); local changes are
	// overridden on reconciliation.
	RoleReplicatedSimulated
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleOwnedAuthoritative:
		return "owned_authoritative"
	case RoleReplicated:
		return "replicated"
	case RoleReplicatedSimulated:
		return "replicated_simulated"
	default:
		return "unknown"
	}
}

// ObjectState is the peer-local lifecycle state of a replicated object.
type ObjectState uint8

const (
	StateUnknown ObjectState = iota
	StateSpawning
	StateActive
	StateDespawning
	StateRemoved
)

func (s ObjectState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSpawning:
		return "spawning"
	case StateActive:
		return "active"
	case StateDespawning:
		return "despawning"
	case StateRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Object is the capability the replication core needs from a game object.
type Object interface {
	// NetworkID returns the object's stable session-unique id.
	NetworkID() ObjectID
	// NetworkType returns the handle of the object's replicated type.
	NetworkType() TypeHandle
}

// ObjectFactory constructs and destroys objects on behalf of the
// replication core when spawn and despawn messages arrive.
type ObjectFactory interface {
	Construct(t TypeHandle, id ObjectID) (Object, error)
	Destroy(obj Object)
}

// Serializable is the native serialization fallback: a type that can
// write and restore its replicated state directly. Objects implementing
// it need no registered serializer pair.
type Serializable interface {
	Serialize(s *netstream.Stream) error
	Deserialize(s *netstream.Stream) error
}
