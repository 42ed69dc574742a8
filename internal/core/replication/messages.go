package replication

import (
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
)

// MessageKind discriminates replication wire messages.
type MessageKind uint8

const (
	KindSpawn MessageKind = iota + 1
	KindDespawn
	KindStateDelta
	KindRPCInvoke
	KindAck
	KindOwnership
)

func (k MessageKind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindDespawn:
		return "despawn"
	case KindStateDelta:
		return "state_delta"
	case KindRPCInvoke:
		return "rpc_invoke"
	case KindAck:
		return "ack"
	case KindOwnership:
		return "ownership"
	default:
		return "unknown"
	}
}

// Wire layout: every message starts with the common envelope
// {kind:u8, objectId:u64}, followed by a kind-specific payload.

type spawnMsg struct {
	ObjectID ObjectID
	Type     TypeHandle
	Owner    transport.ClientID
	ParentID ObjectID // NoObject when the object has no parent
	State    []byte
}

type deltaMsg struct {
	ObjectID ObjectID
	Version  uint32
	Payload  []byte
}

type rpcMsg struct {
	ObjectID ObjectID
	Type     TypeHandle
	NameID   uint64
	Args     []byte
}

type ackMsg struct {
	ObjectID ObjectID
	Version  uint32
}

type ownershipMsg struct {
	ObjectID ObjectID
	Owner    transport.ClientID
	Role     Role
}

func writeEnvelope(s *netstream.Stream, kind MessageKind, id ObjectID) {
	s.WriteUint8(uint8(kind))
	s.WriteUint64(uint64(id))
}

func readEnvelope(s *netstream.Stream) (MessageKind, ObjectID, error) {
	kind, err := s.ReadUint8()
	if err != nil {
		return 0, 0, err
	}
	id, err := s.ReadUint64()
	if err != nil {
		return 0, 0, err
	}
	return MessageKind(kind), ObjectID(id), nil
}

func encodeSpawn(m spawnMsg) []byte {
	s := netstream.New()
	writeEnvelope(s, KindSpawn, m.ObjectID)
	s.WriteUint64(uint64(m.Type))
	s.WriteUint32(uint32(m.Owner))
	hasParent := m.ParentID != NoObject
	s.WriteBool(hasParent)
	if hasParent {
		s.WriteUint64(uint64(m.ParentID))
	}
	_ = s.WriteBytes(m.State)
	return s.Bytes()
}

func decodeSpawn(s *netstream.Stream, id ObjectID) (spawnMsg, error) {
	m := spawnMsg{ObjectID: id}
	t, err := s.ReadUint64()
	if err != nil {
		return m, err
	}
	m.Type = TypeHandle(t)
	owner, err := s.ReadUint32()
	if err != nil {
		return m, err
	}
	m.Owner = transport.ClientID(owner)
	hasParent, err := s.ReadBool()
	if err != nil {
		return m, err
	}
	if hasParent {
		parent, err := s.ReadUint64()
		if err != nil {
			return m, err
		}
		m.ParentID = ObjectID(parent)
	}
	m.State, err = s.ReadBytes()
	return m, err
}

func encodeDespawn(id ObjectID) []byte {
	s := netstream.New()
	writeEnvelope(s, KindDespawn, id)
	return s.Bytes()
}

func encodeDelta(m deltaMsg) []byte {
	s := netstream.New()
	writeEnvelope(s, KindStateDelta, m.ObjectID)
	s.WriteUint32(m.Version)
	_ = s.WriteBytes(m.Payload)
	return s.Bytes()
}

func decodeDelta(s *netstream.Stream, id ObjectID) (deltaMsg, error) {
	m := deltaMsg{ObjectID: id}
	version, err := s.ReadUint32()
	if err != nil {
		return m, err
	}
	m.Version = version
	m.Payload, err = s.ReadBytes()
	return m, err
}

func encodeRPC(m rpcMsg) []byte {
	s := netstream.New()
	writeEnvelope(s, KindRPCInvoke, m.ObjectID)
	s.WriteUint64(uint64(m.Type))
	s.WriteUint64(m.NameID)
	_ = s.WriteBytes(m.Args)
	return s.Bytes()
}

func decodeRPC(s *netstream.Stream, id ObjectID) (rpcMsg, error) {
	m := rpcMsg{ObjectID: id}
	t, err := s.ReadUint64()
	if err != nil {
		return m, err
	}
	m.Type = TypeHandle(t)
	m.NameID, err = s.ReadUint64()
	if err != nil {
		return m, err
	}
	m.Args, err = s.ReadBytes()
	return m, err
}

func encodeAck(m ackMsg) []byte {
	s := netstream.New()
	writeEnvelope(s, KindAck, m.ObjectID)
	s.WriteUint32(m.Version)
	return s.Bytes()
}

func decodeAck(s *netstream.Stream, id ObjectID) (ackMsg, error) {
	m := ackMsg{ObjectID: id}
	version, err := s.ReadUint32()
	m.Version = version
	return m, err
}

func encodeOwnership(m ownershipMsg) []byte {
	s := netstream.New()
	writeEnvelope(s, KindOwnership, m.ObjectID)
	s.WriteUint32(uint32(m.Owner))
	s.WriteUint8(uint8(m.Role))
	return s.Bytes()
}

func decodeOwnership(s *netstream.Stream, id ObjectID) (ownershipMsg, error) {
	m := ownershipMsg{ObjectID: id}
	owner, err := s.ReadUint32()
	if err != nil {
		return m, err
	}
	m.Owner = transport.ClientID(owner)
	role, err := s.ReadUint8()
	m.Role = Role(role)
	return m, err
}
