package transport

import "errors"

// ClientID identifies a peer within a session. The server is always
// ServerClientID; connected clients get ids assigned by the server.
type ClientID uint32

// ServerClientID is the reserved id of the hosting peer.
const ServerClientID ClientID = 0

// ChannelType declares the reliability and ordering class of a logical
// transport lane.
type ChannelType uint8

const (
	ChannelUnreliable ChannelType = iota
	ChannelUnreliableOrdered
	ChannelReliable
	ChannelReliableOrdered
)

func (c ChannelType) String() string {
	switch c {
	case ChannelUnreliable:
		return "unreliable"
	case ChannelUnreliableOrdered:
		return "unreliable_ordered"
	case ChannelReliable:
		return "reliable"
	case ChannelReliableOrdered:
		return "reliable_ordered"
	default:
		return "unknown"
	}
}

// IsReliable reports whether the channel guarantees delivery.
func (c ChannelType) IsReliable() bool {
	return c == ChannelReliable || c == ChannelReliableOrdered
}

// Inbound is one received message.
type Inbound struct {
	Source  ClientID
	Channel ChannelType
	Payload []byte
}

// Driver moves opaque byte messages between session peers. Send never
// blocks on network I/O; Receive delivers from the driver's own queue.
type Driver interface {
	// Send transmits payload to dst on the given channel. A nil dst
	// broadcasts to every other connected peer.
	Send(channel ChannelType, dst []ClientID, payload []byte) error

	// Receive returns the inbound message queue. The channel is closed
	// when the driver shuts down.
	Receive() <-chan Inbound

	// LocalClientID returns this peer's id within the session.
	LocalClientID() ClientID

	Close() error
}

var (
	ErrDriverClosed  = errors.New("transport: driver is closed")
	ErrPeerUnknown   = errors.New("transport: unknown destination peer")
	ErrQueueOverflow = errors.New("transport: inbound queue overflow")
	ErrHandshake     = errors.New("transport: handshake failed")
)
