package transport

import (
	"math/rand"
	"sync"

	"github.com/netforge/replica/internal/core/observability/log"
)

const loopbackQueueSize = 1024

// LoopbackNetwork is an in-process hub connecting loopback drivers.
// It exists for tests and single-process sessions: messages are delivered
// synchronously into the destination queue, optionally dropping a fraction
// of unreliable traffic to exercise loss handling.
type LoopbackNetwork struct {
	mu    sync.Mutex
	peers map[ClientID]*LoopbackDriver
	next  ClientID

	// DropRate is the probability of silently dropping a message sent on
	// an unreliable channel. Reliable channels are never dropped.
	DropRate float64

	rng    *rand.Rand
	logger log.Log
}

// NewLoopbackNetwork creates an empty hub.
func NewLoopbackNetwork(logger log.Log) *LoopbackNetwork {
	return &LoopbackNetwork{
		peers:  make(map[ClientID]*LoopbackDriver),
		rng:    rand.New(rand.NewSource(1)),
		logger: logger.With(log.String("transport", "loopback")),
	}
}

// Join attaches a new peer. The first join is the server; later joins get
// sequential client ids.
func (n *LoopbackNetwork) Join() *LoopbackDriver {
	n.mu.Lock()
	defer n.mu.Unlock()

	d := &LoopbackDriver{
		net:   n,
		id:    n.next,
		inbox: make(chan Inbound, loopbackQueueSize),
	}
	n.peers[d.id] = d
	n.next++
	return d
}

func (n *LoopbackNetwork) deliver(src ClientID, channel ChannelType, dst []ClientID, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !channel.IsReliable() && n.DropRate > 0 && n.rng.Float64() < n.DropRate {
		return nil
	}

	targets := dst
	if targets == nil {
		for id := range n.peers {
			if id != src {
				targets = append(targets, id)
			}
		}
	}
	for _, id := range targets {
		peer, ok := n.peers[id]
		if !ok {
			continue
		}
		msg := Inbound{Source: src, Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case peer.inbox <- msg:
		default:
			n.logger.Warn("Loopback queue overflow, message dropped",
				log.Uint32("dst", uint32(id)),
				log.Uint32("src", uint32(src)))
		}
	}
	return nil
}

func (n *LoopbackNetwork) leave(id ClientID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// LoopbackDriver is one peer endpoint of a LoopbackNetwork.
type LoopbackDriver struct {
	net    *LoopbackNetwork
	id     ClientID
	inbox  chan Inbound
	closed sync.Once
}

var _ Driver = (*LoopbackDriver)(nil)

func (d *LoopbackDriver) Send(channel ChannelType, dst []ClientID, payload []byte) error {
	return d.net.deliver(d.id, channel, dst, payload)
}

func (d *LoopbackDriver) Receive() <-chan Inbound {
	return d.inbox
}

func (d *LoopbackDriver) LocalClientID() ClientID {
	return d.id
}

func (d *LoopbackDriver) Close() error {
	d.closed.Do(func() {
		d.net.leave(d.id)
		close(d.inbox)
	})
	return nil
}
