package replication

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
)

// RPCHandler executes a received remote procedure call on instance with
// the argument stream positioned at the start of the argument blob.
type RPCHandler func(instance any, args *netstream.Stream) error

// RPCEntry describes one registered remote procedure.
type RPCEntry struct {
	Handler RPCHandler
	// IsServer marks a procedure that executes on the server. Clients may
	// invoke it only on objects they own.
	IsServer bool
	// IsClient marks a procedure that executes on clients. Only the server
	// may invoke it.
	IsClient bool
	Channel  transport.ChannelType
	Name     string
}

type rpcKey struct {
	Type TypeHandle
	Name uint64
}

// RPCRegistry maps (type, method name) pairs to handlers. Method names
// travel on the wire as xxhash ids, so both sides resolve them without
// string payloads.
type RPCRegistry struct {
	mu      sync.RWMutex
	entries map[rpcKey]*RPCEntry
	names   map[uint64]string
}

func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{
		entries: make(map[rpcKey]*RPCEntry),
		names:   make(map[uint64]string),
	}
}

func rpcNameID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Add registers a procedure for a type. The type must already be known
// to the serializer registry; a procedure may be either a server or a
// client procedure, not both.
func (r *RPCRegistry) Add(t TypeHandle, name string, entry RPCEntry) error {
	if entry.Handler == nil {
		return ErrNilObject
	}
	if entry.IsServer == entry.IsClient {
		return NewError(ErrorCodeUnsupportedType, "rpc must be exactly one of server or client", ErrUnsupportedType)
	}
	entry.Name = name
	id := rpcNameID(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[rpcKey{Type: t, Name: id}] = &entry
	r.names[id] = name
	return nil
}

// Lookup resolves a procedure by type handle and wire name id.
func (r *RPCRegistry) Lookup(t TypeHandle, nameID uint64) (*RPCEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[rpcKey{Type: t, Name: nameID}]
	return e, ok
}

// MethodName returns the interned name for a wire name id, for logs.
func (r *RPCRegistry) MethodName(nameID uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[nameID]; ok {
		return name
	}
	return "unknown"
}
