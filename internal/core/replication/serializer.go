package replication

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/netforge/replica/internal/core/observability/log"
	"github.com/netforge/replica/pkg/netstream"
)

// SerializeFunc writes or restores one instance's replicated state.
type SerializeFunc func(instance any, s *netstream.Stream) error

type serializerEntry struct {
	serialize   SerializeFunc
	deserialize SerializeFunc
}

// SerializerRegistry maps type handles to serializer pairs. Lookups are
// lock-free on a copy-on-write table; registration clones and swaps the
// table atomically so a reader never observes half of a pair. This keeps
// hot-reload registration safe during an active session.
type SerializerRegistry struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[TypeHandle]serializerEntry]
	names   atomic.Pointer[map[TypeHandle]string]
	logger  log.Log
}

// NewSerializerRegistry creates an empty registry.
func NewSerializerRegistry(logger log.Log) *SerializerRegistry {
	r := &SerializerRegistry{
		logger: logger.With(log.String("component", "serializer_registry")),
	}
	empty := make(map[TypeHandle]serializerEntry)
	r.entries.Store(&empty)
	names := make(map[TypeHandle]string)
	r.names.Store(&names)
	return r
}

// RegisterType interns a type name and returns its handle. A type must be
// registered before RPCs can be attached to it.
func (r *SerializerRegistry) RegisterType(name string) TypeHandle {
	handle := HandleOf(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.names.Load()
	if existing, ok := old[handle]; ok {
		if existing != name {
			// Two names hashing to one handle would corrupt dispatch.
			panic(fmt.Sprintf("replication: type handle collision between %q and %q", existing, name))
		}
		return handle
	}
	next := make(map[TypeHandle]string, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[handle] = name
	r.names.Store(&next)
	return handle
}

// TypeName returns the interned name for a handle, if known.
func (r *SerializerRegistry) TypeName(handle TypeHandle) (string, bool) {
	name, ok := (*r.names.Load())[handle]
	return name, ok
}

// KnownType reports whether the handle was registered.
func (r *SerializerRegistry) KnownType(handle TypeHandle) bool {
	_, ok := (*r.names.Load())[handle]
	return ok
}

// AddSerializer registers the pair for a type. Last registration wins,
// which gives hot-reload override semantics.
func (r *SerializerRegistry) AddSerializer(handle TypeHandle, serialize, deserialize SerializeFunc) error {
	if !r.KnownType(handle) {
		return ErrUnsupportedType
	}
	r.storeEntry(handle, serializerEntry{serialize: serialize, deserialize: deserialize})
	return nil
}

func (r *SerializerRegistry) storeEntry(handle TypeHandle, e serializerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.entries.Load()
	next := make(map[TypeHandle]serializerEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[handle] = e
	r.entries.Store(&next)
}

// InvokeSerializer runs the registered half of the pair for handle on
// instance. When no pair is registered it falls back to the Serializable
// interface implemented by the instance itself (and caches the fallback
// so later calls skip the type assertion). Returns ErrNoSerializer when
// neither exists. A panicking serializer is recovered and reported as an
// error; nothing escapes the serialization boundary.
func (r *SerializerRegistry) InvokeSerializer(handle TypeHandle, instance any, s *netstream.Stream, serialize bool) (err error) {
	if instance == nil || s == nil {
		return ErrNilObject
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(ErrorCodeSerializationFailed, fmt.Sprintf("serializer panic: %v", rec), ErrSerializationFailed)
			r.logger.Error("Serializer panicked",
				log.Uint64("type", uint64(handle)),
				log.Bool("serialize", serialize),
				log.Any("panic", rec))
		}
	}()

	entry, ok := (*r.entries.Load())[handle]
	if !ok {
		if _, isNative := instance.(Serializable); !isNative {
			return ErrNoSerializer
		}
		entry = serializerEntry{
			serialize: func(inst any, st *netstream.Stream) error {
				return inst.(Serializable).Serialize(st)
			},
			deserialize: func(inst any, st *netstream.Stream) error {
				return inst.(Serializable).Deserialize(st)
			},
		}
		r.storeEntry(handle, entry)
	}

	if serialize {
		return entry.serialize(instance, s)
	}
	return entry.deserialize(instance, s)
}
