package replication

import (
	"sync"
	"sync/atomic"

	"github.com/netforge/replica/internal/core/observability/log"
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
	"github.com/netforge/replica/pkg/sequence"
)

// noPeer is the absent-exclusion sentinel for outbound fan-out.
const noPeer = ^transport.ClientID(0)

// Stats are cumulative diagnostics counters. Snapshot via Stats().
type Stats struct {
	ObjectsTracked        int
	Spawns                uint64
	Despawns              uint64
	DeltasSent            uint64
	DeltasApplied         uint64
	StaleDiscards         uint64
	UnauthorizedWrites    uint64
	SerializationFailures uint64
	RPCsSent              uint64
	RPCsExecuted          uint64
	RPCsDropped           uint64
	Retransmissions       uint64
	UnreachablePeers      uint64
}

type outboundRPC struct {
	id      ObjectID
	typ     TypeHandle
	nameID  uint64
	args    []byte
	channel transport.ChannelType
}

// inboundExec is a validated inbound invoke awaiting execution outside
// the replicator lock.
type inboundExec struct {
	id       ObjectID
	entry    *RPCEntry
	instance any
	args     []byte
}

type outboundOwnership struct {
	msg     ownershipMsg
	exclude transport.ClientID
}

type outboundSpawn struct {
	id      ObjectID
	exclude transport.ClientID
}

// outboundDespawn captures routing at queue time because the record is
// torn down before the flush runs.
type outboundDespawn struct {
	id      ObjectID
	targets []transport.ClientID
	exclude transport.ClientID
}

// Replicator is the object replication core for one session peer. It
// tracks replicated objects, produces and applies state deltas, routes
// remote procedure calls, and enforces the single-authority rule. All
// network work happens inside Update, which the host loop drives at its
// tick rate; the public API is safe to call from any goroutine.
type Replicator struct {
	mu       sync.Mutex
	cfg      Config
	driver   transport.Driver
	factory  ObjectFactory
	logger   log.Log
	resolver *roleResolver

	serializers *SerializerRegistry
	rpcs        *RPCRegistry

	tbl     *table
	retries *sequence.DeadlineQueue[ObjectID]

	spawnQueue     []outboundSpawn
	despawnQueue   []outboundDespawn
	ownershipQueue []outboundOwnership
	rpcQueue       []outboundRPC
	execQueue      []inboundExec

	// clients and newClients exist on the server only: connected peers,
	// and peers awaiting the late-join object sync.
	clients    map[transport.ClientID]struct{}
	newClients []transport.ClientID

	unreachable map[transport.ClientID]struct{}

	// OnPeerUnreachable, when set, is called once per peer whose retry
	// budget was exhausted. Invoked from Update without the lock held.
	OnPeerUnreachable func(transport.ClientID)

	streamPool sync.Pool
	closed     atomic.Bool
	stats      Stats
}

// NewReplicator creates the replication core on top of driver. A nil
// driver runs the core in offline mode: objects spawn and despawn locally
// with full authority and nothing touches the network.
func NewReplicator(cfg Config, driver transport.Driver, factory ObjectFactory, logger log.Log) (*Replicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, ErrNilObject
	}
	localID := transport.ServerClientID
	if driver != nil {
		localID = driver.LocalClientID()
	}
	r := &Replicator{
		cfg:         cfg,
		driver:      driver,
		factory:     factory,
		logger:      logger.With(log.String("component", "replicator")),
		resolver:    newRoleResolver(localID),
		serializers: NewSerializerRegistry(logger),
		rpcs:        NewRPCRegistry(),
		tbl:         newTable(),
		retries:     sequence.NewDeadlineQueue[ObjectID](),
		clients:     make(map[transport.ClientID]struct{}),
		unreachable: make(map[transport.ClientID]struct{}),
	}
	r.streamPool.New = func() any { return netstream.New() }
	return r, nil
}

func (r *Replicator) isServer() bool { return r.resolver.isServer }

// Offline reports whether the core runs without a transport.
func (r *Replicator) Offline() bool { return r.driver == nil }

// RegisterType interns a replicated type name and returns its handle.
func (r *Replicator) RegisterType(name string) TypeHandle {
	return r.serializers.RegisterType(name)
}

// AddSerializer installs the serializer pair for a registered type.
func (r *Replicator) AddSerializer(t TypeHandle, serialize, deserialize SerializeFunc) error {
	return r.serializers.AddSerializer(t, serialize, deserialize)
}

// AddRPC registers a remote procedure for a registered type.
func (r *Replicator) AddRPC(t TypeHandle, name string, entry RPCEntry) error {
	if !r.serializers.KnownType(t) {
		return ErrUnsupportedType
	}
	return r.rpcs.Add(t, name, entry)
}

// AddObject starts tracking an existing object without announcing it to
// peers. The server gets authority by default; a client's record starts
// replicated until the server assigns ownership. A no-op when offline.
// parent may be nil.
func (r *Replicator) AddObject(obj Object, parent Object) error {
	if r.closed.Load() {
		return ErrOffline
	}
	if obj == nil {
		return ErrNilObject
	}
	if r.Offline() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := obj.NetworkID()
	if r.tbl.tombstoned(id) {
		return ErrObjectDespawned
	}
	if _, exists := r.tbl.get(id); exists {
		return nil
	}
	parentID := NoObject
	if parent != nil {
		parentID = parent.NetworkID()
	}
	owner, role := transport.ServerClientID, RoleReplicated
	if r.isServer() {
		owner, role = r.resolver.localID, RoleOwnedAuthoritative
	}
	r.tbl.add(&record{
		id:       id,
		object:   obj,
		typ:      obj.NetworkType(),
		parentID: parentID,
		owner:    owner,
		role:     role,
		state:    StateActive,
		channel:  r.cfg.DeltaChannel,
	})
	return nil
}

// RemoveObject stops tracking an object without despawning it on peers
// and without tombstoning its id.
func (r *Replicator) RemoveObject(obj Object) {
	if obj == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return
	}
	r.cancelPending(rec)
	r.tbl.remove(rec.id)
	delete(r.tbl.tombstones, rec.id)
}

// SpawnObject starts tracking obj with local authority and announces it
// to peers on the next Update. An empty targets list replicates to every
// peer; otherwise replication is restricted to the listed clients.
func (r *Replicator) SpawnObject(obj Object, targets ...transport.ClientID) error {
	if r.closed.Load() {
		return ErrOffline
	}
	if obj == nil {
		return ErrNilObject
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := obj.NetworkID()
	if r.tbl.tombstoned(id) {
		return ErrObjectDespawned
	}
	if rec, exists := r.tbl.get(id); exists {
		// Spawning an already tracked object is a no-op; re-announce only
		// if it was added silently and never spawned.
		if rec.state == StateActive && !rec.spawnSent && !r.Offline() {
			rec.state = StateSpawning
			r.spawnQueue = append(r.spawnQueue, outboundSpawn{id: id, exclude: noPeer})
		}
		return nil
	}
	rec := &record{
		id:      id,
		object:  obj,
		typ:     obj.NetworkType(),
		owner:   r.resolver.localID,
		role:    RoleOwnedAuthoritative,
		state:   StateActive,
		channel: r.cfg.DeltaChannel,
	}
	if len(targets) > 0 {
		rec.targets = append([]transport.ClientID(nil), targets...)
	}
	r.tbl.add(rec)
	r.stats.Spawns++
	if !r.Offline() {
		rec.state = StateSpawning
		r.spawnQueue = append(r.spawnQueue, outboundSpawn{id: id, exclude: noPeer})
	}
	return nil
}

// DespawnObject removes the object everywhere. The id is tombstoned and
// cannot be reused in this session.
func (r *Replicator) DespawnObject(obj Object) error {
	if obj == nil {
		return ErrNilObject
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return ErrObjectUnknown
	}
	if !rec.isOwned() && !r.isServer() {
		return ErrUnauthorizedWrite
	}
	if rec.state == StateDespawning {
		return nil
	}
	if rec.state == StateSpawning && !rec.spawnSent {
		// Never announced; retract the queued spawn and vanish silently.
		r.dropQueuedSpawn(rec.id)
		r.cancelPending(rec)
		r.tbl.remove(rec.id)
		r.stats.Despawns++
		return nil
	}
	rec.state = StateDespawning
	r.cancelPending(rec)
	if !r.Offline() {
		r.despawnQueue = append(r.despawnQueue, outboundDespawn{
			id:      rec.id,
			targets: rec.targets,
			exclude: noPeer,
		})
	}
	r.finishDespawn(rec)
	return nil
}

// DirtyObject marks the object's state as changed so the next Update
// replicates it. Only meaningful on the authority.
func (r *Replicator) DirtyObject(obj Object) error {
	if obj == nil {
		return ErrNilObject
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return ErrObjectUnknown
	}
	if !rec.isOwned() {
		return ErrUnauthorizedWrite
	}
	rec.dirty = true
	return nil
}

// SetObjectOwnership transfers authority over the object to owner. role
// is the role non-owning peers take (replicated or simulated). When
// hierarchical is set the transfer covers the object's whole subtree
// atomically: either every child moves with it or the call fails.
//
// Keeping the current owner while not owning the object is a local role
// change only: it opts a mirror in or out of local simulation without
// announcing anything to peers.
func (r *Replicator) SetObjectOwnership(obj Object, owner transport.ClientID, role Role, hierarchical bool) error {
	if obj == nil {
		return ErrNilObject
	}
	if role != RoleReplicated && role != RoleReplicatedSimulated {
		return ErrInvalidRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return ErrObjectUnknown
	}
	if owner == rec.owner && !rec.isOwned() {
		local := []*record{rec}
		if hierarchical {
			local = r.tbl.subtree(rec.id)
		}
		for _, target := range local {
			if target.isOwned() || target.owner != owner {
				continue
			}
			target.role = role
		}
		return nil
	}
	if !rec.isOwned() && !r.isServer() {
		return ErrUnauthorizedWrite
	}
	affected := []*record{rec}
	if hierarchical {
		affected = r.tbl.subtree(rec.id)
		for _, child := range affected {
			if !child.isOwned() && !r.isServer() {
				return ErrUnauthorizedWrite
			}
		}
	}
	for _, target := range affected {
		r.applyOwnership(target, owner, role)
		if !r.Offline() {
			r.ownershipQueue = append(r.ownershipQueue, outboundOwnership{
				msg:     ownershipMsg{ObjectID: target.id, Owner: owner, Role: role},
				exclude: noPeer,
			})
		}
	}
	return nil
}

func (r *Replicator) applyOwnership(rec *record, owner transport.ClientID, remoteRole Role) {
	rec.owner = owner
	if owner == r.resolver.localID {
		rec.role = RoleOwnedAuthoritative
	} else {
		rec.role = remoteRole
	}
	if rec.role != RoleOwnedAuthoritative {
		// Authority moved away; anything unsent is no longer ours to send.
		rec.dirty = false
		r.cancelPending(rec)
	}
}

// GetObjectOwnerClientID returns the owning peer of a tracked object.
func (r *Replicator) GetObjectOwnerClientID(obj Object) (transport.ClientID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return 0, false
	}
	return rec.owner, true
}

// GetObjectRole returns the local role over a tracked object, or RoleNone
// when untracked.
func (r *Replicator) GetObjectRole(obj Object) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		return RoleNone
	}
	return rec.role
}

// IsObjectOwned reports local authority over the object.
func (r *Replicator) IsObjectOwned(obj Object) bool {
	return r.GetObjectRole(obj) == RoleOwnedAuthoritative
}

// IsObjectReplicated reports whether the object is mirrored from a peer.
func (r *Replicator) IsObjectReplicated(obj Object) bool {
	role := r.GetObjectRole(obj)
	return role == RoleReplicated || role == RoleReplicatedSimulated
}

// IsObjectSimulated reports whether the object is locally simulated while
// owned elsewhere.
func (r *Replicator) IsObjectSimulated(obj Object) bool {
	return r.GetObjectRole(obj) == RoleReplicatedSimulated
}

// BeginInvokeRPC returns a pooled argument stream for EndInvokeRPC.
func (r *Replicator) BeginInvokeRPC() *netstream.Stream {
	s := r.streamPool.Get().(*netstream.Stream)
	s.Reset()
	return s
}

// EndInvokeRPC dispatches the procedure with the arguments written to the
// stream from BeginInvokeRPC. When the local peer is the executing side
// the handler runs inline; otherwise the invoke is queued for the next
// Update. The stream is recycled either way.
func (r *Replicator) EndInvokeRPC(obj Object, name string, args *netstream.Stream) error {
	defer r.streamPool.Put(args)
	if obj == nil {
		return ErrNilObject
	}
	r.mu.Lock()
	rec, ok := r.tbl.get(obj.NetworkID())
	if !ok {
		r.mu.Unlock()
		return ErrObjectUnknown
	}
	nameID := rpcNameID(name)
	entry, found := r.rpcs.Lookup(rec.typ, nameID)
	if !found {
		r.mu.Unlock()
		return ErrUnsupportedType
	}
	if err := r.resolver.canSendRPC(entry, rec); err != nil {
		r.stats.RPCsDropped++
		r.mu.Unlock()
		return err
	}
	// canSendRPC already refused a client invoking a client-side
	// procedure, so the only inline paths left are server procedures on
	// the server and everything when offline.
	executeLocally := r.Offline() || (entry.IsServer && r.isServer())
	if !executeLocally {
		r.rpcQueue = append(r.rpcQueue, outboundRPC{
			id:      rec.id,
			typ:     rec.typ,
			nameID:  nameID,
			args:    append([]byte(nil), args.Bytes()...),
			channel: entry.Channel,
		})
		r.stats.RPCsSent++
		r.mu.Unlock()
		return nil
	}
	instance := rec.object
	r.mu.Unlock()

	argStream := netstream.FromBytes(args.Bytes())
	if err := entry.Handler(instance, argStream); err != nil {
		return WrapError(err, "rpc handler failed")
	}
	r.mu.Lock()
	r.stats.RPCsExecuted++
	r.mu.Unlock()
	return nil
}

// ClientConnected registers a newly connected peer. On the server this
// schedules the late-join sync: every active replicated object visible to
// the client is spawned on it during the next Update.
func (r *Replicator) ClientConnected(id transport.ClientID) {
	if !r.isServer() || id == transport.ServerClientID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.clients[id]; known {
		return
	}
	r.clients[id] = struct{}{}
	delete(r.unreachable, id)
	r.newClients = append(r.newClients, id)
}

// ClientDisconnected removes a peer and despawns every object it owned.
func (r *Replicator) ClientDisconnected(id transport.ClientID) {
	if !r.isServer() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	for i, nc := range r.newClients {
		if nc == id {
			r.newClients = append(r.newClients[:i], r.newClients[i+1:]...)
			break
		}
	}
	for _, rec := range r.tbl.ownedBy(id) {
		if rec.state == StateDespawning || rec.state == StateRemoved {
			continue
		}
		rec.state = StateDespawning
		r.cancelPending(rec)
		r.despawnQueue = append(r.despawnQueue, outboundDespawn{
			id:      rec.id,
			targets: rec.targets,
			exclude: id,
		})
		r.finishDespawn(rec)
	}
	// Drop the peer from in-flight ack waits so its silence cannot burn
	// retry budgets.
	for _, rec := range r.tbl.records {
		if rec.pending != nil {
			r.ackFromPeer(rec, id)
		}
	}
}

// Stats returns a snapshot of the diagnostics counters.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.ObjectsTracked = len(r.tbl.records)
	return s
}

// Close shuts the core down. Tracked objects constructed by the factory
// are destroyed; the driver is left to its owner.
func (r *Replicator) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.tbl.records {
		r.cancelPending(rec)
		if rec.constructed {
			r.factory.Destroy(rec.object)
		}
		delete(r.tbl.records, id)
	}
	r.spawnQueue = nil
	r.despawnQueue = nil
	r.ownershipQueue = nil
	r.rpcQueue = nil
	return nil
}

func (r *Replicator) dropQueuedSpawn(id ObjectID) {
	for i, queued := range r.spawnQueue {
		if queued.id == id {
			r.spawnQueue = append(r.spawnQueue[:i], r.spawnQueue[i+1:]...)
			return
		}
	}
}

func (r *Replicator) cancelPending(rec *record) {
	if rec.pending == nil {
		return
	}
	if rec.pending.retry != nil {
		r.retries.Remove(rec.pending.retry)
	}
	rec.pending = nil
}

func (r *Replicator) finishDespawn(rec *record) {
	if rec.constructed {
		r.factory.Destroy(rec.object)
	}
	rec.state = StateRemoved
	r.tbl.remove(rec.id)
	r.stats.Despawns++
}
