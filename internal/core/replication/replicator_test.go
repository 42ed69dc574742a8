package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netforge/replica/internal/core/observability/log"
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
)

const actorTypeName = "game.Actor"

type testActor struct {
	id     ObjectID
	health int32
	posX   float64
}

func (a *testActor) NetworkID() ObjectID     { return a.id }
func (a *testActor) NetworkType() TypeHandle { return HandleOf(actorTypeName) }

func actorSerialize(inst any, s *netstream.Stream) error {
	a := inst.(*testActor)
	s.WriteInt32(a.health)
	s.WriteFloat(a.posX, true)
	return nil
}

func actorDeserialize(inst any, s *netstream.Stream) error {
	a := inst.(*testActor)
	health, err := s.ReadInt32()
	if err != nil {
		return err
	}
	posX, err := s.ReadFloat(true)
	if err != nil {
		return err
	}
	a.health = health
	a.posX = posX
	return nil
}

type testFactory struct {
	mu          sync.Mutex
	constructed map[ObjectID]*testActor
	destroyed   []ObjectID
}

func newTestFactory() *testFactory {
	return &testFactory{constructed: make(map[ObjectID]*testActor)}
}

func (f *testFactory) Construct(t TypeHandle, id ObjectID) (Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &testActor{id: id}
	f.constructed[id] = a
	return a, nil
}

func (f *testFactory) Destroy(obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, obj.NetworkID())
}

func (f *testFactory) get(id ObjectID) *testActor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.constructed[id]
}

type testPeer struct {
	rep       *Replicator
	drv       *transport.LoopbackDriver
	factory   *testFactory
	actorType TypeHandle
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryLimit = 3
	return cfg
}

func newTestPeer(t *testing.T, cfg Config, drv *transport.LoopbackDriver) *testPeer {
	t.Helper()
	factory := newTestFactory()
	rep, err := NewReplicator(cfg, drv, factory, log.Nop())
	require.NoError(t, err)
	handle := rep.RegisterType(actorTypeName)
	require.NoError(t, rep.AddSerializer(handle, actorSerialize, actorDeserialize))
	t.Cleanup(func() { _ = rep.Close() })
	return &testPeer{rep: rep, drv: drv, factory: factory, actorType: handle}
}

// newSession wires a server and n clients over a loopback network. The
// server is told about every client so the late-join sync fires.
func newSession(t *testing.T, cfg Config, clients int) (*testPeer, []*testPeer) {
	t.Helper()
	net := transport.NewLoopbackNetwork(log.Nop())
	server := newTestPeer(t, cfg, net.Join())
	peers := make([]*testPeer, clients)
	for i := range peers {
		peers[i] = newTestPeer(t, cfg, net.Join())
		server.rep.ClientConnected(peers[i].drv.LocalClientID())
	}
	return server, peers
}

// tick runs one Update on each peer in order with a shared clock.
func tick(now time.Time, peers ...*testPeer) {
	for _, p := range peers {
		p.rep.Update(now)
	}
}

func TestReplicator_SpawnReachesClient(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 7, health: 100, posX: 1.5}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	mirror := client.factory.get(7)
	require.NotNil(t, mirror, "client must construct the spawned object")
	assert.Equal(t, int32(100), mirror.health, "spawn must carry full state")
	assert.Equal(t, 1.5, mirror.posX)
	assert.Equal(t, RoleReplicated, client.rep.GetObjectRole(mirror))
	owner, ok := client.rep.GetObjectOwnerClientID(mirror)
	require.True(t, ok)
	assert.Equal(t, transport.ServerClientID, owner)
	assert.True(t, server.rep.IsObjectOwned(actor))
}

func TestReplicator_DeltaAppliesAndAcks(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 7, health: 100}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	actor.health = 55
	require.NoError(t, server.rep.DirtyObject(actor))
	tick(now, server, client)

	mirror := client.factory.get(7)
	assert.Equal(t, int32(55), mirror.health)
	assert.Equal(t, uint64(1), client.rep.Stats().DeltasApplied)

	// The client's ack clears the outstanding delta on the server.
	tick(now, server)
	server.rep.mu.Lock()
	rec, _ := server.rep.tbl.get(7)
	server.rep.mu.Unlock()
	assert.Nil(t, rec.pending, "acked delta must not stay pending")
}

func TestReplicator_StaleDeltaDiscarded(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 7, health: 10}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	server.rep.mu.Lock()
	rec, _ := server.rep.tbl.get(7)
	rec.version = 5
	server.rep.mu.Unlock()

	actor.health = 20
	require.NoError(t, server.rep.DirtyObject(actor))
	tick(now, server, client, server)

	// Rewind the version counter so the next delta arrives stale.
	server.rep.mu.Lock()
	rec.version = 1
	server.rep.mu.Unlock()

	actor.health = 99
	require.NoError(t, server.rep.DirtyObject(actor))
	tick(now, server, client)

	mirror := client.factory.get(7)
	assert.Equal(t, int32(20), mirror.health, "stale delta must not overwrite newer state")
	assert.Equal(t, uint64(1), client.rep.Stats().StaleDiscards)
}

func TestReplicator_DuplicateSpawnIdempotent(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 9, health: 42}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	first := client.factory.get(9)
	require.NotNil(t, first)
	first.health = 7 // diverge so a re-apply would be visible

	// Redeliver the identical spawn, as a retrying transport would.
	dup := encodeSpawn(spawnMsg{ObjectID: 9, Type: server.actorType, Owner: transport.ServerClientID})
	require.NoError(t, server.drv.Send(transport.ChannelReliableOrdered, []transport.ClientID{client.drv.LocalClientID()}, dup))
	tick(now, client)

	assert.Same(t, first, client.factory.get(9), "duplicate spawn must not rebuild the object")
	assert.Equal(t, int32(7), first.health, "duplicate spawn must not touch state")
	assert.Equal(t, 1, client.rep.Stats().ObjectsTracked)
}

func TestReplicator_NonOwnerCannotWrite(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 3, health: 80}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	mirror := client.factory.get(3)
	assert.ErrorIs(t, client.rep.DirtyObject(mirror), ErrUnauthorizedWrite)

	// A forged delta for a server-owned object is rejected outright.
	forged := encodeDelta(deltaMsg{ObjectID: 3, Version: 100, Payload: []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}})
	require.NoError(t, client.drv.Send(transport.ChannelReliableOrdered, []transport.ClientID{transport.ServerClientID}, forged))
	tick(now, server)

	assert.Equal(t, int32(80), actor.health, "forged delta must not mutate the authority")
	assert.GreaterOrEqual(t, server.rep.Stats().UnauthorizedWrites, uint64(1))
}

func TestReplicator_ClientSpawnRelayedToOtherClients(t *testing.T) {
	server, clients := newSession(t, testConfig(), 2)
	clientA, clientB := clients[0], clients[1]
	now := time.Now()

	pawn := &testActor{id: 21, health: 60}
	require.NoError(t, clientA.rep.SpawnObject(pawn))
	tick(now, clientA, server, clientB)

	onServer := server.factory.get(21)
	require.NotNil(t, onServer, "server must construct the client's spawn")
	owner, _ := server.rep.GetObjectOwnerClientID(onServer)
	assert.Equal(t, clientA.drv.LocalClientID(), owner)

	onB := clientB.factory.get(21)
	require.NotNil(t, onB, "server must relay the spawn to other clients")
	ownerB, _ := clientB.rep.GetObjectOwnerClientID(onB)
	assert.Equal(t, clientA.drv.LocalClientID(), ownerB)

	// Owner mutates; server applies and fans out to B.
	pawn.health = 31
	require.NoError(t, clientA.rep.DirtyObject(pawn))
	tick(now, clientA, server, clientB)

	assert.Equal(t, int32(31), onServer.health)
	assert.Equal(t, int32(31), onB.health)
}

func TestReplicator_HierarchicalOwnershipTransfer(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	parent := &testActor{id: 1}
	childA := &testActor{id: 2}
	childB := &testActor{id: 3}
	require.NoError(t, server.rep.SpawnObject(parent))
	require.NoError(t, server.rep.AddObject(childA, parent))
	require.NoError(t, server.rep.AddObject(childB, parent))
	require.NoError(t, server.rep.SpawnObject(childA))
	require.NoError(t, server.rep.SpawnObject(childB))
	tick(now, server, client)

	clientID := client.drv.LocalClientID()
	require.NoError(t, server.rep.SetObjectOwnership(parent, clientID, RoleReplicated, true))

	// The transfer covers the whole subtree before anything flushes.
	for _, obj := range []*testActor{parent, childA, childB} {
		owner, ok := server.rep.GetObjectOwnerClientID(obj)
		require.True(t, ok)
		assert.Equal(t, clientID, owner, "subtree transfer must be atomic")
		assert.Equal(t, RoleReplicated, server.rep.GetObjectRole(obj))
	}

	tick(now, server, client)
	for _, id := range []ObjectID{1, 2, 3} {
		mirror := client.factory.get(id)
		require.NotNil(t, mirror)
		assert.True(t, client.rep.IsObjectOwned(mirror), "new owner must gain authority over object %d", id)
	}
}

func TestReplicator_LocalSimulationOptIn(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 9, health: 100}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	mirror := client.factory.get(9)
	require.NotNil(t, mirror)

	// Keeping the current owner switches only the local role; a mirror
	// may opt into simulation without owning the object.
	require.NoError(t, client.rep.SetObjectOwnership(mirror, transport.ServerClientID, RoleReplicatedSimulated, false))
	assert.True(t, client.rep.IsObjectSimulated(mirror))
	assert.True(t, client.rep.IsObjectReplicated(mirror))
	assert.False(t, client.rep.IsObjectOwned(mirror))

	// Nothing is announced; the server keeps authority untouched.
	tick(now, client, server)
	assert.True(t, server.rep.IsObjectOwned(actor), "local role change must not travel")
	owner, ok := client.rep.GetObjectOwnerClientID(mirror)
	require.True(t, ok)
	assert.Equal(t, transport.ServerClientID, owner)

	// Authoritative writes still override the simulated mirror.
	actor.health = 40
	require.NoError(t, server.rep.DirtyObject(actor))
	tick(now, server, client)
	assert.Equal(t, int32(40), mirror.health, "owner state must overwrite simulated state")
	assert.True(t, client.rep.IsObjectSimulated(mirror), "applying a delta must not drop simulation")

	// Opting back out restores the plain mirror role.
	require.NoError(t, client.rep.SetObjectOwnership(mirror, transport.ServerClientID, RoleReplicated, false))
	assert.Equal(t, RoleReplicated, client.rep.GetObjectRole(mirror))

	// Authority cannot be claimed through the role argument.
	err := client.rep.SetObjectOwnership(mirror, transport.ServerClientID, RoleOwnedAuthoritative, false)
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.ErrorIs(t, client.rep.SetObjectOwnership(mirror, transport.ServerClientID, RoleNone, false), ErrInvalidRole)
}

func TestReplicator_ServerRPCPermissions(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	var serverCalls []int32
	addDamageRPC := func(p *testPeer, record func(int32)) {
		require.NoError(t, p.rep.AddRPC(p.actorType, "TakeDamage", RPCEntry{
			Handler: func(inst any, args *netstream.Stream) error {
				amount, err := args.ReadInt32()
				if err != nil {
					return err
				}
				if record != nil {
					record(amount)
				}
				return nil
			},
			IsServer: true,
			Channel:  transport.ChannelReliableOrdered,
		}))
	}
	addDamageRPC(server, func(v int32) { serverCalls = append(serverCalls, v) })
	addDamageRPC(client, nil)

	pawn := &testActor{id: 5}
	require.NoError(t, client.rep.SpawnObject(pawn))
	tick(now, client, server)

	// Owner invokes a server procedure; it runs on the server.
	args := client.rep.BeginInvokeRPC()
	args.WriteInt32(12)
	require.NoError(t, client.rep.EndInvokeRPC(pawn, "TakeDamage", args))
	tick(now, client, server)
	assert.Equal(t, []int32{12}, serverCalls)

	// Non-owner invocation is refused at the call site.
	foreign := &testActor{id: 6}
	require.NoError(t, server.rep.SpawnObject(foreign))
	tick(now, server, client)
	mirror := client.factory.get(6)
	args = client.rep.BeginInvokeRPC()
	args.WriteInt32(99)
	assert.ErrorIs(t, client.rep.EndInvokeRPC(mirror, "TakeDamage", args), ErrUnauthorizedWrite)

	// A spoofed invoke that skips the call site is dropped by the server.
	spoof := encodeRPC(rpcMsg{ObjectID: 6, Type: client.actorType, NameID: rpcNameID("TakeDamage"), Args: []byte{0, 0, 0, 4, 99, 0, 0, 0}})
	require.NoError(t, client.drv.Send(transport.ChannelReliableOrdered, []transport.ClientID{transport.ServerClientID}, spoof))
	tick(now, server)
	assert.Equal(t, []int32{12}, serverCalls, "spoofed invoke must not execute")
	assert.GreaterOrEqual(t, server.rep.Stats().RPCsDropped, uint64(1))
}

func TestReplicator_ClientRPCExecutesOnClient(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	var clientCalls int
	addPingRPC := func(p *testPeer, record bool) {
		require.NoError(t, p.rep.AddRPC(p.actorType, "Ping", RPCEntry{
			Handler: func(inst any, args *netstream.Stream) error {
				if record {
					clientCalls++
				}
				return nil
			},
			IsClient: true,
			Channel:  transport.ChannelReliableOrdered,
		}))
	}
	addPingRPC(server, false)
	addPingRPC(client, true)

	actor := &testActor{id: 4}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	args := server.rep.BeginInvokeRPC()
	require.NoError(t, server.rep.EndInvokeRPC(actor, "Ping", args))
	tick(now, server, client)
	assert.Equal(t, 1, clientCalls)

	// Clients cannot originate client-side procedures.
	mirror := client.factory.get(4)
	args = client.rep.BeginInvokeRPC()
	assert.ErrorIs(t, client.rep.EndInvokeRPC(mirror, "Ping", args), ErrUnauthorizedWrite)
}

func TestReplicator_RetryExhaustionReportsPeerOnce(t *testing.T) {
	cfg := testConfig()
	server, clients := newSession(t, cfg, 1)
	client := clients[0]
	now := time.Now()

	var lost []transport.ClientID
	server.rep.OnPeerUnreachable = func(id transport.ClientID) { lost = append(lost, id) }

	actor := &testActor{id: 8, health: 1}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)

	// The client goes silent: it never ticks again, so no acks come back.
	actor.health = 2
	require.NoError(t, server.rep.DirtyObject(actor))
	tick(now, server)

	for i := 0; i < cfg.RetryLimit+2; i++ {
		now = now.Add(cfg.RetryBase << uint(i))
		tick(now, server)
	}
	require.Equal(t, []transport.ClientID{client.drv.LocalClientID()}, lost, "unreachable must be raised exactly once")
	assert.Equal(t, uint64(1), server.rep.Stats().UnreachablePeers)
	assert.Equal(t, uint64(cfg.RetryLimit-1), server.rep.Stats().Retransmissions)

	// Further dirty state must not resurrect the report.
	actor.health = 3
	require.NoError(t, server.rep.DirtyObject(actor))
	for i := 0; i < cfg.RetryLimit+2; i++ {
		now = now.Add(cfg.RetryBase << uint(i))
		tick(now, server)
	}
	assert.Len(t, lost, 1)
}

func TestReplicator_DespawnTombstonesID(t *testing.T) {
	server, clients := newSession(t, testConfig(), 1)
	client := clients[0]
	now := time.Now()

	actor := &testActor{id: 11}
	require.NoError(t, server.rep.SpawnObject(actor))
	tick(now, server, client)
	require.NotNil(t, client.factory.get(11))

	require.NoError(t, server.rep.DespawnObject(actor))
	tick(now, server, client)

	assert.Contains(t, client.factory.destroyed, ObjectID(11), "client must destroy the despawned object")
	assert.Equal(t, 0, client.rep.Stats().ObjectsTracked)

	assert.ErrorIs(t, server.rep.SpawnObject(&testActor{id: 11}), ErrObjectDespawned, "despawned ids are not reusable")
}

func TestReplicator_LateJoinSync(t *testing.T) {
	cfg := testConfig()
	net := transport.NewLoopbackNetwork(log.Nop())
	server := newTestPeer(t, cfg, net.Join())
	now := time.Now()

	require.NoError(t, server.rep.SpawnObject(&testActor{id: 1, health: 10}))
	require.NoError(t, server.rep.SpawnObject(&testActor{id: 2, health: 20}))
	tick(now, server)

	late := newTestPeer(t, cfg, net.Join())
	server.rep.ClientConnected(late.drv.LocalClientID())
	tick(now, server, late)

	for id, health := range map[ObjectID]int32{1: 10, 2: 20} {
		mirror := late.factory.get(id)
		require.NotNil(t, mirror, "late joiner must receive object %d", id)
		assert.Equal(t, health, mirror.health)
	}
}

func TestReplicator_DisconnectSweepsOwnedObjects(t *testing.T) {
	server, clients := newSession(t, testConfig(), 2)
	clientA, clientB := clients[0], clients[1]
	now := time.Now()

	pawn := &testActor{id: 30}
	require.NoError(t, clientA.rep.SpawnObject(pawn))
	tick(now, clientA, server, clientB)
	require.NotNil(t, clientB.factory.get(30))

	server.rep.ClientDisconnected(clientA.drv.LocalClientID())
	tick(now, server, clientB)

	assert.Contains(t, server.factory.destroyed, ObjectID(30))
	assert.Contains(t, clientB.factory.destroyed, ObjectID(30), "peers must tear down the leaver's objects")
	assert.Equal(t, 0, server.rep.Stats().ObjectsTracked)
}

func TestReplicator_OfflineMode(t *testing.T) {
	factory := newTestFactory()
	rep, err := NewReplicator(testConfig(), nil, factory, log.Nop())
	require.NoError(t, err)
	defer rep.Close()
	handle := rep.RegisterType(actorTypeName)
	require.NoError(t, rep.AddSerializer(handle, actorSerialize, actorDeserialize))

	actor := &testActor{id: 1}
	require.NoError(t, rep.SpawnObject(actor))
	assert.True(t, rep.IsObjectOwned(actor))
	rep.Update(time.Now())
	require.NoError(t, rep.DespawnObject(actor))
	assert.Equal(t, 0, rep.Stats().ObjectsTracked)
}

type nativeActor struct {
	testActor
	armor uint16
}

func (a *nativeActor) Serialize(s *netstream.Stream) error {
	s.WriteUint16(a.armor)
	return nil
}

func (a *nativeActor) Deserialize(s *netstream.Stream) error {
	armor, err := s.ReadUint16()
	a.armor = armor
	return err
}

func TestSerializerRegistry_NativeFallback(t *testing.T) {
	reg := NewSerializerRegistry(log.Nop())
	handle := reg.RegisterType("game.NativeActor")

	src := &nativeActor{armor: 77}
	s := netstream.New()
	require.NoError(t, reg.InvokeSerializer(handle, src, s, true))

	dst := &nativeActor{}
	require.NoError(t, reg.InvokeSerializer(handle, dst, netstream.FromBytes(s.Bytes()), false))
	assert.Equal(t, uint16(77), dst.armor)
}

func TestSerializerRegistry_NoSerializer(t *testing.T) {
	reg := NewSerializerRegistry(log.Nop())
	handle := reg.RegisterType("game.Opaque")
	err := reg.InvokeSerializer(handle, struct{}{}, netstream.New(), true)
	assert.ErrorIs(t, err, ErrNoSerializer)
}

func TestSerializerRegistry_PanicRecovered(t *testing.T) {
	reg := NewSerializerRegistry(log.Nop())
	handle := reg.RegisterType("game.Broken")
	require.NoError(t, reg.AddSerializer(handle,
		func(any, *netstream.Stream) error { panic("boom") },
		func(any, *netstream.Stream) error { return nil },
	))
	err := reg.InvokeSerializer(handle, &testActor{}, netstream.New(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestRPCRegistry_Validation(t *testing.T) {
	reg := NewRPCRegistry()
	handle := HandleOf(actorTypeName)

	err := reg.Add(handle, "Both", RPCEntry{
		Handler:  func(any, *netstream.Stream) error { return nil },
		IsServer: true,
		IsClient: true,
	})
	assert.Error(t, err, "a procedure is either server or client side")

	err = reg.Add(handle, "NilHandler", RPCEntry{IsServer: true})
	assert.ErrorIs(t, err, ErrNilObject)

	require.NoError(t, reg.Add(handle, "Fire", RPCEntry{
		Handler:  func(any, *netstream.Stream) error { return nil },
		IsServer: true,
	}))
	entry, ok := reg.Lookup(handle, rpcNameID("Fire"))
	require.True(t, ok)
	assert.Equal(t, "Fire", entry.Name)
	assert.Equal(t, "Fire", reg.MethodName(rpcNameID("Fire")))
}

func BenchmarkSerializerRegistry_Invoke(b *testing.B) {
	reg := NewSerializerRegistry(log.Nop())
	handle := reg.RegisterType(actorTypeName)
	if err := reg.AddSerializer(handle, actorSerialize, actorDeserialize); err != nil {
		b.Fatal(err)
	}
	actor := &testActor{id: 1, health: 100, posX: 12.5}
	s := netstream.New()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Reset()
		if err := reg.InvokeSerializer(handle, actor, s, true); err != nil {
			b.Fatal(err)
		}
	}
}
