package replication

import (
	"time"

	"github.com/netforge/replica/internal/core/observability/log"
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
)

// Update runs one replication tick: drain inbound messages, retransmit
// overdue reliable deltas, then flush despawns, spawns, ownership
// changes, dirty state and queued RPC invokes, and finally bring
// late-joining clients up to date. The host loop calls it at its tick
// rate with its clock; nothing here sleeps or blocks.
func (r *Replicator) Update(now time.Time) {
	if r.closed.Load() || r.Offline() {
		return
	}
	r.mu.Lock()
	r.drainInbound()
	lost := r.processRetries(now)
	r.flushDespawns()
	r.flushSpawns()
	r.flushOwnership()
	r.flushDeltas(now)
	r.flushRPCs()
	r.syncNewClients()
	execs := r.execQueue
	r.execQueue = nil
	cb := r.OnPeerUnreachable
	r.mu.Unlock()

	// Handlers run outside the lock so they can call back into the
	// replicator (dirty the object, invoke further procedures).
	for _, exec := range execs {
		r.executeRPC(exec)
	}
	if cb != nil {
		for _, peer := range lost {
			cb(peer)
		}
	}
}

func (r *Replicator) executeRPC(exec inboundExec) {
	if err := exec.entry.Handler(exec.instance, netstream.FromBytes(exec.args)); err != nil {
		r.logger.Error("RPC handler failed",
			log.Uint64("object", uint64(exec.id)),
			log.String("method", exec.entry.Name),
			log.Error(err))
		r.mu.Lock()
		r.stats.RPCsDropped++
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.stats.RPCsExecuted++
	r.mu.Unlock()
}

func (r *Replicator) drainInbound() {
	inbox := r.driver.Receive()
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			r.handleInbound(msg)
		default:
			return
		}
	}
}

func (r *Replicator) handleInbound(msg transport.Inbound) {
	s := netstream.FromBytes(msg.Payload)
	kind, id, err := readEnvelope(s)
	if err != nil {
		r.logger.Warn("Dropping malformed message", log.Uint32("src", uint32(msg.Source)), log.Error(err))
		return
	}
	switch kind {
	case KindSpawn:
		r.handleSpawn(s, id, msg.Source)
	case KindDespawn:
		r.handleDespawn(id, msg.Source)
	case KindStateDelta:
		r.handleDelta(s, id, msg.Source, msg.Channel)
	case KindRPCInvoke:
		r.handleRPC(s, id, msg.Source)
	case KindAck:
		r.handleAck(s, id, msg.Source)
	case KindOwnership:
		r.handleOwnership(s, id, msg.Source)
	default:
		r.logger.Warn("Unknown message kind",
			log.Uint8("kind", uint8(kind)),
			log.Uint32("src", uint32(msg.Source)))
	}
}

func (r *Replicator) handleSpawn(s *netstream.Stream, id ObjectID, src transport.ClientID) {
	m, err := decodeSpawn(s, id)
	if err != nil {
		r.logger.Warn("Malformed spawn", log.Uint64("object", uint64(id)), log.Error(err))
		return
	}
	if r.tbl.tombstoned(id) {
		r.logger.Debug("Spawn for tombstoned id ignored", log.Uint64("object", uint64(id)))
		return
	}
	if _, exists := r.tbl.get(id); exists {
		// Duplicate spawn, eg. a control-channel redelivery. Idempotent.
		return
	}
	// Clients may only spawn objects they own themselves.
	if r.isServer() && m.Owner != src {
		r.stats.UnauthorizedWrites++
		r.logger.Warn("Rejecting spawn claiming foreign ownership",
			log.Uint64("object", uint64(id)),
			log.Uint32("src", uint32(src)),
			log.Uint32("claimed_owner", uint32(m.Owner)))
		return
	}
	obj, err := r.factory.Construct(m.Type, id)
	if err != nil {
		r.logger.Error("Factory failed to construct remote object",
			log.Uint64("object", uint64(id)),
			log.Uint64("type", uint64(m.Type)),
			log.Error(err))
		return
	}
	rec := &record{
		id:          id,
		object:      obj,
		typ:         m.Type,
		parentID:    m.ParentID,
		owner:       m.Owner,
		role:        r.resolver.roleFor(m.Owner),
		state:       StateActive,
		channel:     r.cfg.DeltaChannel,
		constructed: true,
	}
	r.tbl.add(rec)
	r.stats.Spawns++
	if len(m.State) > 0 {
		if err := r.serializers.InvokeSerializer(m.Type, obj, netstream.FromBytes(m.State), false); err != nil {
			r.stats.SerializationFailures++
			r.logger.Error("Failed to apply spawn state", log.Uint64("object", uint64(id)), log.Error(err))
		}
	}
	if r.isServer() {
		// Propagate the client's spawn to the rest of the session.
		rec.state = StateSpawning
		rec.spawnSent = false
		r.spawnQueue = append(r.spawnQueue, outboundSpawn{id: id, exclude: src})
	}
}

func (r *Replicator) handleDespawn(id ObjectID, src transport.ClientID) {
	rec, ok := r.tbl.get(id)
	if !ok {
		return
	}
	// The server may tear down any object, including ones we own.
	serverOverride := !r.isServer() && src == transport.ServerClientID
	if err := r.resolver.authorizeStateWrite(rec, src); err != nil && !serverOverride {
		r.stats.UnauthorizedWrites++
		r.logger.Warn("Rejecting despawn",
			log.Uint64("object", uint64(id)),
			log.Uint32("src", uint32(src)),
			log.Error(err))
		return
	}
	r.cancelPending(rec)
	if r.isServer() {
		r.despawnQueue = append(r.despawnQueue, outboundDespawn{
			id:      id,
			targets: rec.targets,
			exclude: src,
		})
	}
	r.finishDespawn(rec)
}

func (r *Replicator) handleDelta(s *netstream.Stream, id ObjectID, src transport.ClientID, channel transport.ChannelType) {
	m, err := decodeDelta(s, id)
	if err != nil {
		r.logger.Warn("Malformed delta", log.Uint64("object", uint64(id)), log.Error(err))
		return
	}
	rec, ok := r.tbl.get(id)
	if !ok {
		if r.tbl.tombstoned(id) && channel.IsReliable() {
			// The sender may be retrying a delta for an object we already
			// tore down; acknowledge so it stops.
			r.sendAck(id, m.Version, src)
		}
		return
	}
	if err := r.resolver.authorizeStateWrite(rec, src); err != nil {
		r.stats.UnauthorizedWrites++
		r.logger.Warn("Rejecting state write",
			log.Uint64("object", uint64(id)),
			log.Uint32("src", uint32(src)),
			log.Error(err))
		return
	}
	if channel.IsReliable() {
		r.sendAck(id, m.Version, src)
	}
	if m.Version <= rec.lastApplied {
		r.stats.StaleDiscards++
		return
	}
	rec.lastApplied = m.Version
	if err := r.serializers.InvokeSerializer(rec.typ, rec.object, netstream.FromBytes(m.Payload), false); err != nil {
		r.stats.SerializationFailures++
		r.logger.Error("Failed to apply delta", log.Uint64("object", uint64(id)), log.Error(err))
		return
	}
	r.stats.DeltasApplied++
	if r.isServer() {
		// Fan the owner's state out to the other clients on our own pass.
		rec.dirty = true
	}
}

func (r *Replicator) handleAck(s *netstream.Stream, id ObjectID, src transport.ClientID) {
	m, err := decodeAck(s, id)
	if err != nil {
		return
	}
	rec, ok := r.tbl.get(id)
	if !ok || rec.pending == nil {
		return
	}
	if m.Version < rec.pending.version {
		return
	}
	r.ackFromPeer(rec, src)
}

func (r *Replicator) handleOwnership(s *netstream.Stream, id ObjectID, src transport.ClientID) {
	m, err := decodeOwnership(s, id)
	if err != nil {
		r.logger.Warn("Malformed ownership message", log.Uint64("object", uint64(id)), log.Error(err))
		return
	}
	rec, ok := r.tbl.get(id)
	if !ok {
		return
	}
	if err := r.resolver.authorizeOwnershipChange(rec, src); err != nil {
		r.stats.UnauthorizedWrites++
		r.logger.Warn("Rejecting ownership change",
			log.Uint64("object", uint64(id)),
			log.Uint32("src", uint32(src)),
			log.Error(err))
		return
	}
	remoteRole := m.Role
	if remoteRole != RoleReplicated && remoteRole != RoleReplicatedSimulated {
		remoteRole = RoleReplicated
	}
	r.applyOwnership(rec, m.Owner, remoteRole)
	if r.isServer() {
		r.ownershipQueue = append(r.ownershipQueue, outboundOwnership{
			msg:     ownershipMsg{ObjectID: id, Owner: m.Owner, Role: remoteRole},
			exclude: src,
		})
	}
}

func (r *Replicator) handleRPC(s *netstream.Stream, id ObjectID, src transport.ClientID) {
	m, err := decodeRPC(s, id)
	if err != nil {
		r.logger.Warn("Malformed rpc invoke", log.Uint64("object", uint64(id)), log.Error(err))
		return
	}
	rec, ok := r.tbl.get(id)
	if !ok {
		r.stats.RPCsDropped++
		return
	}
	entry, found := r.rpcs.Lookup(m.Type, m.NameID)
	if !found {
		r.stats.RPCsDropped++
		r.logger.Warn("Invoke for unknown procedure",
			log.Uint64("object", uint64(id)),
			log.Uint64("type", uint64(m.Type)))
		return
	}
	if err := r.resolver.canExecuteRPC(entry, rec, src); err != nil {
		r.stats.RPCsDropped++
		r.logger.Warn("Rejecting rpc invoke",
			log.Uint64("object", uint64(id)),
			log.String("method", entry.Name),
			log.Uint32("src", uint32(src)),
			log.Error(err))
		return
	}
	r.execQueue = append(r.execQueue, inboundExec{
		id:       id,
		entry:    entry,
		instance: rec.object,
		args:     m.Args,
	})
}

// processRetries retransmits overdue unacked deltas and returns the peers
// whose retry budget ran out this tick.
func (r *Replicator) processRetries(now time.Time) []transport.ClientID {
	var lost []transport.ClientID
	for {
		id, ok := r.retries.PopDue(now)
		if !ok {
			return lost
		}
		rec, found := r.tbl.get(id)
		if !found || rec.pending == nil {
			continue
		}
		p := rec.pending
		p.retry = nil
		if p.attempts >= r.cfg.RetryLimit {
			for peer := range p.awaiting {
				if r.markUnreachable(peer) {
					lost = append(lost, peer)
				}
			}
			rec.pending = nil
			continue
		}
		dst := make([]transport.ClientID, 0, len(p.awaiting))
		for peer := range p.awaiting {
			dst = append(dst, peer)
		}
		payload := encodeDelta(deltaMsg{ObjectID: id, Version: p.version, Payload: p.payload})
		r.send(p.channel, dst, payload)
		p.attempts++
		r.stats.Retransmissions++
		p.retry = r.retries.Schedule(id, now.Add(r.cfg.RetryBase<<(p.attempts-1)))
	}
}

func (r *Replicator) markUnreachable(peer transport.ClientID) bool {
	if _, seen := r.unreachable[peer]; seen {
		return false
	}
	r.unreachable[peer] = struct{}{}
	r.stats.UnreachablePeers++
	r.logger.Warn("Peer unreachable, retry budget exhausted", log.Uint32("peer", uint32(peer)))
	return true
}

func (r *Replicator) flushDespawns() {
	for _, out := range r.despawnQueue {
		dst, ok := r.destinations(out.targets, out.exclude)
		if !ok {
			continue
		}
		r.send(r.cfg.ControlChannel, dst, encodeDespawn(out.id))
	}
	r.despawnQueue = r.despawnQueue[:0]
}

func (r *Replicator) flushSpawns() {
	for _, out := range r.spawnQueue {
		rec, ok := r.tbl.get(out.id)
		if !ok || rec.state != StateSpawning {
			continue
		}
		state, err := r.serializeObject(rec)
		if err != nil {
			r.stats.SerializationFailures++
			r.logger.Error("Failed to serialize spawn state", log.Uint64("object", uint64(rec.id)), log.Error(err))
			state = nil
		}
		msg := spawnMsg{
			ObjectID: rec.id,
			Type:     rec.typ,
			Owner:    rec.owner,
			ParentID: rec.parentID,
			State:    state,
		}
		if dst, ok := r.destinations(rec.targets, out.exclude); ok {
			r.send(r.cfg.ControlChannel, dst, encodeSpawn(msg))
		}
		rec.state = StateActive
		rec.spawnSent = true
	}
	r.spawnQueue = r.spawnQueue[:0]
}

func (r *Replicator) flushOwnership() {
	for _, out := range r.ownershipQueue {
		rec, ok := r.tbl.get(out.msg.ObjectID)
		if !ok {
			continue
		}
		if dst, ok := r.destinations(rec.targets, out.exclude); ok {
			r.send(r.cfg.ControlChannel, dst, encodeOwnership(out.msg))
		}
	}
	r.ownershipQueue = r.ownershipQueue[:0]
}

func (r *Replicator) flushDeltas(now time.Time) {
	for _, rec := range r.tbl.records {
		if !rec.dirty || rec.state != StateActive {
			continue
		}
		if !rec.isOwned() && !r.isServer() {
			rec.dirty = false
			continue
		}
		if rec.pending != nil {
			// One unacked delta in flight per object; the dirty flag keeps
			// the newer state queued for after the ack.
			continue
		}
		exclude := noPeer
		if !rec.isOwned() {
			exclude = rec.owner
		}
		dst, ok := r.destinations(rec.targets, exclude)
		if !ok {
			rec.dirty = false
			continue
		}
		payload, err := r.serializeObject(rec)
		if err != nil {
			r.stats.SerializationFailures++
			r.logger.Error("Failed to serialize object state", log.Uint64("object", uint64(rec.id)), log.Error(err))
			rec.dirty = false
			continue
		}
		rec.version++
		r.send(rec.channel, dst, encodeDelta(deltaMsg{ObjectID: rec.id, Version: rec.version, Payload: payload}))
		rec.dirty = false
		r.stats.DeltasSent++

		if rec.channel.IsReliable() {
			awaiting := r.awaitingSet(dst)
			if len(awaiting) == 0 {
				continue
			}
			p := &pendingDelta{
				version:  rec.version,
				payload:  payload,
				channel:  rec.channel,
				awaiting: awaiting,
				attempts: 1,
			}
			p.retry = r.retries.Schedule(rec.id, now.Add(r.cfg.RetryBase))
			rec.pending = p
		}
	}
}

func (r *Replicator) flushRPCs() {
	for _, q := range r.rpcQueue {
		rec, ok := r.tbl.get(q.id)
		if !ok {
			r.stats.RPCsDropped++
			continue
		}
		if dst, ok := r.destinations(rec.targets, noPeer); ok {
			r.send(q.channel, dst, encodeRPC(rpcMsg{
				ObjectID: q.id,
				Type:     q.typ,
				NameID:   q.nameID,
				Args:     q.args,
			}))
		}
	}
	r.rpcQueue = r.rpcQueue[:0]
}

// syncNewClients spawns every visible active object on clients that
// joined since the last tick.
func (r *Replicator) syncNewClients() {
	if len(r.newClients) == 0 {
		return
	}
	for _, client := range r.newClients {
		for _, rec := range r.tbl.records {
			if rec.state != StateActive {
				continue
			}
			if rec.targets != nil && !containsClient(rec.targets, client) {
				continue
			}
			if rec.owner == client {
				continue
			}
			state, err := r.serializeObject(rec)
			if err != nil {
				r.stats.SerializationFailures++
				continue
			}
			r.send(r.cfg.ControlChannel, []transport.ClientID{client}, encodeSpawn(spawnMsg{
				ObjectID: rec.id,
				Type:     rec.typ,
				Owner:    rec.owner,
				ParentID: rec.parentID,
				State:    state,
			}))
		}
	}
	r.newClients = r.newClients[:0]
}

func (r *Replicator) sendAck(id ObjectID, version uint32, dst transport.ClientID) {
	r.send(r.cfg.ControlChannel, []transport.ClientID{dst}, encodeAck(ackMsg{ObjectID: id, Version: version}))
}

func (r *Replicator) send(channel transport.ChannelType, dst []transport.ClientID, payload []byte) {
	if err := r.driver.Send(channel, dst, payload); err != nil {
		r.logger.Warn("Transport send failed", log.String("channel", channel.String()), log.Error(err))
	}
}

// destinations resolves the peer set for an outbound message. A client
// talks to the server only; the server fans out to the record's target
// subset or to every connected client. The second return is false when
// there is nobody to send to; a nil first return with true means driver
// level broadcast.
func (r *Replicator) destinations(targets []transport.ClientID, exclude transport.ClientID) ([]transport.ClientID, bool) {
	if !r.isServer() {
		if exclude == transport.ServerClientID {
			return nil, false
		}
		return []transport.ClientID{transport.ServerClientID}, true
	}
	if targets == nil {
		if len(r.clients) == 0 {
			if exclude == noPeer {
				return nil, true
			}
			return nil, false
		}
		dst := make([]transport.ClientID, 0, len(r.clients))
		for c := range r.clients {
			if c != exclude {
				dst = append(dst, c)
			}
		}
		return dst, len(dst) > 0
	}
	dst := make([]transport.ClientID, 0, len(targets))
	for _, c := range targets {
		if c != exclude {
			dst = append(dst, c)
		}
	}
	return dst, len(dst) > 0
}

// awaitingSet turns an explicit destination list into the ack wait set.
// A broadcast (nil) destination has no enumerable peers and gets no
// retransmission tracking.
func (r *Replicator) awaitingSet(dst []transport.ClientID) map[transport.ClientID]struct{} {
	if dst == nil {
		return nil
	}
	set := make(map[transport.ClientID]struct{}, len(dst))
	for _, c := range dst {
		if _, gone := r.unreachable[c]; gone {
			continue
		}
		set[c] = struct{}{}
	}
	return set
}

func (r *Replicator) ackFromPeer(rec *record, peer transport.ClientID) {
	p := rec.pending
	if p == nil {
		return
	}
	delete(p.awaiting, peer)
	if len(p.awaiting) > 0 {
		return
	}
	if p.retry != nil {
		r.retries.Remove(p.retry)
	}
	rec.pending = nil
}

func (r *Replicator) serializeObject(rec *record) ([]byte, error) {
	s := r.streamPool.Get().(*netstream.Stream)
	defer r.streamPool.Put(s)
	s.Reset()
	if err := r.serializers.InvokeSerializer(rec.typ, rec.object, s, true); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.Bytes()...), nil
}

func containsClient(list []transport.ClientID, c transport.ClientID) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
