package replication

import (
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/sequence"
)

// pendingDelta is an unacked reliable state delta awaiting acknowledgement
// or retransmission. At most one exists per object; newer state produced
// while one is in flight re-marks the record dirty instead of queuing a
// second payload.
type pendingDelta struct {
	version  uint32
	payload  []byte
	channel  transport.ChannelType
	awaiting map[transport.ClientID]struct{}
	attempts int
	retry    *sequence.DeadlineItem[ObjectID]
}

// record is the table's bookkeeping for one replicated object.
type record struct {
	id     ObjectID
	object Object
	typ    TypeHandle

	parentID ObjectID
	owner    transport.ClientID
	role     Role
	state    ObjectState

	// targets restricts replication to a peer subset. nil means all peers.
	targets []transport.ClientID
	channel transport.ChannelType

	// version counts authoritative state snapshots produced locally;
	// lastApplied is the highest version accepted from the owner. Both
	// enforce the strictly-greater-than apply rule.
	version     uint32
	lastApplied uint32

	dirty     bool
	spawnSent bool
	// constructed marks objects built by the factory for a remote spawn;
	// only those are handed back to Destroy.
	constructed bool
	pending     *pendingDelta
}

func (r *record) isOwned() bool {
	return r.role == RoleOwnedAuthoritative
}

// table tracks every replicated object known to this peer, the
// parent-to-children adjacency used for hierarchical ownership, and the
// tombstones of despawned ids. Callers hold the replicator mutex; the
// table itself is not locked.
type table struct {
	records    map[ObjectID]*record
	children   map[ObjectID]map[ObjectID]struct{}
	tombstones map[ObjectID]struct{}
}

func newTable() *table {
	return &table{
		records:    make(map[ObjectID]*record),
		children:   make(map[ObjectID]map[ObjectID]struct{}),
		tombstones: make(map[ObjectID]struct{}),
	}
}

func (t *table) get(id ObjectID) (*record, bool) {
	r, ok := t.records[id]
	return r, ok
}

func (t *table) add(r *record) {
	t.records[r.id] = r
	if r.parentID != NoObject {
		t.link(r.parentID, r.id)
	}
}

// remove drops the record and tombstones its id so a late or duplicate
// spawn for the same id is rejected instead of resurrecting the object.
func (t *table) remove(id ObjectID) {
	r, ok := t.records[id]
	if !ok {
		return
	}
	if r.parentID != NoObject {
		t.unlink(r.parentID, id)
	}
	delete(t.records, id)
	t.tombstones[id] = struct{}{}
}

func (t *table) tombstoned(id ObjectID) bool {
	_, ok := t.tombstones[id]
	return ok
}

func (t *table) link(parent, child ObjectID) {
	set, ok := t.children[parent]
	if !ok {
		set = make(map[ObjectID]struct{})
		t.children[parent] = set
	}
	set[child] = struct{}{}
}

func (t *table) unlink(parent, child ObjectID) {
	set, ok := t.children[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(t.children, parent)
	}
}

func (t *table) setParent(r *record, parent ObjectID) {
	if r.parentID == parent {
		return
	}
	if r.parentID != NoObject {
		t.unlink(r.parentID, r.id)
	}
	r.parentID = parent
	if parent != NoObject {
		t.link(parent, r.id)
	}
}

// childrenOf returns the direct children of id. The returned slice is a
// snapshot safe to mutate the table over.
func (t *table) childrenOf(id ObjectID) []*record {
	set, ok := t.children[id]
	if !ok {
		return nil
	}
	out := make([]*record, 0, len(set))
	for child := range set {
		if r, ok := t.records[child]; ok {
			out = append(out, r)
		}
	}
	return out
}

// subtree returns id's record followed by all transitive children,
// parents before children.
func (t *table) subtree(id ObjectID) []*record {
	root, ok := t.records[id]
	if !ok {
		return nil
	}
	out := []*record{root}
	for i := 0; i < len(out); i++ {
		out = append(out, t.childrenOf(out[i].id)...)
	}
	return out
}

// ownedBy returns every record owned by the given peer, for the
// disconnect sweep.
func (t *table) ownedBy(owner transport.ClientID) []*record {
	var out []*record
	for _, r := range t.records {
		if r.owner == owner {
			out = append(out, r)
		}
	}
	return out
}
