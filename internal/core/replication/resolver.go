package replication

import (
	"github.com/netforge/replica/internal/core/transport"
)

// roleResolver decides authority questions for the local peer: which role
// a record gets, whether an inbound mutation is allowed, and whether an
// RPC may be sent or executed here.
type roleResolver struct {
	localID  transport.ClientID
	isServer bool
}

func newRoleResolver(localID transport.ClientID) *roleResolver {
	return &roleResolver{
		localID:  localID,
		isServer: localID == transport.ServerClientID,
	}
}

// roleFor derives the local role from the owner id: ownership means
// authority, anything else is a mirror.
func (rr *roleResolver) roleFor(owner transport.ClientID) Role {
	if owner == rr.localID {
		return RoleOwnedAuthoritative
	}
	return RoleReplicated
}

// authorizeStateWrite checks an inbound state delta or despawn: only the
// record's owner may mutate it, and a peer never accepts remote writes to
// objects it owns itself.
func (rr *roleResolver) authorizeStateWrite(r *record, src transport.ClientID) error {
	if r.isOwned() {
		return ErrUnauthorizedWrite
	}
	if src != r.owner {
		return ErrNotOwner
	}
	return nil
}

// authorizeOwnershipChange checks an inbound ownership message. The
// server may always reassign; a client's claim is only honored when it
// currently owns the object (a voluntary release).
func (rr *roleResolver) authorizeOwnershipChange(r *record, src transport.ClientID) error {
	if src == transport.ServerClientID {
		return nil
	}
	if src != r.owner {
		return ErrNotOwner
	}
	return nil
}

// canSendRPC checks outbound invocation permission. Server procedures may
// be invoked by the server, or by a client that owns the target object.
// Client procedures are server-to-client only.
func (rr *roleResolver) canSendRPC(entry *RPCEntry, r *record) error {
	if entry.IsServer {
		if rr.isServer || r.isOwned() {
			return nil
		}
		return ErrUnauthorizedWrite
	}
	if !rr.isServer {
		return ErrUnauthorizedWrite
	}
	return nil
}

// canExecuteRPC re-checks permission on the receiving side so a spoofed
// invoke is dropped even if the sender lied. Server procedures execute
// only on the server and only when src owns the object; client procedures
// execute only on clients and only when sent by the server.
func (rr *roleResolver) canExecuteRPC(entry *RPCEntry, r *record, src transport.ClientID) error {
	if entry.IsServer {
		if !rr.isServer {
			return ErrUnauthorizedWrite
		}
		if src != r.owner {
			return ErrNotOwner
		}
		return nil
	}
	if rr.isServer {
		return ErrUnauthorizedWrite
	}
	if src != transport.ServerClientID {
		return ErrNotOwner
	}
	return nil
}
