package state

import (
	"context"

	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/transport"
	"github.com/google/uuid"
)

// Manager is the single authoritative owner of connection, identity, role,
// and room membership state. Router and alert fan-out query it; they never
// keep their own copy of membership.
type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection

	// Remove unconditionally drops the connection from the primary map,
	// the identity and role indices, and every room. It is the only path
	// that frees registry resources and is safe to call exactly once per
	// connection; later calls are no-ops. The removed connection is
	// returned so callers can emit presence for the rooms it was in.
	Remove(connID uuid.UUID) (*Connection, bool)

	// --- Identity & Role ---
	// Authenticate verifies the credential (exactly once per attempt,
	// without holding any registry lock) and binds the resulting identity
	// to the connection. If the identity already owns a live connection
	// that connection is superseded and returned for the caller to close.
	Authenticate(ctx context.Context, connID uuid.UUID, credential string) (*identity.Identity, *Connection, error)

	// RegisterRole assigns a role to an authenticated connection. The
	// identity's grants must allow the role. Re-registering the current
	// role is an idempotent no-op.
	RegisterRole(connID uuid.UUID, role identity.Role) error

	LookupIdentity(userID string) (uuid.UUID, bool)

	// Monitors returns a snapshot of every connection holding the monitor
	// role, in O(number of monitors).
	Monitors() []*Connection

	// --- Room Membership ---
	// Join adds the connection to the room, creating it on first use.
	// It reports whether membership actually changed (re-joins do not).
	Join(connID uuid.UUID, room string) (bool, error)
	Leave(connID uuid.UUID, room string) error

	// RoomMembers returns a snapshot of the room's current members. An
	// unknown room yields an empty snapshot, not an error.
	RoomMembers(room string) []*Connection
	IsMember(connID uuid.UUID, room string) bool
}
