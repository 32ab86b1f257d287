package state

import (
	"time"

	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/transport"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection. The manager owns
// every Connection for its lifetime; anything else holds only the ID.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	Identity  *identity.Identity    // nil until authentication completes
	Role      identity.Role
	Rooms     map[string]struct{} // Names of rooms this connection has joined
	CreatedAt time.Time
}

// canonical representation of a broadcast group.
type Room struct {
	Name    string
	Members map[uuid.UUID]*Connection // All connections in this room, keyed by connection ID
}
