package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/LampLight-DkIT/relay/pkg/state"
	"github.com/google/uuid"
)

// ErrNotRoomMember is a protocol error: the offending event is dropped
// and the connection stays open.
type ErrNotRoomMember struct {
	Room string
}

func (e *ErrNotRoomMember) Error() string {
	return fmt.Sprintf("sender is not a member of room '%s'", e.Room)
}

// Router fans room messages out to the room's current members. Membership
// is always resolved through the state manager at send time; the router
// holds no copy of its own.
type Router struct {
	logger *slog.Logger
	state  state.Manager
}

func NewRouter(logger *slog.Logger, stateManager state.Manager) *Router {
	return &Router{
		logger: logger.With(slog.String("component", "room_router")),
		state:  stateManager,
	}
}

// Broadcast stamps the message with the sender's identity and a
// relay-assigned timestamp and delivers it to every member of the room
// except the sender. It returns the IDs of the connections the message was
// handed to. An empty room is not an error; the delivery set is just empty.
func (r *Router) Broadcast(sender *state.Connection, room, text string) ([]uuid.UUID, error) {
	if !r.state.IsMember(sender.ID, room) {
		return nil, &ErrNotRoomMember{Room: room}
	}

	event := MessageEvent{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender.Identity.ID,
		Room:      room,
		Timestamp: time.Now().UTC(),
	}
	data, err := MarshalEvent(EventMessage, event)
	if err != nil {
		return nil, err
	}

	// Snapshot the delivery set, then write outside the registry lock so
	// one slow recipient cannot stall the room.
	members := r.state.RoomMembers(room)
	delivered := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		if member.ID == sender.ID {
			continue
		}
		if !member.Transport.Send(data) {
			r.logger.Warn("Dropped room message for recipient",
				slog.String("room", room),
				slog.String("connID", member.ID.String()),
			)
			continue
		}
		delivered = append(delivered, member.ID)
	}

	r.logger.Debug("Broadcast message to room",
		slog.String("room", room),
		slog.Int("recipients", len(delivered)),
	)
	return delivered, nil
}
