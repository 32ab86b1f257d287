package relay

import (
	"log/slog"

	"github.com/LampLight-DkIT/relay/pkg/state"
)

// Presence derives online/offline notifications from registry mutations.
// Events are best-effort: a dropped notification is logged, never retried.
type Presence struct {
	logger *slog.Logger
	state  state.Manager
}

func NewPresence(logger *slog.Logger, stateManager state.Manager) *Presence {
	return &Presence{
		logger: logger.With(slog.String("component", "presence")),
		state:  stateManager,
	}
}

// NotifyJoin tells the other members of a room that an identity came
// online there. Call it only for joins that actually changed membership.
func (p *Presence) NotifyJoin(joined *state.Connection, room string) {
	p.notify(joined, room, PresenceOnline)
}

// NotifyRemoval emits offline presence to the remaining members of every
// room the removed connection was in. The removed connection's membership
// set is owned by the caller at this point; the registry no longer knows
// the connection.
func (p *Presence) NotifyRemoval(removed *state.Connection) {
	if removed.Identity == nil {
		return
	}
	for room := range removed.Rooms {
		p.notify(removed, room, PresenceOffline)
	}
}

func (p *Presence) notify(subject *state.Connection, room, presenceState string) {
	if subject.Identity == nil {
		return
	}
	data, err := MarshalEvent(EventPresence, PresenceEvent{
		Identity: subject.Identity.ID,
		State:    presenceState,
		Room:     room,
	})
	if err != nil {
		p.logger.Error("Failed to marshal presence event", slog.Any("error", err))
		return
	}

	for _, member := range p.state.RoomMembers(room) {
		if member.ID == subject.ID {
			continue
		}
		if !member.Transport.Send(data) {
			p.logger.Warn("Dropped presence event for recipient",
				slog.String("room", room),
				slog.String("connID", member.ID.String()),
			)
		}
	}
}
