package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LampLight-DkIT/relay/internal/relay"
	"github.com/LampLight-DkIT/relay/pkg/config"
	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/state"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// EventRouter is the single entry and exit point for inbound events. It
// enforces the per-connection state machine (unauthenticated connections
// may only authenticate), then hands events to the room router, the
// presence tracker, or the alert engine.
type EventRouter struct {
	logger   *slog.Logger
	state    state.Manager
	rooms    *relay.Router
	presence *relay.Presence
	alerts   *relay.AlertEngine
	limits   config.LimitsConfig

	limiterMu sync.Mutex
	limiters  map[uuid.UUID]*rate.Limiter
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, limits config.LimitsConfig) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		state:    stateManager,
		rooms:    relay.NewRouter(logger, stateManager),
		presence: relay.NewPresence(logger, stateManager),
		alerts:   relay.NewAlertEngine(logger, stateManager),
		limits:   limits,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// HandleOpen runs once per connection after the transport is registered.
// A credential supplied at handshake time is authenticated immediately;
// otherwise the connection stays unauthenticated until its first event,
// which must be 'auth'.
func (r *EventRouter) HandleOpen(ctx context.Context, connID uuid.UUID, credential string) {
	if credential == "" {
		return
	}
	conn, ok := r.state.GetConnection(connID)
	if !ok {
		return
	}
	r.authenticate(ctx, conn, credential)
}

// HandleClose is the transport's close callback. It removes the
// connection from the registry exactly once and emits offline presence
// for the rooms it was in.
func (r *EventRouter) HandleClose(connID uuid.UUID, err error) {
	r.limiterMu.Lock()
	delete(r.limiters, connID)
	r.limiterMu.Unlock()

	removed, ok := r.state.Remove(connID)
	if !ok {
		return
	}
	r.logger.Info("Connection closed",
		slog.String("connID", connID.String()),
		slog.Any("reason", err),
	)
	r.presence.NotifyRemoval(removed)
}

// HandleMessage dispatches one inbound event. It is invoked synchronously
// from the connection's read pump, so events from a single connection are
// processed in arrival order.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	if !r.allow(connID) {
		r.logger.Warn("Event rate limit exceeded; discarding event",
			slog.String("connID", connID.String()))
		return
	}

	conn, ok := r.state.GetConnection(connID)
	if !ok {
		// Closed while the event was in flight.
		return
	}

	eventName := gjson.GetBytes(msg, "event").String()
	if eventName == "" {
		r.logger.Warn("Malformed event envelope", slog.String("connID", connID.String()))
		r.sendError(conn, "malformed event envelope")
		return
	}
	payload := json.RawMessage(gjson.GetBytes(msg, "payload").Raw)

	// State machine: everything but 'auth' requires an identity.
	if conn.Identity == nil && eventName != "auth" {
		r.logger.Warn("Event from unauthenticated connection rejected",
			slog.String("connID", connID.String()),
			slog.String("event", eventName),
		)
		r.sendError(conn, "not authenticated")
		return
	}

	switch eventName {
	case "auth":
		r.handleAuth(ctx, conn, payload)
	case "join":
		r.handleJoin(conn, payload)
	case "leave":
		r.handleLeave(conn, payload)
	case "message":
		r.handleMessage(conn, payload)
	case "alert":
		r.handleAlert(conn, payload)
	case "register":
		r.handleRegister(conn, payload)
	default:
		r.logger.Warn("Received unknown event",
			slog.String("event", eventName),
			slog.String("connID", connID.String()),
		)
	}
}

func (r *EventRouter) allow(connID uuid.UUID) bool {
	if r.limits.EventRate <= 0 {
		return true
	}
	r.limiterMu.Lock()
	limiter, ok := r.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.limits.EventRate), r.limits.EventBurst)
		r.limiters[connID] = limiter
	}
	r.limiterMu.Unlock()
	return limiter.Allow()
}

// --- Event handlers ---

type authPayload struct {
	Token string `json:"token"`
}

func (r *EventRouter) handleAuth(ctx context.Context, conn *state.Connection, payload json.RawMessage) {
	if conn.Identity != nil {
		r.sendError(conn, "already authenticated")
		return
	}
	var p authPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(conn, "malformed auth payload")
		return
	}
	r.authenticate(ctx, conn, p.Token)
}

// authenticate runs the single verification attempt this connection gets.
// Failure is connection-fatal: the transport is closed with a
// distinguishable status and the registry never learns the identity.
func (r *EventRouter) authenticate(ctx context.Context, conn *state.Connection, credential string) {
	ident, superseded, err := r.state.Authenticate(ctx, conn.ID, credential)
	if err != nil {
		if identity.IsAuthError(err) {
			r.logger.Warn("Authentication failed; closing connection",
				slog.String("connID", conn.ID.String()),
				slog.Any("error", err),
			)
			conn.Transport.CloseWith(websocket.StatusPolicyViolation, "authentication failed", err)
			return
		}
		r.logger.Error("Authentication error", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		r.sendError(conn, "authentication error")
		return
	}

	if superseded != nil {
		superseded.Transport.Close(errors.New("superseded by a newer connection for this identity"))
	}

	r.logger.Info("Connection authenticated",
		slog.String("connID", conn.ID.String()),
		slog.String("userID", ident.ID),
	)
}

type roomPayload struct {
	Room string `json:"room"`
}

func (r *EventRouter) handleJoin(conn *state.Connection, payload json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Room == "" {
		r.sendError(conn, "join requires a room")
		return
	}
	changed, err := r.state.Join(conn.ID, p.Room)
	if err != nil {
		r.logger.Error("Join failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		r.sendError(conn, "join failed")
		return
	}
	if changed {
		r.presence.NotifyJoin(conn, p.Room)
	}
}

func (r *EventRouter) handleLeave(conn *state.Connection, payload json.RawMessage) {
	var p roomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Room == "" {
		r.sendError(conn, "leave requires a room")
		return
	}
	if err := r.state.Leave(conn.ID, p.Room); err != nil {
		r.logger.Error("Leave failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}

type messagePayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func (r *EventRouter) handleMessage(conn *state.Connection, payload json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Room == "" {
		r.sendError(conn, "message requires a room")
		return
	}
	if _, err := r.rooms.Broadcast(conn, p.Room, p.Text); err != nil {
		var notMember *relay.ErrNotRoomMember
		if errors.As(err, &notMember) {
			r.sendError(conn, err.Error())
			return
		}
		r.logger.Error("Broadcast failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}

func (r *EventRouter) handleAlert(conn *state.Connection, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	outcome := r.alerts.Send(conn, payload)
	r.sendEvent(conn, relay.EventAlertAck, relay.AlertAckEvent{
		Delivered:    outcome.Delivered,
		MonitorCount: outcome.MonitorCount,
		Timestamp:    time.Now().UTC(),
	})
}

type registerPayload struct {
	Role string `json:"role"`
}

func (r *EventRouter) handleRegister(conn *state.Connection, payload json.RawMessage) {
	var p registerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(conn, "malformed register payload")
		return
	}
	role, err := identity.ParseRole(p.Role)
	if err != nil {
		r.sendError(conn, err.Error())
		return
	}
	if err := r.state.RegisterRole(conn.ID, role); err != nil {
		r.logger.Warn("Role registration rejected",
			slog.String("connID", conn.ID.String()),
			slog.String("role", role.String()),
			slog.Any("error", err),
		)
		r.sendError(conn, "role registration rejected")
		return
	}
	r.sendEvent(conn, relay.EventRegisterAck, relay.RegisterAckEvent{
		Role:         role.String(),
		ConnectionID: conn.ID.String(),
	})
}

// --- Outbound helpers ---

func (r *EventRouter) sendEvent(conn *state.Connection, event string, payload any) {
	data, err := relay.MarshalEvent(event, payload)
	if err != nil {
		r.logger.Error("Failed to marshal outbound event",
			slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Transport.Send(data)
}

func (r *EventRouter) sendError(conn *state.Connection, reason string) {
	r.sendEvent(conn, relay.EventError, relay.ErrorEvent{Reason: reason})
}
