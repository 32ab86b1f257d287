package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound event names on the wire.
const (
	EventMessage     = "message"
	EventPresence    = "presence"
	EventAlert       = "alert"
	EventAlertAck    = "alert-ack"
	EventRegisterAck = "register-ack"
	EventError       = "error"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Envelope is the wire frame shared by every event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type MessageEvent struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceEvent struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
	Room     string `json:"room"`
}

type AlertEvent struct {
	Sender     string          `json:"sender"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// AlertAckEvent reports the fan-out outcome back to the alert sender.
type AlertAckEvent struct {
	Delivered    bool      `json:"delivered"`
	MonitorCount int       `json:"monitorCount"`
	Timestamp    time.Time `json:"timestamp"`
}

type RegisterAckEvent struct {
	Role         string `json:"role"`
	ConnectionID string `json:"connectionId"`
}

type ErrorEvent struct {
	Reason string `json:"reason"`
}

// MarshalEvent wraps a typed payload in the wire envelope.
func MarshalEvent(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal '%s' payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
