package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/LampLight-DkIT/relay/pkg/state"
)

// AlertOutcome is reported back to the alert sender. Delivered is true
// when at least one monitor was connected at send time.
type AlertOutcome struct {
	Delivered    bool
	MonitorCount int
}

// AlertEngine routes priority alerts to every connection holding the
// monitor role, independent of room membership. Delivery is at-most-once
// and best-effort: no queue, no retry, no persistence.
type AlertEngine struct {
	logger *slog.Logger
	state  state.Manager
}

func NewAlertEngine(logger *slog.Logger, stateManager state.Manager) *AlertEngine {
	return &AlertEngine{
		logger: logger.With(slog.String("component", "alert_engine")),
		state:  stateManager,
	}
}

// Send stamps the alert with the sender identity and a relay-assigned
// receive time and fans it out to the current monitor set. A failed write
// to one monitor never affects the others or the outcome. The sender does
// not need the monitor role or any room membership.
func (e *AlertEngine) Send(sender *state.Connection, payload json.RawMessage) AlertOutcome {
	monitors := e.state.Monitors()
	outcome := AlertOutcome{
		Delivered:    len(monitors) > 0,
		MonitorCount: len(monitors),
	}
	if len(monitors) == 0 {
		e.logger.Warn("Alert received with no monitors connected",
			slog.String("sender", sender.Identity.ID))
		return outcome
	}

	data, err := MarshalEvent(EventAlert, AlertEvent{
		Sender:     sender.Identity.ID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("Failed to marshal alert event", slog.Any("error", err))
		return AlertOutcome{Delivered: false, MonitorCount: len(monitors)}
	}

	for _, monitor := range monitors {
		if !monitor.Transport.Send(data) {
			e.logger.Warn("Dropped alert for monitor",
				slog.String("connID", monitor.ID.String()))
		}
	}

	e.logger.Info("Alert fanned out",
		slog.String("sender", sender.Identity.ID),
		slog.Int("monitors", len(monitors)),
	)
	return outcome
}
