package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/LampLight-DkIT/relay/internal/relay"
	"github.com/LampLight-DkIT/relay/internal/router"
	"github.com/LampLight-DkIT/relay/pkg/config"
	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/state"
	"github.com/LampLight-DkIT/relay/pkg/state/statemanager"
	"github.com/LampLight-DkIT/relay/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, credential string) (*identity.Identity, error) {
	grants := identity.RoleSet(0).With(identity.RoleStandard)
	switch {
	case strings.HasPrefix(credential, "monitor:"):
		id := strings.TrimPrefix(credential, "monitor:")
		return &identity.Identity{ID: id, Name: id, Grants: grants.With(identity.RoleMonitor)}, nil
	case strings.HasPrefix(credential, "user:"):
		id := strings.TrimPrefix(credential, "user:")
		return &identity.Identity{ID: id, Name: id, Grants: grants}, nil
	default:
		return nil, &identity.AuthError{Reason: "invalid token"}
	}
}

type fixture struct {
	t       *testing.T
	manager *statemanager.InMemoryManager
	router  *router.EventRouter
	wg      sync.WaitGroup
}

func newFixture(t *testing.T, limits config.LimitsConfig) *fixture {
	logger := newTestLogger()
	manager := statemanager.NewInMemoryManager(logger, stubVerifier{})
	return &fixture{
		t:       t,
		manager: manager,
		router:  router.NewEventRouter(logger, manager, limits),
	}
}

// connect registers a transport connection wired to the dispatcher's
// close handler, the way the server does it.
func (f *fixture) connect() *state.Connection {
	f.t.Helper()
	tc := transport.NewConnection(context.Background(), &f.wg, nil,
		transport.ConnectionConfig{SendBuffer: 16}, f.router.HandleMessage, f.router.HandleClose, newTestLogger())
	conn, err := f.manager.RegisterConnection(tc, "127.0.0.1")
	if err != nil {
		f.t.Fatalf("RegisterConnection failed: %v", err)
	}
	return conn
}

func (f *fixture) dispatch(conn *state.Connection, event, payload string) {
	f.t.Helper()
	frame := fmt.Sprintf(`{"event":%q,"payload":%s}`, event, payload)
	f.router.HandleMessage(context.Background(), conn.ID, []byte(frame))
}

func recvEvent(t *testing.T, conn *state.Connection) relay.Envelope {
	t.Helper()
	select {
	case data := <-conn.Transport.Outbound():
		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("outbound frame is not a valid envelope: %v", err)
		}
		return env
	default:
		t.Fatal("expected an outbound event, queue is empty")
		return relay.Envelope{}
	}
}

func assertNoEvent(t *testing.T, conn *state.Connection) {
	t.Helper()
	select {
	case data, ok := <-conn.Transport.Outbound():
		if ok {
			t.Fatalf("expected no outbound event, got %s", data)
		}
	default:
	}
}

func assertClosed(t *testing.T, conn *state.Connection) {
	t.Helper()
	select {
	case <-conn.Transport.Done():
	default:
		t.Fatal("expected the connection to be closed")
	}
}

// --- State machine ---

func TestUnauthenticatedEventsAreRejected(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()

	f.dispatch(conn, "join", `{"room":"general"}`)

	env := recvEvent(t, conn)
	if env.Event != relay.EventError {
		t.Fatalf("Expected error event, got '%s'", env.Event)
	}
	if f.manager.IsMember(conn.ID, "general") {
		t.Error("Unauthenticated join must not reach the room router")
	}
	// The connection survives; dropping the event is enough.
	select {
	case <-conn.Transport.Done():
		t.Error("Protocol error should not close the connection")
	default:
	}
}

func TestAuthEvent(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()

	f.dispatch(conn, "auth", `{"token":"user:alice"}`)

	if connID, found := f.manager.LookupIdentity("alice"); !found || connID != conn.ID {
		t.Fatal("Expected identity bound after auth event")
	}

	// Subsequent events are now routed.
	f.dispatch(conn, "join", `{"room":"general"}`)
	if !f.manager.IsMember(conn.ID, "general") {
		t.Error("Join after auth should reach the room router")
	}
}

func TestInvalidCredentialClosesConnection(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()

	f.dispatch(conn, "auth", `{"token":"garbage"}`)

	assertClosed(t, conn)
	if _, found := f.manager.GetConnection(conn.ID); found {
		t.Error("Failed authentication must leave no registry entry")
	}
}

func TestHandshakeCredential(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()

	f.router.HandleOpen(context.Background(), conn.ID, "user:bob")
	if _, found := f.manager.LookupIdentity("bob"); !found {
		t.Fatal("Handshake credential should authenticate the connection")
	}

	f.dispatch(conn, "auth", `{"token":"user:bob"}`)
	env := recvEvent(t, conn)
	if env.Event != relay.EventError {
		t.Errorf("Re-authentication should yield an error event, got '%s'", env.Event)
	}
}

func TestSupersededConnectionIsClosed(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	first := f.connect()
	second := f.connect()

	f.dispatch(first, "auth", `{"token":"user:carol"}`)
	f.dispatch(second, "auth", `{"token":"user:carol"}`)

	assertClosed(t, first)
	if _, found := f.manager.GetConnection(first.ID); found {
		t.Error("Superseded connection should be removed from the registry")
	}
	if connID, found := f.manager.LookupIdentity("carol"); !found || connID != second.ID {
		t.Error("Identity should resolve to the newer connection")
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()
	f.dispatch(conn, "auth", `{"token":"user:alice"}`)

	f.dispatch(conn, "teleport", `{"to":"nowhere"}`)

	assertNoEvent(t, conn)
	if _, found := f.manager.GetConnection(conn.ID); !found {
		t.Error("Unknown events must never be fatal to the connection")
	}
}

func TestEventRateLimit(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{EventRate: 0.001, EventBurst: 1})
	conn := f.connect()

	f.dispatch(conn, "auth", `{"token":"user:alice"}`)
	// Budget exhausted: this join is silently discarded.
	f.dispatch(conn, "join", `{"room":"general"}`)

	if f.manager.IsMember(conn.ID, "general") {
		t.Error("Over-limit event should have been discarded")
	}
}

// --- End-to-end scenarios ---

func TestRoomMessageScenario(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	connA := f.connect()
	connB := f.connect()
	f.dispatch(connA, "auth", `{"token":"user:A"}`)
	f.dispatch(connB, "auth", `{"token":"user:B"}`)

	f.dispatch(connA, "join", `{"room":"general"}`)
	f.dispatch(connB, "join", `{"room":"general"}`)

	// A sees B come online.
	env := recvEvent(t, connA)
	if env.Event != relay.EventPresence {
		t.Fatalf("Expected presence event for A, got '%s'", env.Event)
	}

	f.dispatch(connA, "message", `{"room":"general","text":"hi"}`)

	env = recvEvent(t, connB)
	if env.Event != relay.EventMessage {
		t.Fatalf("Expected message event for B, got '%s'", env.Event)
	}
	var msg relay.MessageEvent
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("Bad message payload: %v", err)
	}
	if msg.Text != "hi" || msg.Sender != "A" || msg.Room != "general" {
		t.Errorf("Unexpected message contents: %+v", msg)
	}
	// A receives nothing back for its own message.
	assertNoEvent(t, connA)
}

func TestMonitorAlertScenario(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	connC := f.connect()
	connD := f.connect()
	f.dispatch(connC, "auth", `{"token":"monitor:C"}`)
	f.dispatch(connD, "auth", `{"token":"user:D"}`)

	f.dispatch(connC, "register", `{"role":"monitor"}`)
	env := recvEvent(t, connC)
	if env.Event != relay.EventRegisterAck {
		t.Fatalf("Expected register-ack, got '%s'", env.Event)
	}
	var ack relay.RegisterAckEvent
	json.Unmarshal(env.Payload, &ack)
	if ack.Role != "monitor" || ack.ConnectionID != connC.ID.String() {
		t.Errorf("Unexpected register-ack contents: %+v", ack)
	}

	f.dispatch(connD, "alert", `{"payload":"fire"}`)

	env = recvEvent(t, connC)
	if env.Event != relay.EventAlert {
		t.Fatalf("Expected alert event for the monitor, got '%s'", env.Event)
	}
	var alert relay.AlertEvent
	if err := json.Unmarshal(env.Payload, &alert); err != nil {
		t.Fatalf("Bad alert payload: %v", err)
	}
	if alert.Sender != "D" {
		t.Errorf("Expected alert sender 'D', got '%s'", alert.Sender)
	}
	if alert.ReceivedAt.IsZero() {
		t.Error("Alert must carry a relay-assigned receive time")
	}

	env = recvEvent(t, connD)
	if env.Event != relay.EventAlertAck {
		t.Fatalf("Expected alert-ack for the sender, got '%s'", env.Event)
	}
	var outcome relay.AlertAckEvent
	json.Unmarshal(env.Payload, &outcome)
	if !outcome.Delivered || outcome.MonitorCount != 1 {
		t.Errorf("Expected {delivered:true, monitorCount:1}, got %+v", outcome)
	}
}

func TestRegisterWithoutGrantRejected(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	conn := f.connect()
	f.dispatch(conn, "auth", `{"token":"user:eve"}`)

	f.dispatch(conn, "register", `{"role":"monitor"}`)

	env := recvEvent(t, conn)
	if env.Event != relay.EventError {
		t.Fatalf("Expected error event, got '%s'", env.Event)
	}
	if len(f.manager.Monitors()) != 0 {
		t.Error("Ungranted role registration must not reach the role index")
	}
}

func TestMessageOutsideJoinedRoomRejected(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	member := f.connect()
	outsider := f.connect()
	f.dispatch(member, "auth", `{"token":"user:in"}`)
	f.dispatch(outsider, "auth", `{"token":"user:out"}`)
	f.dispatch(member, "join", `{"room":"private"}`)

	f.dispatch(outsider, "message", `{"room":"private","text":"let me in"}`)

	env := recvEvent(t, outsider)
	if env.Event != relay.EventError {
		t.Fatalf("Expected error event for non-member message, got '%s'", env.Event)
	}
	assertNoEvent(t, member)
}

func TestCloseEmitsOfflinePresence(t *testing.T) {
	f := newFixture(t, config.LimitsConfig{})
	stayer := f.connect()
	leaver := f.connect()
	f.dispatch(stayer, "auth", `{"token":"user:stay"}`)
	f.dispatch(leaver, "auth", `{"token":"user:leave"}`)
	f.dispatch(stayer, "join", `{"room":"general"}`)
	f.dispatch(leaver, "join", `{"room":"general"}`)

	// Drain the online presence the stayer saw.
	recvEvent(t, stayer)

	leaver.Transport.Close(nil)

	if _, found := f.manager.GetConnection(leaver.ID); found {
		t.Fatal("Close must remove the connection from the registry")
	}
	env := recvEvent(t, stayer)
	if env.Event != relay.EventPresence {
		t.Fatalf("Expected presence event, got '%s'", env.Event)
	}
	var p relay.PresenceEvent
	json.Unmarshal(env.Payload, &p)
	if p.Identity != "leave" || p.State != relay.PresenceOffline {
		t.Errorf("Unexpected presence contents: %+v", p)
	}
}
