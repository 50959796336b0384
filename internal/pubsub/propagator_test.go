package pubsub

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/session"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingTransport struct {
	mu     sync.Mutex
	events []string
}

func (t *recordingTransport) Send(event string, data any) error {
	t.mu.Lock()
	t.events = append(t.events, event)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Close() error       { return nil }
func (t *recordingTransport) RemoteAddr() string { return "test:0" }

func (t *recordingTransport) received() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *recordingTransport) waitFor(tt *testing.T, n int) []string {
	tt.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := t.received(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	tt.Fatalf("timed out waiting for %d events, got %v", n, t.received())
	return nil
}

func roomMember(t *testing.T, m *session.Manager, connID, playerID, roomID string) *recordingTransport {
	t.Helper()
	transport := &recordingTransport{}
	if _, err := m.Connect(transport, connID, session.Metadata{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := m.Authenticate(connID, playerID); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if err := m.JoinRoom(connID, roomID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return transport
}

func TestPropagateScopeResolution(t *testing.T) {
	sessions := session.NewManager(testLogger(), session.NewRegistry())
	p := NewPropagator(testLogger(), sessions)

	roomMember(t, sessions, "c1", "p1", "room-1")
	roomMember(t, sessions, "c2", "p2", "room-1")
	roomMember(t, sessions, "c3", "p3", "room-2")

	count, err := p.Propagate(NewEvent("e", nil, ScopeSingle, "c1", PriorityNormal))
	if err != nil || count != 1 {
		t.Fatalf("single scope: expected 1 recipient, got %d (%v)", count, err)
	}

	count, err = p.Propagate(NewEvent("e", nil, ScopeRoom, "room-1", PriorityNormal))
	if err != nil || count != 2 {
		t.Fatalf("room scope: expected 2 recipients, got %d (%v)", count, err)
	}

	count, err = p.Propagate(NewEvent("e", nil, ScopeGlobal, "", PriorityNormal))
	if err != nil || count != 3 {
		t.Fatalf("global scope: expected 3 recipients, got %d (%v)", count, err)
	}

	if _, err := p.Propagate(NewEvent("e", nil, ScopeSingle, "ghost", PriorityNormal)); !errors.Is(err, session.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestPropagateToConnectionsSkipsUnknownIDs(t *testing.T) {
	sessions := session.NewManager(testLogger(), session.NewRegistry())
	p := NewPropagator(testLogger(), sessions)

	transport := roomMember(t, sessions, "c1", "p1", "room-1")

	count, err := p.PropagateToConnections(
		[]string{"c1", "ghost"},
		NewEvent("game_changed", nil, ScopeSingle, "", PriorityNormal),
	)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 recipient, got %d (%v)", count, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	if got := transport.waitFor(t, 1); got[0] != "game_changed" {
		t.Fatalf("expected game_changed, got %v", got)
	}
}

func TestDrainOrderIsPriorityFirstThenFIFO(t *testing.T) {
	sessions := session.NewManager(testLogger(), session.NewRegistry())
	p := NewPropagator(testLogger(), sessions)

	transport := roomMember(t, sessions, "c1", "p1", "room-1")

	// Enqueue before the dispatcher starts so the drain order is observable.
	for _, ev := range []Event{
		NewEvent("low-1", nil, ScopeRoom, "room-1", PriorityLow),
		NewEvent("normal-1", nil, ScopeRoom, "room-1", PriorityNormal),
		NewEvent("critical-1", nil, ScopeRoom, "room-1", PriorityCritical),
		NewEvent("high-1", nil, ScopeRoom, "room-1", PriorityHigh),
		NewEvent("critical-2", nil, ScopeRoom, "room-1", PriorityCritical),
	} {
		if _, err := p.Propagate(ev); err != nil {
			t.Fatalf("propagate failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	got := transport.waitFor(t, 5)
	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order mismatch: expected %v, got %v", want, got)
		}
	}
}

func TestDeliveryFailureDemotesConnection(t *testing.T) {
	sessions := session.NewManager(testLogger(), session.NewRegistry())
	p := NewPropagator(testLogger(), sessions)

	transport := roomMember(t, sessions, "c1", "p1", "room-1")
	brokenConn, err := sessions.Connect(failingTransport{}, "c2", session.Metadata{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := sessions.Authenticate("c2", "p2"); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if err := sessions.JoinRoom("c2", "room-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if _, err := p.Propagate(NewEvent("e", nil, ScopeRoom, "room-1", PriorityNormal)); err != nil {
		t.Fatalf("propagate failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	transport.waitFor(t, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sessions.Connection("c2"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := sessions.Connection("c2"); ok {
		t.Fatal("expected failing connection to be removed")
	}
	if brokenConn.State() != session.StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", brokenConn.State())
	}
}

type failingTransport struct{}

func (failingTransport) Send(string, any) error { return errors.New("gone") }
func (failingTransport) Close() error           { return nil }
func (failingTransport) RemoteAddr() string     { return "test:0" }

func TestBusHandlers(t *testing.T) {
	sessions := session.NewManager(testLogger(), session.NewRegistry())
	bus := NewBus(NewPropagator(testLogger(), sessions))

	typed, wildcard := 0, 0
	bus.On("state_update", func(Event) { typed++ })
	bus.On(OnAny, func(Event) { wildcard++ })

	roomMember(t, sessions, "c1", "p1", "room-1")

	count, err := bus.Publish(NewEvent("state_update", nil, ScopeRoom, "room-1", PriorityHigh))
	if err != nil || count != 1 {
		t.Fatalf("publish: expected 1 recipient, got %d (%v)", count, err)
	}
	if _, err := bus.Publish(NewEvent("other", nil, ScopeRoom, "room-1", PriorityLow)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Explicit-recipient fan-out runs the same in-process handlers.
	count, err = bus.PublishTo([]string{"c1"}, NewEvent("state_update", nil, ScopeSingle, "", PriorityNormal))
	if err != nil || count != 1 {
		t.Fatalf("publish to list: expected 1 recipient, got %d (%v)", count, err)
	}

	if typed != 2 {
		t.Fatalf("expected typed handler twice, got %d", typed)
	}
	if wildcard != 3 {
		t.Fatalf("expected wildcard handler three times, got %d", wildcard)
	}
}
