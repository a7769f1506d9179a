package conn

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(metrics.NewRegistry(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// drain reads every event currently queued on a session.
func drain(s *Session) []relay.Event {
	var out []relay.Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegisterRejectsUnknownChannel(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Register([]string{"not_a_channel"}, 4); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if _, err := m.Register(nil, 4); err == nil {
		t.Fatal("expected error for empty channel set")
	}
}

func TestDispatchRespectsInterest(t *testing.T) {
	m := newTestManager(t)

	scoreboard, err := m.Register([]string{"scoreboard_change"}, 4)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	gameclock, err := m.Register([]string{"gameclock_change"}, 4)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.HandleEvent(context.Background(), relay.Event{
		Channel: "gameclock_change",
		Payload: []byte(`{"seconds":42}`),
	})

	if got := drain(gameclock); len(got) != 1 {
		t.Fatalf("gameclock session got %d events, want 1", len(got))
	}
	if got := drain(scoreboard); len(got) != 0 {
		t.Fatalf("scoreboard session got %d events, want 0", len(got))
	}
}

func TestDispatchPreservesOrder(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Register([]string{"match_change"}, 8)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, p := range payloads {
		m.HandleEvent(context.Background(), relay.Event{Channel: "match_change", Payload: []byte(p)})
	}

	got := drain(s)
	if len(got) != len(payloads) {
		t.Fatalf("got %d events, want %d", len(got), len(payloads))
	}
	for i, ev := range got {
		if string(ev.Payload) != payloads[i] {
			t.Fatalf("event %d payload = %s, want %s", i, ev.Payload, payloads[i])
		}
	}
}

func TestBackpressureEvictsOnlySlowSession(t *testing.T) {
	m := newTestManager(t)

	slow, err := m.Register([]string{"match_change"}, 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	healthy, err := m.Register([]string{"match_change"}, 8)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// First event fills the slow session's queue; the second overflows it.
	m.HandleEvent(context.Background(), relay.Event{Channel: "match_change", Payload: []byte(`{}`)})
	m.HandleEvent(context.Background(), relay.Event{Channel: "match_change", Payload: []byte(`{}`)})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow session was not evicted")
	}

	if got := drain(healthy); len(got) != 2 {
		t.Fatalf("healthy session got %d events, want 2", len(got))
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	// Eviction must stop further delivery attempts.
	m.HandleEvent(context.Background(), relay.Event{Channel: "match_change", Payload: []byte(`{}`)})
	if got := drain(healthy); len(got) != 1 {
		t.Fatalf("healthy session got %d events after eviction, want 1", len(got))
	}
}

func TestRemoveStopsDeliveryAndIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Register([]string{"playclock_change"}, 4)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.Remove(s.ID())
	m.Remove(s.ID())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Remove")
	}

	m.HandleEvent(context.Background(), relay.Event{Channel: "playclock_change", Payload: []byte(`{}`)})
	if got := drain(s); len(got) != 0 {
		t.Fatalf("removed session got %d events, want 0", len(got))
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}
}

func TestCloseRemovesAllSessions(t *testing.T) {
	m := newTestManager(t)

	a, _ := m.Register([]string{"match_change"}, 4)
	b, _ := m.Register([]string{"scoreboard_change"}, 4)

	m.Close()

	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatal("session not closed by manager Close")
		}
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}

	if _, err := m.Register([]string{"match_change"}, 4); err == nil {
		t.Fatal("expected Register to fail after Close")
	}
}

func TestSessionEnqueueAfterCloseIsBroken(t *testing.T) {
	s := newSession([]string{"match_change"}, 1)
	s.close()

	if err := s.enqueue(relay.Event{Channel: "match_change"}); err == nil {
		t.Fatal("expected error enqueueing to closed session")
	}
}
