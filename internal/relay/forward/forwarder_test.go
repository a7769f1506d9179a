package forward

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
)

// fakePublisher records every publish and can be told to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []relay.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, relay.Event{Channel: channel, Payload: payload})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// fakeSource implements relay.Source fed by a test-controlled event
// channel. runErr, when set, makes the next Run call return it once;
// reopenErr fails every Open after the first.
type fakeSource struct {
	mu        sync.Mutex
	handler   relay.Handler
	openErr   error
	reopenErr error
	runErr    error

	opens  atomic.Int32
	events chan relay.Event
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan relay.Event, 16)}
}

func (s *fakeSource) Open(context.Context, []string) error {
	s.mu.Lock()
	err := s.openErr
	if err == nil && s.opens.Load() > 0 {
		err = s.reopenErr
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.opens.Add(1)
	return nil
}

func (s *fakeSource) OnEvent(h relay.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeSource) Run(ctx context.Context) error {
	s.mu.Lock()
	if err := s.runErr; err != nil {
		s.runErr = nil
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(ctx, ev)
			}
		}
	}
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) setOpenErr(err error) {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestForwarder(t *testing.T, src relay.Source, pub relay.Publisher) *Forwarder {
	t.Helper()
	f, err := New(src, pub, metrics.NewRegistry(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.reconnectEvery = time.Millisecond
	return f
}

func TestForwardValidation(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{}
	f := newTestForwarder(t, src, pub)

	ctx := context.Background()

	// Empty and whitespace payloads are skipped.
	f.forward(ctx, relay.Event{Channel: "match_change", Payload: nil})
	f.forward(ctx, relay.Event{Channel: "match_change", Payload: []byte("   ")})
	if pub.count() != 0 {
		t.Fatalf("published %d events for empty payloads, want 0", pub.count())
	}

	// Malformed JSON is dropped.
	f.forward(ctx, relay.Event{Channel: "match_change", Payload: []byte(`{"broken":`)})
	if pub.count() != 0 {
		t.Fatalf("published %d events for invalid JSON, want 0", pub.count())
	}

	// Valid JSON goes through untouched.
	f.forward(ctx, relay.Event{Channel: "match_change", Payload: []byte(`{"id":9}`)})
	if pub.count() != 1 {
		t.Fatalf("published %d events, want 1", pub.count())
	}
	pub.mu.Lock()
	got := pub.published[0]
	pub.mu.Unlock()
	if got.Channel != "match_change" || string(got.Payload) != `{"id":9}` {
		t.Fatalf("published %s on %s, want original event", got.Payload, got.Channel)
	}
}

func TestForwardDropsOnPublishFailure(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{err: fmt.Errorf("%w: connection refused", relay.ErrPublishFailed)}
	f := newTestForwarder(t, src, pub)

	// A publish failure must not panic or retry, just drop.
	f.forward(context.Background(), relay.Event{Channel: "match_change", Payload: []byte(`{}`)})
	if pub.count() != 0 {
		t.Fatalf("published %d events, want 0", pub.count())
	}
}

func TestRunRelaysEvents(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{}
	f := newTestForwarder(t, src, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(ctx) }()

	src.events <- relay.Event{Channel: "scoreboard_change", Payload: []byte(`{"home":7}`)}
	waitFor(t, "event republished", func() bool { return pub.count() == 1 })

	cancel()
	select {
	case err := <-runDone:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRunFailsWhenInitialOpenFails(t *testing.T) {
	src := newFakeSource()
	src.setOpenErr(fmt.Errorf("%w: bad credentials", relay.ErrConnectFailed))
	f := newTestForwarder(t, src, &fakePublisher{})

	if err := f.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail when the subscription cannot open")
	}
}

func TestRunReopensDroppedSubscription(t *testing.T) {
	src := newFakeSource()
	src.runErr = fmt.Errorf("%w: server closed the connection", relay.ErrDisconnected)
	pub := &fakePublisher{}
	f := newTestForwarder(t, src, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	// First Run drops; the forwarder must reopen and keep relaying.
	waitFor(t, "subscription reopened", func() bool { return src.opens.Load() == 2 })

	src.events <- relay.Event{Channel: "playclock_change", Payload: []byte(`{"seconds":25}`)}
	waitFor(t, "event relayed after reopen", func() bool { return pub.count() == 1 })
}

func TestReopenGivesUpOnRejectedConnection(t *testing.T) {
	src := newFakeSource()
	src.runErr = fmt.Errorf("%w: server closed the connection", relay.ErrDisconnected)
	// The store rejects every reconnect outright: Run must return instead
	// of retrying forever.
	src.reopenErr = fmt.Errorf("%w: password authentication failed", relay.ErrConnectFailed)
	f := newTestForwarder(t, src, &fakePublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(ctx) }()

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatal("expected Run to fail on rejected reconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying a rejected connection")
	}
}
