package conn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"relay/internal/relay"
)

// Session is one connected streaming client: its channel interests and
// its outbound delivery queue. A Session is owned exclusively by the
// Manager from registration to removal.
type Session struct {
	id       string
	channels map[string]struct{}
	queue    chan relay.Event

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(channels []string, queueSize int) *Session {
	interests := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		interests[ch] = struct{}{}
	}

	return &Session{
		id:       uuid.NewString(),
		channels: interests,
		queue:    make(chan relay.Event, queueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the unique session id.
func (s *Session) ID() string {
	return s.id
}

// Wants reports whether the session subscribed to the channel.
func (s *Session) Wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

// Events is the session's outbound delivery queue. It is never closed;
// consumers select against Done.
func (s *Session) Events() <-chan relay.Event {
	return s.queue
}

// Done is closed when the session is removed from the manager.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue delivers one event without blocking. A closed session or a
// saturated queue returns an error wrapping relay.ErrSessionBroken so
// the caller can evict without stalling dispatch to other sessions.
func (s *Session) enqueue(ev relay.Event) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: session closed", relay.ErrSessionBroken)
	default:
	}

	select {
	case s.queue <- ev:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: session closed", relay.ErrSessionBroken)
	default:
		return fmt.Errorf("%w: delivery queue full", relay.ErrSessionBroken)
	}
}
