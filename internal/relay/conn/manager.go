// Package conn owns the worker's client sessions and the dispatch table
// from channel name to interested sessions. Dispatch never depends on
// which source (bus or direct) produced an event; the failover
// controller re-points handler registration, the manager just fans out.
package conn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/validator"
)

// DefaultQueueSize is the per-session outbound queue depth. A session
// that falls this far behind is considered broken and evicted.
const DefaultQueueSize = 64

// Manager owns the set of active client sessions and dispatches events
// to every session interested in the event's channel. Delivery to each
// session is independent: one slow or broken session never blocks
// delivery to the others.
type Manager struct {
	logger   *zap.Logger
	registry *metrics.Registry

	mu        sync.RWMutex
	sessions  map[string]*Session
	interests map[string]map[string]*Session // channel -> session id -> session
	closed    bool
}

// NewManager creates a Manager with an empty dispatch table.
func NewManager(registry *metrics.Registry, logger *zap.Logger) (*Manager, error) {
	m := Manager{
		logger:    logger.Named("conn"),
		registry:  registry,
		sessions:  make(map[string]*Session),
		interests: make(map[string]map[string]*Session),
	}

	if err := validator.Validate("connection manager", m.registry, m.logger); err != nil {
		return nil, fmt.Errorf("failed to validate connection manager deps: %w", err)
	}

	return &m, nil
}

// Register creates a session subscribed to the given channel subset and
// adds it to the dispatch table. Every channel must belong to the
// relayed channel set.
func (m *Manager) Register(channels []string, queueSize int) (*Session, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("session requested no channels")
	}
	for _, ch := range channels {
		if !relay.KnownChannel(ch) {
			return nil, fmt.Errorf("unknown channel: %s", ch)
		}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := newSession(channels, queueSize)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection manager is shut down")
	}
	m.sessions[s.id] = s
	for ch := range s.channels {
		if m.interests[ch] == nil {
			m.interests[ch] = make(map[string]*Session)
		}
		m.interests[ch][s.id] = s
	}
	total := len(m.sessions)
	m.mu.Unlock()

	m.registry.SetSessionsActive(total)
	m.logger.Info("session registered",
		zap.String("session_id", s.id),
		zap.Strings("channels", channels),
		zap.Int("sessions", total),
	)

	return s, nil
}

// Remove drops a session from the dispatch table and releases its
// queue. Idempotent; called on every session exit path.
func (m *Manager) Remove(sessionID string) {
	m.remove(sessionID, "closed")
}

func (m *Manager) remove(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	for ch := range s.channels {
		delete(m.interests[ch], sessionID)
		if len(m.interests[ch]) == 0 {
			delete(m.interests, ch)
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	s.close()

	m.registry.SetSessionsActive(total)
	m.registry.RecordEviction(reason)
	m.logger.Info("session removed",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int("sessions", total),
	)
}

// HandleEvent is the dispatch handler the failover controller registers
// against whichever source is active. Events from a single source reach
// each session in arrival order; sessions that cannot accept delivery
// are evicted on the spot.
func (m *Manager) HandleEvent(_ context.Context, ev relay.Event) {
	m.mu.RLock()
	interested := make([]*Session, 0, len(m.interests[ev.Channel]))
	for _, s := range m.interests[ev.Channel] {
		interested = append(interested, s)
	}
	m.mu.RUnlock()

	var broken []string
	delivered := 0
	for _, s := range interested {
		if err := s.enqueue(ev); err != nil {
			m.logger.Warn("session cannot accept delivery, evicting",
				zap.String("session_id", s.id),
				zap.String("channel", ev.Channel),
				zap.Error(err),
			)
			broken = append(broken, s.id)
			continue
		}
		delivered++
	}

	for _, id := range broken {
		m.remove(id, "backpressure")
	}

	m.registry.RecordDispatch(ev.Channel, delivered)
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close force-removes every session. Used at worker shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.interests = make(map[string]map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
		m.registry.RecordEviction("shutdown")
	}
	m.registry.SetSessionsActive(0)

	m.logger.Info("connection manager closed", zap.Int("sessions_dropped", len(sessions)))
}
