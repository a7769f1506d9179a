// Package failover owns the worker's event-source selection: bus-mode
// when the message bus is healthy, a private upstream subscription when
// it is not. Dispatch is driven by exactly one source at any instant;
// switching over swaps the handler registration atomically rather than
// running both sources concurrently, so an event is never
// double-delivered across a transition. A short drop window during the
// swap is accepted; the system is best-effort with no replay.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/validator"
)

// State is the controller's position in the failover state machine.
type State string

const (
	// StateBusActive: dispatch is driven by the shared message bus.
	StateBusActive State = "BUS_ACTIVE"
	// StateFallingBack: bus lost, private subscription being opened.
	StateFallingBack State = "FALLING_BACK"
	// StateDirectActive: dispatch is driven by a private upstream
	// subscription; the bus keeps probing in the background.
	StateDirectActive State = "DIRECT_ACTIVE"
	// StateRecovering: bus restored, dispatch moving back to it.
	StateRecovering State = "RECOVERING"
)

// DefaultReconnectInterval is the fixed retry interval for the private
// upstream subscription.
const DefaultReconnectInterval = 5 * time.Second

// SourceFactory builds a private upstream subscription client for this
// worker. Called once per fallback so a stale connection is never
// reused.
type SourceFactory func() (relay.Source, error)

// Config selects bus-mode vs direct-mode at worker startup. There is no
// runtime reconfiguration.
type Config struct {
	// BusMode false runs the worker permanently on a private upstream
	// subscription; the bus is never engaged. This is a static
	// deployment choice, not a failure state.
	BusMode           bool          `env:"BUS_MODE" envDefault:"true"`
	ReconnectInterval time.Duration `env:"SOURCE_RECONNECT_INTERVAL" envDefault:"5s"`
}

// Controller monitors bus health and switches the dispatch handler
// between the bus and a private upstream subscription without touching
// client sessions.
type Controller struct {
	bus       relay.Bus
	newSource SourceFactory
	dispatch  relay.Handler
	logger    *zap.Logger
	registry  *metrics.Registry
	cfg       Config

	mu           sync.Mutex
	state        State
	source       relay.Source
	sourceCancel context.CancelFunc
	sourceDone   chan struct{}
}

// New creates a Controller. bus may be nil only when cfg.BusMode is
// false.
func New(
	bus relay.Bus,
	newSource SourceFactory,
	dispatch relay.Handler,
	registry *metrics.Registry,
	logger *zap.Logger,
	cfg Config,
) (*Controller, error) {
	c := Controller{
		bus:       bus,
		newSource: newSource,
		dispatch:  dispatch,
		logger:    logger.Named("failover"),
		registry:  registry,
		cfg:       cfg,
	}
	if c.cfg.ReconnectInterval <= 0 {
		c.cfg.ReconnectInterval = DefaultReconnectInterval
	}

	deps := []any{c.newSource, c.dispatch, c.registry, c.logger}
	if cfg.BusMode {
		deps = append(deps, c.bus)
	}
	if err := validator.Validate("failover controller", deps...); err != nil {
		return nil, fmt.Errorf("failed to validate failover controller deps: %w", err)
	}

	return &c, nil
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the state machine until ctx is cancelled. In bus mode it
// registers the dispatch handler on the bus, runs the bus receive loop,
// and reacts to health transitions; with bus mode disabled it runs the
// private subscription permanently.
func (c *Controller) Run(ctx context.Context) error {
	if !c.cfg.BusMode {
		c.enterState(StateDirectActive, "bus mode disabled")
		return c.runDirectOnly(ctx)
	}

	c.enterState(StateBusActive, "startup")
	for _, ch := range relay.Channels {
		c.bus.RegisterCallback(ch, c.dispatch)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A failed initial subscribe is a health problem, not a startup
		// failure: Listen reports unhealthy and probes until the bus
		// answers, and the watcher falls back in the meantime.
		if err := c.bus.Subscribe(gctx, relay.Channels); err != nil {
			c.logger.Warn("initial bus subscribe failed", zap.Error(err))
		}
		return c.bus.Listen(gctx)
	})

	g.Go(func() error {
		return c.watch(gctx)
	})

	err := g.Wait()
	c.stopPrivate()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// watch consumes bus health transitions and drives fallback/recovery.
// It is the single writer of the controller's state.
func (c *Controller) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h, ok := <-c.bus.Health():
			if !ok {
				return nil
			}
			if h.Up {
				c.recoverToBus()
			} else {
				c.fallBack(ctx)
			}
		}
	}
}

// fallBack handles BUS_ACTIVE -> FALLING_BACK -> DIRECT_ACTIVE. The bus
// callbacks are detached before the private subscription starts
// delivering, so the two sources never dispatch concurrently.
func (c *Controller) fallBack(ctx context.Context) {
	if !c.transition(StateBusActive, StateFallingBack, "bus unreachable") {
		return
	}

	for _, ch := range relay.Channels {
		c.bus.UnregisterCallback(ch)
	}

	src, err := c.openPrivate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Store rejected the connection: direct mode cannot work until an
		// operator intervenes. Stay in FALLING_BACK; a later bus recovery
		// still brings dispatch back.
		c.logger.Error("cannot open private subscription", zap.Error(err))
		return
	}

	srcCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.source = src
	c.sourceCancel = cancel
	c.sourceDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.runPrivate(srcCtx, src)
	}()

	c.transition(StateFallingBack, StateDirectActive, "private subscription open")
}

// recoverToBus handles DIRECT_ACTIVE -> RECOVERING -> BUS_ACTIVE. The
// private source is stopped and closed before dispatch is re-registered
// on the bus: the swap may drop events, never duplicate them.
func (c *Controller) recoverToBus() {
	from := c.State()
	if from != StateDirectActive && from != StateFallingBack {
		return
	}
	if !c.transition(from, StateRecovering, "bus restored") {
		return
	}

	c.stopPrivate()

	for _, ch := range relay.Channels {
		c.bus.RegisterCallback(ch, c.dispatch)
	}

	c.transition(StateRecovering, StateBusActive, "dispatch re-registered on bus")
}

// runDirectOnly runs the permanent direct-mode configuration: open the
// private subscription and keep it alive until shutdown.
func (c *Controller) runDirectOnly(ctx context.Context) error {
	src, err := c.openPrivate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to open upstream subscription: %w", err)
	}

	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warn("failed to close upstream subscription", zap.Error(err))
		}
	}()

	c.runPrivate(ctx, src)
	return ctx.Err()
}

// openPrivate opens a fresh private subscription on the full channel
// set, retrying on the fixed interval. The first attempt is immediate so
// fallback completes within one interval. An authentication or
// configuration rejection stops the retries.
func (c *Controller) openPrivate(ctx context.Context) (relay.Source, error) {
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		src, err := c.newSource()
		if err == nil {
			src.OnEvent(c.dispatch)
			err = src.Open(ctx, relay.Channels)
			if err == nil {
				c.registry.RecordSubscription("source", "open")
				return src, nil
			}
			_ = src.Close()
		}

		if errors.Is(err, relay.ErrConnectFailed) {
			return nil, err
		}

		c.logger.Warn("failed to open private subscription",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		c.registry.RecordReconnect("source", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runPrivate pumps the private subscription, reopening it on the fixed
// interval whenever it drops, until ctx is cancelled or the store
// rejects the connection outright.
func (c *Controller) runPrivate(ctx context.Context, src relay.Source) {
	for {
		err := src.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		c.logger.Warn("private subscription dropped", zap.Error(err))
		c.registry.RecordSubscription("source", "lost")
		_ = src.Close()

		ticker := time.NewTicker(c.cfg.ReconnectInterval)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}

			err := src.Open(ctx, relay.Channels)
			c.registry.RecordReconnect("source", err)
			if err == nil {
				c.logger.Info("private subscription reopened")
				c.registry.RecordSubscription("source", "open")
				break
			}
			if errors.Is(err, relay.ErrConnectFailed) {
				ticker.Stop()
				c.logger.Error("cannot reopen private subscription", zap.Error(err))
				return
			}
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
		ticker.Stop()
	}
}

// stopPrivate cancels and closes the private subscription, exactly once.
func (c *Controller) stopPrivate() {
	c.mu.Lock()
	src := c.source
	cancel := c.sourceCancel
	done := c.sourceDone
	c.source = nil
	c.sourceCancel = nil
	c.sourceDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if src != nil {
		if err := src.Close(); err != nil {
			c.logger.Warn("failed to close private subscription", zap.Error(err))
		}
		c.registry.RecordSubscription("source", "close")
	}
}

// enterState sets the initial state without recording a transition.
func (c *Controller) enterState(s State, reason string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	c.registry.SetMode(string(s))
	c.logger.Info("mode selected",
		zap.String("state", string(s)),
		zap.String("reason", reason),
	)
}

// transition moves from one state to another if the controller is still
// in the expected state; stale health signals are dropped.
func (c *Controller) transition(from, to State, reason string) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.registry.RecordModeTransition(string(from), string(to))
	c.logger.Info("mode transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)

	return true
}
