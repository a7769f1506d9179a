// Package forward implements the relay process core: one upstream
// change subscription republished, event by event, onto the message bus.
// The forwarder holds no per-client state and is safe to restart at any
// time; clients are attached to workers, not to this process.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/validator"
)

// DefaultReconnectInterval is the fixed retry interval after the
// upstream subscription drops.
const DefaultReconnectInterval = 5 * time.Second

// Forwarder owns one relay.Source and republishes every event it emits
// through a relay.Publisher.
type Forwarder struct {
	source         relay.Source
	publisher      relay.Publisher
	logger         *zap.Logger
	registry       *metrics.Registry
	reconnectEvery time.Duration
}

// New creates a Forwarder.
func New(source relay.Source, publisher relay.Publisher, registry *metrics.Registry, logger *zap.Logger) (*Forwarder, error) {
	f := Forwarder{
		source:         source,
		publisher:      publisher,
		logger:         logger.Named("forwarder"),
		registry:       registry,
		reconnectEvery: DefaultReconnectInterval,
	}

	if err := validator.Validate("forwarder", f.source, f.publisher, f.registry, f.logger); err != nil {
		return nil, fmt.Errorf("failed to validate forwarder deps: %w", err)
	}

	return &f, nil
}

// Run opens the upstream subscription on the full channel set and relays
// until ctx is cancelled. A dropped subscription is reopened every
// reconnect interval, indefinitely; only an authentication or
// configuration rejection is fatal, in which case Run returns and the
// process exits for an external supervisor to restart.
func (f *Forwarder) Run(ctx context.Context) error {
	f.source.OnEvent(f.forward)

	if err := f.source.Open(ctx, relay.Channels); err != nil {
		return fmt.Errorf("failed to open change subscription: %w", err)
	}
	f.registry.RecordSubscription("source", "open")

	defer func() {
		if err := f.source.Close(); err != nil {
			f.logger.Warn("failed to close change subscription", zap.Error(err))
		}
	}()

	for {
		err := f.source.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		f.logger.Warn("change subscription dropped", zap.Error(err))
		f.registry.RecordSubscription("source", "lost")

		if err := f.reopen(ctx); err != nil {
			return err
		}
	}
}

// forward republishes one event. Publish failures drop the event and
// keep the relay going: delivery is fire-and-forget by design.
func (f *Forwarder) forward(ctx context.Context, ev relay.Event) {
	if len(bytes.TrimSpace(ev.Payload)) == 0 {
		f.logger.Warn("empty payload received, skipping", zap.String("channel", ev.Channel))
		return
	}

	if !json.Valid(ev.Payload) {
		f.logger.Error("failed to decode payload, dropping",
			zap.String("channel", ev.Channel),
			zap.Int("payload_bytes", len(ev.Payload)),
		)
		return
	}

	if err := f.publisher.Publish(ctx, ev.Channel, ev.Payload); err != nil {
		f.logger.Error("failed to republish event",
			zap.String("channel", ev.Channel),
			zap.Error(err),
		)
		return
	}

	f.logger.Debug("forwarded event", zap.String("channel", ev.Channel))
}

// reopen retries the upstream subscription on the fixed interval until
// it opens, ctx is cancelled, or the store rejects the connection
// outright.
func (f *Forwarder) reopen(ctx context.Context) error {
	_ = f.source.Close()

	ticker := time.NewTicker(f.reconnectEvery)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := f.source.Open(ctx, relay.Channels)
		f.registry.RecordReconnect("source", err)
		if err == nil {
			f.logger.Info("change subscription reopened", zap.Int("attempt", attempt))
			f.registry.RecordSubscription("source", "open")
			return nil
		}

		if errors.Is(err, relay.ErrConnectFailed) {
			return fmt.Errorf("unrecoverable subscription failure: %w", err)
		}

		f.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
