// Package redisbus implements the message-bus client on Redis pub/sub.
// One instance owns one Redis connection per worker. Publishing is
// fire-and-forget and the receive side holds no buffer: anything
// published while this client is disconnected is lost, not delayed.
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/validator"
)

// channelPrefix namespaces the store's notification channels on the bus,
// keeping them apart from unrelated Redis traffic.
const channelPrefix = "pg_notify:"

// DefaultReconnectInterval is the fixed probe interval after a lost bus
// connection. Each attempt is independent: no backoff, no retry cap. The
// bus is cheap to probe and prompt recovery beats politeness here.
const DefaultReconnectInterval = 5 * time.Second

// Bus is a relay.Bus backed by Redis pub/sub.
type Bus struct {
	client         *redis.Client
	logger         *zap.Logger
	registry       *metrics.Registry
	reconnectEvery time.Duration

	mu        sync.Mutex
	pubsub    *redis.PubSub
	callbacks map[string]relay.Handler
	channels  []string

	health chan relay.Health
}

// New creates a Bus from a Redis connection URL
// (e.g. redis://localhost:6379/0). The connection is lazy; the first
// Publish or Subscribe dials.
func New(redisURL string, registry *metrics.Registry, logger *zap.Logger) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", relay.ErrConnectFailed, err)
	}

	b := Bus{
		client:         redis.NewClient(opt),
		logger:         logger.Named("redisbus"),
		registry:       registry,
		reconnectEvery: DefaultReconnectInterval,
		callbacks:      make(map[string]relay.Handler),
		health:         make(chan relay.Health, 16),
	}

	if err := validator.Validate("redis bus", b.client, b.registry, b.logger); err != nil {
		return nil, fmt.Errorf("failed to validate redis bus deps: %w", err)
	}

	return &b, nil
}

// Publish implements relay.Publisher. Failures mean the message is gone;
// the caller logs and moves on.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channelPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe opens the receive-side subscription and confirms it with the
// server before returning.
func (b *Bus) Subscribe(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("no channels to subscribe to")
	}

	ps := b.client.Subscribe(ctx, prefixed(channels)...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}

	b.mu.Lock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.pubsub = ps
	b.channels = channels
	b.mu.Unlock()

	b.logger.Info("bus subscription open", zap.Strings("channels", channels))
	b.registry.RecordSubscription("bus", "open")

	return nil
}

// RegisterCallback installs the handler for a channel, replacing any
// previous one. At most one handler per channel per bus instance.
func (b *Bus) RegisterCallback(channel string, h relay.Handler) {
	b.mu.Lock()
	b.callbacks[channel] = h
	b.mu.Unlock()
	b.logger.Debug("registered bus callback", zap.String("channel", channel))
}

// UnregisterCallback removes the handler for a channel. Subsequent
// messages on the channel are dropped.
func (b *Bus) UnregisterCallback(channel string) {
	b.mu.Lock()
	delete(b.callbacks, channel)
	b.mu.Unlock()
	b.logger.Debug("unregistered bus callback", zap.String("channel", channel))
}

// Listen runs the receive loop until ctx is cancelled. Receive failures
// switch it into the reconnect loop: Health{Up: false} is reported once,
// then reconnection is probed every reconnect interval until the
// subscription is re-established, at which point Health{Up: true} is
// reported. Messages published elsewhere during the gap are lost.
func (b *Bus) Listen(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.mu.Lock()
		ps := b.pubsub
		b.mu.Unlock()

		if ps == nil {
			// Initial subscribe failed (or was never issued): treat as a
			// lost connection and probe.
			b.reportHealth(false)
			if err := b.reconnect(ctx); err != nil {
				return err
			}
			b.reportHealth(true)
			continue
		}

		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			b.logger.Warn("bus receive failed", zap.Error(err))
			b.registry.RecordSubscription("bus", "lost")
			b.reportHealth(false)
			if err := b.reconnect(ctx); err != nil {
				return err
			}
			b.reportHealth(true)
			continue
		}

		b.handle(ctx, msg.Channel, []byte(msg.Payload))
	}
}

// Health implements relay.Bus.Health.
func (b *Bus) Health() <-chan relay.Health {
	return b.health
}

// Close releases the subscription and the client connection. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			b.logger.Warn("failed to close bus subscription", zap.Error(err))
		}
		b.registry.RecordSubscription("bus", "close")
	}

	if err := b.client.Close(); err != nil && err != redis.ErrClosed {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// handle dispatches one received message to its registered callback.
func (b *Bus) handle(ctx context.Context, busChannel string, payload []byte) {
	channel := strings.TrimPrefix(busChannel, channelPrefix)

	b.mu.Lock()
	h, ok := b.callbacks[channel]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("no callback registered for channel", zap.String("channel", channel))
		return
	}

	h(ctx, relay.Event{
		Channel:    channel,
		Payload:    payload,
		ObservedAt: time.Now().UTC(),
	})
}

// reconnect probes the bus on the fixed interval until the subscription
// is re-established or ctx is cancelled. The previously registered
// channel set is re-issued before the caller signals health-restored.
func (b *Bus) reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
	}
	channels := b.channels
	b.mu.Unlock()

	if len(channels) == 0 {
		channels = relay.Channels
	}

	ticker := time.NewTicker(b.reconnectEvery)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := b.client.Ping(ctx).Err(); err != nil {
			b.logger.Warn("bus reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			b.registry.RecordReconnect("bus", err)
			continue
		}

		if err := b.Subscribe(ctx, channels); err != nil {
			b.logger.Warn("bus resubscribe attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			b.registry.RecordReconnect("bus", err)
			continue
		}

		b.logger.Info("bus reconnected", zap.Int("attempt", attempt))
		b.registry.RecordReconnect("bus", nil)
		return nil
	}
}

// reportHealth forwards a connectivity transition without ever blocking
// the receive loop on a slow consumer.
func (b *Bus) reportHealth(up bool) {
	select {
	case b.health <- relay.Health{Up: up}:
	default:
		b.logger.Warn("health channel full, dropping transition", zap.Bool("up", up))
	}
}

func prefixed(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelPrefix+ch)
	}
	return out
}
