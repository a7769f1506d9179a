package relay

import "context"

// Health is one bus connectivity transition, emitted by a Bus for its
// owner's failover logic. Up is only reported after the bus has
// reconnected AND re-issued its subscriptions.
type Health struct {
	Up bool
}

// Publisher is the send side of the message bus. Publishing is
// fire-and-forget: there is no delivery confirmation and no retry of the
// message itself.
type Publisher interface {
	// Publish sends one event payload on a named channel. It returns an
	// error wrapping ErrPublishFailed when the bus connection is down;
	// the caller drops the event and continues.
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Bus is a publish/subscribe connection to the intermediary message bus.
// Messages published while a subscriber is disconnected are lost, not
// delayed: the bus holds no buffer and offers no replay.
type Bus interface {
	Publisher

	// Subscribe opens the receive-side subscription for the given
	// channels. Listen re-issues the same subscription after every
	// reconnect.
	Subscribe(ctx context.Context, channels []string) error

	// RegisterCallback installs the handler for a channel. At most one
	// handler per channel per bus instance; registering again replaces
	// the previous handler.
	RegisterCallback(channel string, h Handler)

	// UnregisterCallback removes the handler for a channel. Messages
	// arriving for a channel with no handler are dropped.
	UnregisterCallback(channel string)

	// Listen runs the receive loop until ctx is cancelled. On receive
	// failure it reports Health{Up: false}, then retries reconnection on
	// a fixed interval indefinitely, reporting Health{Up: true} once the
	// subscription is re-established.
	Listen(ctx context.Context) error

	// Health streams connectivity transitions for the failover
	// controller.
	Health() <-chan Health

	// Close releases the bus connection. Idempotent.
	Close() error
}
