package relay

import "context"

// Source is one persistent subscription to the source store's
// change-notification channels. A Source does not self-heal: when the
// connection drops, Run returns ErrDisconnected and the owner (the relay
// forwarder or a worker's failover controller) decides the reconnect
// policy. This keeps reconnect policy centralized rather than duplicated.
type Source interface {
	// Open establishes the subscription for the given channels. It
	// returns an error wrapping ErrConnectFailed when the store rejects
	// the connection outright (bad credentials, bad configuration).
	// Open may be called again after a failed Run to re-establish the
	// subscription.
	Open(ctx context.Context, channels []string) error

	// OnEvent registers the single consumer. The handler is invoked once
	// per notification, in the order received from the store.
	OnEvent(h Handler)

	// Run blocks receiving notifications until ctx is cancelled, Close is
	// called, or the connection drops. An unexpected drop is reported as
	// an error wrapping ErrDisconnected.
	Run(ctx context.Context) error

	// Close releases the subscription connection. Idempotent.
	Close() error
}
