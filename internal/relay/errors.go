package relay

import "errors"

var (
	// ErrConnectFailed marks an initial connection failure (unreachable
	// endpoint, bad credentials). Fatal: requires operator intervention,
	// never auto-retried.
	ErrConnectFailed = errors.New("connect failed")

	// ErrDisconnected marks an established connection that later dropped.
	// The owning component retries on a fixed interval, indefinitely.
	ErrDisconnected = errors.New("disconnected")

	// ErrPublishFailed marks a publish attempted while the bus connection
	// is down. The event is dropped and logged; publishing is
	// fire-and-forget.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSessionBroken marks a single client session whose transport
	// failed or whose delivery queue is saturated. Isolated to that
	// session, never propagated to dispatch.
	ErrSessionBroken = errors.New("session broken")
)
