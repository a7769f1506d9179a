// Package pglisten implements the upstream subscription client: one
// persistent Postgres connection running LISTEN on the relayed channel
// set, surfacing notifications to a single registered handler.
package pglisten

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/validator"
)

const closeTimeout = 5 * time.Second

// Listener is a relay.Source backed by Postgres LISTEN/NOTIFY. It holds
// exactly one connection; the connection is never shared across
// processes or goroutines.
type Listener struct {
	connString string
	logger     *zap.Logger

	mu      sync.Mutex
	conn    *pgx.Conn
	handler relay.Handler
}

// New creates a Listener. The connection is not opened until Open.
func New(connString string, logger *zap.Logger) (*Listener, error) {
	l := Listener{
		connString: connString,
		logger:     logger.Named("pglisten"),
	}

	if err := validator.Validate("pg listener", l.connString, l.logger); err != nil {
		return nil, fmt.Errorf("failed to validate pg listener deps: %w", err)
	}

	return &l, nil
}

// Open connects to the store and issues LISTEN for every channel.
// Authentication and configuration rejections are wrapped with
// relay.ErrConnectFailed so the owner can tell fatal failures from
// transient ones.
func (l *Listener) Open(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("no channels to listen on")
	}

	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		if fatalConnectError(err) {
			return fmt.Errorf("%w: %v", relay.ErrConnectFailed, err)
		}
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("failed to listen on channel %s: %w", ch, err)
		}
		l.logger.Info("listening on channel", zap.String("channel", ch))
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Info("change subscription open", zap.Int("channels", len(channels)))

	return nil
}

// OnEvent registers the single consumer of notifications. Must be called
// before Run.
func (l *Listener) OnEvent(h relay.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Run blocks receiving notifications and invoking the handler in arrival
// order. It returns ctx.Err() on cancellation, nil after Close, and an
// error wrapping relay.ErrDisconnected when the connection drops.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	handler := l.handler
	l.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("subscription not open")
	}
	if handler == nil {
		return fmt.Errorf("no event handler registered")
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			l.mu.Lock()
			closed := l.conn == nil
			l.mu.Unlock()
			if closed {
				return nil
			}

			return fmt.Errorf("%w: %v", relay.ErrDisconnected, err)
		}

		handler(ctx, relay.Event{
			Channel:    n.Channel,
			Payload:    []byte(n.Payload),
			ObservedAt: time.Now().UTC(),
		})
	}
}

// Close releases the subscription connection. Safe to call more than
// once and safe to call before Open.
func (l *Listener) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := conn.Close(ctx); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}

	l.logger.Info("change subscription closed")

	return nil
}

// fatalConnectError reports whether a connect error is an authentication
// or authorization rejection (SQLSTATE class 28) that no amount of
// retrying will fix.
func fatalConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "28")
	}
	return false
}
