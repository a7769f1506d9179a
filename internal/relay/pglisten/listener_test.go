package pglisten

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"relay/internal/relay"
)

func TestNewRequiresConnString(t *testing.T) {
	if _, err := New("", zap.NewNop()); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}

func TestOpenRequiresChannels(t *testing.T) {
	l, err := New("postgres://localhost:5432/statsboard", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Open(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty channel set")
	}
}

func TestOpenFailsOnBadConnString(t *testing.T) {
	l, err := New("not a conn string", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = l.Open(context.Background(), relay.Channels)
	if err == nil {
		t.Fatal("expected connect error")
	}
	// A malformed URL is not an authentication rejection.
	if errors.Is(err, relay.ErrConnectFailed) {
		t.Fatalf("err = %v, should not be ErrConnectFailed", err)
	}
}

func TestRunRequiresOpen(t *testing.T) {
	l, err := New("postgres://localhost:5432/statsboard", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.OnEvent(func(context.Context, relay.Event) {})

	if err := l.Run(context.Background()); err == nil {
		t.Fatal("expected error running an unopened subscription")
	}
}

func TestCloseBeforeOpenIsNoop(t *testing.T) {
	l, err := New("postgres://localhost:5432/statsboard", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close before Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFatalConnectError(t *testing.T) {
	if !fatalConnectError(&pgconn.PgError{Code: "28P01"}) {
		t.Fatal("password authentication failure should be fatal")
	}
	if !fatalConnectError(&pgconn.PgError{Code: "28000"}) {
		t.Fatal("invalid authorization should be fatal")
	}
	if fatalConnectError(&pgconn.PgError{Code: "57P01"}) {
		t.Fatal("admin shutdown is transient, not fatal")
	}
	if fatalConnectError(errors.New("dial tcp: connection refused")) {
		t.Fatal("plain network errors are transient, not fatal")
	}
}
