package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/conn"
	"relay/internal/relay/metrics"
)

func newTestGateway(t *testing.T) (*Gateway, *conn.Manager, *httptest.Server) {
	t.Helper()

	manager, err := conn.NewManager(metrics.NewRegistry(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	gw, err := New(manager, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
	})

	return gw, manager, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRejectsMissingChannels(t *testing.T) {
	_, _, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRejectsUnknownChannel(t *testing.T) {
	_, _, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/ws?channels=not_a_channel")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestStreamsSubscribedEvents(t *testing.T) {
	_, manager, srv := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?channels=scoreboard_change,gameclock_change"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	waitFor(t, "session registered", func() bool { return manager.Len() == 1 })

	// An event on a subscribed channel arrives as a JSON envelope.
	manager.HandleEvent(context.Background(), relay.Event{
		Channel:    "scoreboard_change",
		Payload:    []byte(`{"home":14,"away":7}`),
		ObservedAt: time.Now().UTC(),
	})
	// An event on a channel the client never asked for must not arrive.
	manager.HandleEvent(context.Background(), relay.Event{
		Channel: "player_match_change",
		Payload: []byte(`{"player":3}`),
	})
	manager.HandleEvent(context.Background(), relay.Event{
		Channel:    "gameclock_change",
		Payload:    []byte(`{"seconds":99}`),
		ObservedAt: time.Now().UTC(),
	})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first envelope
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read first envelope: %v", err)
	}
	if first.Channel != "scoreboard_change" {
		t.Fatalf("first channel = %s, want scoreboard_change", first.Channel)
	}
	if string(first.Payload) != `{"home":14,"away":7}` {
		t.Fatalf("first payload = %s", first.Payload)
	}
	if first.ObservedAt.IsZero() {
		t.Fatal("observed_at missing from envelope")
	}

	var second envelope
	if err := ws.ReadJSON(&second); err != nil {
		t.Fatalf("read second envelope: %v", err)
	}
	if second.Channel != "gameclock_change" {
		t.Fatalf("second channel = %s, want gameclock_change (uninterested channel must be skipped)", second.Channel)
	}
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	_, manager, srv := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?channels=match_change"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, "session registered", func() bool { return manager.Len() == 1 })

	_ = ws.Close()

	waitFor(t, "session removed after disconnect", func() bool { return manager.Len() == 0 })
}

func TestEvictedSessionGetsCloseFrame(t *testing.T) {
	_, manager, srv := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?channels=match_change"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	waitFor(t, "session registered", func() bool { return manager.Len() == 1 })

	// Server-side eviction (here via shutdown) must surface to the client
	// as a close frame, not a hang.
	manager.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("read error = %v, want going-away close frame", err)
			}
			return
		}
	}
}

func TestSplitChannels(t *testing.T) {
	got := splitChannels(" scoreboard_change , ,gameclock_change ")
	if len(got) != 2 || got[0] != "scoreboard_change" || got[1] != "gameclock_change" {
		t.Fatalf("splitChannels = %v", got)
	}
	if got := splitChannels(""); got != nil {
		t.Fatalf("splitChannels(\"\") = %v, want nil", got)
	}
}

// Guard against the envelope wire shape drifting: the client contract is
// channel, payload, observed_at.
func TestEnvelopeWireShape(t *testing.T) {
	body, err := json.Marshal(envelope{
		Channel:    "match_change",
		Payload:    json.RawMessage(`{"id":1}`),
		ObservedAt: time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"channel":"match_change","payload":{"id":1},"observed_at":"2025-10-04T12:00:00Z"}`
	if string(body) != want {
		t.Fatalf("envelope = %s, want %s", body, want)
	}
}
