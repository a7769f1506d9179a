// Package gateway exposes client streaming sessions over WebSocket.
// Its only contract with the relay core is "deliver event or detect
// session death": a client connects with its channel interests, gets a
// session registered with the connection manager, and is torn down the
// instant the socket closes or errors, on every exit path.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/conn"
	"relay/internal/validator"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For early development we accept any origin; tighten later.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire shape of one delivered event.
type envelope struct {
	Channel    string          `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Gateway accepts WebSocket clients and bridges them to the connection
// manager's sessions.
type Gateway struct {
	manager   *conn.Manager
	logger    *zap.Logger
	queueSize int
}

// New creates a Gateway serving sessions from the given manager.
func New(manager *conn.Manager, logger *zap.Logger) (*Gateway, error) {
	g := Gateway{
		manager:   manager,
		logger:    logger.Named("gateway"),
		queueSize: conn.DefaultQueueSize,
	}

	if err := validator.Validate("gateway", g.manager, g.logger); err != nil {
		return nil, fmt.Errorf("failed to validate gateway deps: %w", err)
	}

	return &g, nil
}

// Router returns the HTTP routes: GET /ws?channels=a,b upgrades to a
// streaming session.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", g.serveWS)
	return r
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	channels := splitChannels(r.URL.Query().Get("channels"))
	if len(channels) == 0 {
		http.Error(w, "missing channels query parameter", http.StatusBadRequest)
		return
	}
	for _, ch := range channels {
		if !relay.KnownChannel(ch) {
			http.Error(w, fmt.Sprintf("unknown channel: %s", ch), http.StatusBadRequest)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := g.manager.Register(channels, g.queueSize)
	if err != nil {
		g.logger.Warn("failed to register session", zap.Error(err))
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout),
		)
		_ = ws.Close()
		return
	}

	logger := g.logger.With(zap.String("session_id", session.ID()))
	logger.Info("client connected", zap.Strings("channels", channels))

	go g.writeLoop(ws, session, logger)
	g.readLoop(ws, session, logger)
}

// writeLoop pumps the session's delivery queue onto the socket and keeps
// the connection alive with pings. Any write failure ends the session.
func (g *Gateway) writeLoop(ws *websocket.Conn, session *conn.Session, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		g.manager.Remove(session.ID())
		_ = ws.Close()
	}()

	for {
		select {
		case <-session.Done():
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(writeTimeout),
			)
			return

		case ev := <-session.Events():
			body, err := json.Marshal(envelope{
				Channel:    ev.Channel,
				Payload:    ev.Payload,
				ObservedAt: ev.ObservedAt,
			})
			if err != nil {
				logger.Warn("failed to marshal envelope", zap.Error(err))
				continue
			}

			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, body); err != nil {
				logger.Info("client write failed, closing session", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Info("client ping failed, closing session", zap.Error(err))
				return
			}
		}
	}
}

// readLoop drains inbound frames to surface client disconnects. Clients
// send no application messages; a read error of any kind is a dead
// session.
func (g *Gateway) readLoop(ws *websocket.Conn, session *conn.Session, logger *zap.Logger) {
	defer g.manager.Remove(session.ID())

	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			logger.Info("client disconnected", zap.Error(err))
			return
		}
	}
}

func splitChannels(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
