// ABOUTME: WebSocket stream gateway: media intake and result push per session.
// ABOUTME: Enforces one connection per session and relays backpressure signals.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/interview-gateway/internal/media"
	"github.com/2389/interview-gateway/internal/session"
)

const (
	writeTimeout   = 5 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// Controller is the slice of the session manager the stream gateway uses.
type Controller interface {
	Get(id string) (*session.Session, bool)
	SubmitMedia(id string, chunk []byte) error
	EndOfTurn(ctx context.Context, id string) error
	AdvanceQuestion(ctx context.Context, id string) (*session.Question, error)
	Abandon(ctx context.Context, id string) error
}

// Gateway upgrades interview clients to WebSocket and runs their stream.
type Gateway struct {
	sessions Controller
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	connected map[string]bool
}

// NewGateway creates a stream gateway over the given session controller.
func NewGateway(sessions Controller, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sessions: sessions,
		logger:   logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connected: make(map[string]bool),
	}
}

// envelope is the outbound WebSocket message format.
type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// controlMessage is the inbound text-frame format.
type controlMessage struct {
	Type string `json:"type"`
}

// HandleSession serves the WebSocket stream for one session. A session
// holds at most one connection: a second connect attempt is rejected and
// the existing connection stays up.
func (g *Gateway) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	s, ok := g.sessions.Get(sessionID)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if s.Status().Terminal() {
		http.Error(w, `{"error":"session is closed"}`, http.StatusConflict)
		return
	}

	if !g.claim(sessionID) {
		http.Error(w, `{"error":"session already has a connection"}`, http.StatusConflict)
		return
	}
	defer g.release(sessionID)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	g.logger.Info("client connected", "session_id", sessionID)

	writeMu := &sync.Mutex{}
	g.send(conn, writeMu, &envelope{
		Type:      "connection_established",
		SessionID: sessionID,
		Timestamp: now(),
		Message:   "connected",
		Data:      s.Snapshot(),
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.writePump(ctx, cancel, conn, writeMu, s)
	g.readPump(ctx, conn, writeMu, sessionID)

	g.logger.Info("client disconnected", "session_id", sessionID)
}

// claim marks a session as connected. Returns false if already claimed.
func (g *Gateway) claim(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected[sessionID] {
		return false
	}
	g.connected[sessionID] = true
	return true
}

func (g *Gateway) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.connected, sessionID)
}

// readPump consumes inbound frames until the connection drops. Binary
// frames are media chunks; text frames are control messages.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, sessionID string) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read error", "session_id", sessionID, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			g.handleMedia(conn, writeMu, sessionID, data)
		case websocket.TextMessage:
			g.handleControl(ctx, conn, writeMu, sessionID, data)
		}
	}
}

// handleMedia submits a chunk and acks it. An overloaded pipeline turns
// into a slow-down status, not a disconnect: the client should pause and
// resend, nothing is lost by the rejection.
func (g *Gateway) handleMedia(conn *websocket.Conn, writeMu *sync.Mutex, sessionID string, data []byte) {
	err := g.sessions.SubmitMedia(sessionID, data)
	switch {
	case err == nil:
		g.send(conn, writeMu, &envelope{
			Type:      "data_received",
			SessionID: sessionID,
			Timestamp: now(),
			Data:      map[string]int{"bytes": len(data)},
		})
	case errors.Is(err, media.ErrOverloaded):
		g.send(conn, writeMu, &envelope{
			Type:      "status",
			SessionID: sessionID,
			Timestamp: now(),
			Message:   "analysis pipeline saturated, slow down",
		})
	default:
		g.send(conn, writeMu, &envelope{
			Type:      "error",
			SessionID: sessionID,
			Timestamp: now(),
			Message:   err.Error(),
			Data:      map[string]string{"error_code": errorCode(err)},
		})
	}
}

// errorCode names an error class for the wire so clients can branch
// without parsing messages.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, session.ErrNotEvaluated):
		return "not_evaluated"
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, media.ErrOverloaded):
		return "overloaded"
	default:
		return "internal"
	}
}

// handleControl dispatches a text-frame control message.
func (g *Gateway) handleControl(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, sessionID string, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.send(conn, writeMu, &envelope{
			Type: "error", SessionID: sessionID, Timestamp: now(),
			Message: "unreadable control message",
		})
		return
	}

	var err error
	switch msg.Type {
	case "end_of_turn":
		err = g.sessions.EndOfTurn(ctx, sessionID)
	case "next_question":
		_, err = g.sessions.AdvanceQuestion(ctx, sessionID)
	case "end_of_session":
		err = g.sessions.Abandon(ctx, sessionID)
	default:
		g.send(conn, writeMu, &envelope{
			Type: "error", SessionID: sessionID, Timestamp: now(),
			Message: "unknown control message type: " + msg.Type,
		})
		return
	}

	if err != nil {
		g.send(conn, writeMu, &envelope{
			Type: "error", SessionID: sessionID, Timestamp: now(),
			Message: err.Error(),
			Data:    map[string]string{"error_code": errorCode(err)},
		})
	}
}

// writePump forwards session events to the client and keeps the
// connection alive with pings.
func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writeMu *sync.Mutex, s *session.Session) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.Events():
			if evt == nil {
				return
			}
			if !g.send(conn, writeMu, &envelope{
				Type:      string(evt.Type),
				SessionID: s.ID,
				Timestamp: now(),
				Message:   evt.Message,
				Data:      evt.Data,
			}) {
				return
			}
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// send writes one envelope, serialized against concurrent writers.
// Returns false if the write failed and the connection should die.
func (g *Gateway) send(conn *websocket.Conn, writeMu *sync.Mutex, env *envelope) bool {
	writeMu.Lock()
	defer writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		g.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
