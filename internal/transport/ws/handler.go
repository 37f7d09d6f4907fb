package ws

import (
	"buttonsync/internal/model"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin may subscribe
	},
}

// SessionReader loads the current snapshot for a new subscriber
type SessionReader interface {
	GetSession(ctx context.Context, code string) (*model.Session, error)
}

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	sessions SessionReader
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, sessions SessionReader) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
	}
}

// SessionWS handles GET /v1/ws/sessions/{code}
func (h *Handler) SessionWS(w http.ResponseWriter, r *http.Request) {
	code, err := model.NormalizeCode(mux.Vars(r)["code"])
	if err != nil {
		http.Error(w, `{"error":"invalid session code"}`, http.StatusBadRequest)
		return
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		SessionID: code,
		Send:      make(chan []byte, 16),
		Hub:       h.hub,
	}

	// Registered before the read; the hub drops the snapshot if a newer one
	// was already sent.
	h.hub.Register(conn)

	session, err := h.sessions.GetSession(r.Context(), code)
	if err != nil {
		h.hub.Unregister(conn)
		log.Error().Err(err).Str("session_id", code).Msg("failed to load session for subscriber")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unregister(conn)
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	// An unknown session is reported and closed.
	if session == nil {
		h.hub.Unregister(conn)
		payload, _ := json.Marshal(map[string]string{"error": model.ErrSessionNotFound.Error()})
		data, _ := json.Marshal(&Message{Type: MsgError, Payload: payload})
		wsConn.SetWriteDeadline(time.Now().Add(writeWait))
		wsConn.WriteMessage(websocket.TextMessage, data)
		wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session not found"))
		wsConn.Close()
		return
	}
	h.hub.Deliver(conn, session.View())

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		wsConn.Close()
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		// Subscribers are read-only; incoming frames only keep the connection alive.
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsConn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
