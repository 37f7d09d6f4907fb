package ws

import (
	"buttonsync/internal/model"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MsgSession MessageType = "session"
	MsgError   MessageType = "error"
)

// Message is the WebSocket envelope format
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans session snapshots out to every connection watching that session
type Hub struct {
	// sessionId -> connection id -> conn
	conns map[string]map[string]*Connection

	mu sync.RWMutex

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	closeOnce  sync.Once
}

// Connection represents a WebSocket subscriber
type Connection struct {
	ID        string
	SessionID string
	Send      chan []byte
	Hub       *Hub

	// owned by the hub goroutine
	delivered   bool
	lastVersion int64
}

// BroadcastMessage is a message for the subscribers of a session, or only for
// Target when set
type BroadcastMessage struct {
	SessionID string
	Version   int64
	Target    *Connection
	Message   *Message
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	h := &Hub{
		conns:      make(map[string]map[string]*Connection),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, subs := range h.conns {
				for _, conn := range subs {
					close(conn.Send)
				}
			}
			h.conns = make(map[string]map[string]*Connection)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.conns[conn.SessionID] == nil {
				h.conns[conn.SessionID] = make(map[string]*Connection)
			}
			h.conns[conn.SessionID][conn.ID] = conn
			h.mu.Unlock()
			log.Debug().Str("session_id", conn.SessionID).Str("conn_id", conn.ID).Msg("subscriber connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.conns[conn.SessionID]; ok {
				if existing, ok := subs[conn.ID]; ok && existing == conn {
					delete(subs, conn.ID)
					close(conn.Send)
					if len(subs) == 0 {
						delete(h.conns, conn.SessionID)
					}
					log.Debug().Str("session_id", conn.SessionID).Str("conn_id", conn.ID).Msg("subscriber disconnected")
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			data, _ := json.Marshal(msg.Message)
			subs := h.conns[msg.SessionID]
			if msg.Target != nil {
				subs = nil
				if conn, ok := h.conns[msg.SessionID][msg.Target.ID]; ok && conn == msg.Target {
					subs = map[string]*Connection{conn.ID: conn}
				}
			}
			for _, conn := range subs {
				// A snapshot older than one already sent is stale.
				if conn.delivered && msg.Version < conn.lastVersion {
					continue
				}
				select {
				case conn.Send <- data:
					conn.delivered = true
					conn.lastVersion = msg.Version
				default:
					// Drop message if buffer full
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Subscribers returns how many connections watch a session
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Close stops the hub and closes every connection's send channel
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// BroadcastSession sends a snapshot to the session's subscribers (implements service.Broadcaster)
func (h *Hub) BroadcastSession(view *model.SessionView) {
	h.send(view, nil)
}

// Deliver sends a snapshot to one registered connection. It is dropped if the
// connection already received a newer version.
func (h *Hub) Deliver(conn *Connection, view *model.SessionView) {
	h.send(view, conn)
}

func (h *Hub) send(view *model.SessionView, target *Connection) {
	data, _ := json.Marshal(view)
	select {
	case h.broadcast <- &BroadcastMessage{
		SessionID: view.SessionID,
		Version:   view.Version,
		Target:    target,
		Message:   &Message{Type: MsgSession, Payload: data},
	}:
	case <-h.done:
	}
}
