package events

import (
	"buttonsync/internal/model"
	"buttonsync/internal/service"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix namespaces session update subjects
const SubjectPrefix = "buttonsync.sessions"

// Config holds NATS connection settings
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default NATS settings
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Envelope is the message published for every session write
type Envelope struct {
	Origin  string             `json:"origin"`
	Session *model.SessionView `json:"session"`
}

// Subject returns the subject a session's updates are published on
func Subject(sessionID string) string {
	return SubjectPrefix + "." + sessionID
}

// SessionIDFromSubject extracts the session code from a subject
func SessionIDFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Bridge delivers updates to the local broadcaster and relays them through NATS
// so that subscribers connected to other instances see them too.
type Bridge struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	local  service.Broadcaster
	origin string
}

// NewBridge connects to NATS and starts relaying remote updates into local
func NewBridge(cfg Config, local service.Broadcaster) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name("buttonsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	b := &Bridge{
		nc:     nc,
		local:  local,
		origin: uuid.NewString(),
	}

	sub, err := nc.Subscribe(SubjectPrefix+".*", b.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to session updates: %w", err)
	}
	b.sub = sub

	log.Info().Str("url", cfg.URL).Str("origin", b.origin).Msg("session update bridge connected")
	return b, nil
}

// BroadcastSession implements service.Broadcaster
func (b *Bridge) BroadcastSession(view *model.SessionView) {
	b.local.BroadcastSession(view)

	data, err := Encode(b.origin, view)
	if err != nil {
		log.Error().Err(err).Str("session_id", view.SessionID).Msg("encode session update")
		return
	}
	if err := b.nc.Publish(Subject(view.SessionID), data); err != nil {
		log.Error().Err(err).Str("session_id", view.SessionID).Msg("publish session update")
	}
}

func (b *Bridge) handle(msg *nats.Msg) {
	env, err := Decode(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed session update")
		return
	}
	if !Relay(b.origin, msg.Subject, env) {
		return
	}
	b.local.BroadcastSession(env.Session)
}

// Close drains the subscription and closes the connection
func (b *Bridge) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe session updates")
		}
	}
	return b.nc.Drain()
}

// Encode builds the wire form of an update
func Encode(origin string, view *model.SessionView) ([]byte, error) {
	return json.Marshal(&Envelope{Origin: origin, Session: view})
}

// Decode parses an update
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Session == nil {
		return nil, fmt.Errorf("update without session")
	}
	return &env, nil
}

// Relay reports whether a received update should be handed to local
// subscribers: it must come from another instance and match its subject.
func Relay(self, subject string, env *Envelope) bool {
	if env.Origin == self {
		return false
	}
	id, ok := SessionIDFromSubject(subject)
	return ok && id == env.Session.SessionID
}
