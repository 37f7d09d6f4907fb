package client

import (
	"buttonsync/internal/model"
	"errors"
	"fmt"
)

var (
	// ErrSessionGone means the session no longer exists (evicted or never created)
	ErrSessionGone = errors.New("session no longer exists")
	// ErrSessionTimedOut means the helper must ask for a fresh code
	ErrSessionTimedOut = errors.New("session timed out, ask for a new code")
)

// EventKind identifies something a client surfaces to its user
type EventKind string

const (
	EventSessionCreated  EventKind = "session_created"
	EventPressed         EventKind = "pressed"
	EventPeerPressed     EventKind = "peer_pressed"
	EventSuccess         EventKind = "success"
	EventNotSimultaneous EventKind = "not_simultaneous"
	EventReset           EventKind = "reset"
	EventTimedOut        EventKind = "timed_out"
	EventNotActive       EventKind = "not_active"
	EventError           EventKind = "error"
)

// Event is emitted to the Observer as the rendezvous progresses
type Event struct {
	Kind EventKind
	Code string
	// Attempt is the number of not-simultaneous failures so far, including this one
	Attempt int
	Err     error
}

// Observer receives client events. It must not block.
type Observer func(Event)

// Action is what a client does in response to an observed session
type Action int

const (
	ActionNone Action = iota
	ActionFinish
	ActionReset
	ActionRecreate
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFinish:
		return "finish"
	case ActionReset:
		return "reset"
	case ActionRecreate:
		return "recreate"
	case ActionAbort:
		return "abort"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// attemptKey identifies one decided attempt by its press timestamps, so a
// stale snapshot of an already handled failure is not acted on twice.
func attemptKey(v *model.SessionView) string {
	var u, h int64 = -1, -1
	if v.UserPressedAt != nil {
		u = *v.UserPressedAt
	}
	if v.HelperPressedAt != nil {
		h = *v.HelperPressedAt
	}
	return fmt.Sprintf("%d/%d", u, h)
}

// machine holds the state both roles track for their current code
type machine struct {
	role     model.Role
	code     string
	peerSeen bool
	failed   string
}

// track reports the peer press the first time it is seen
func (m *machine) track(v *model.SessionView) (Event, bool) {
	if v.Status == model.SessionWaiting && !v.UserPressed && !v.HelperPressed {
		m.peerSeen = false
	}
	if !m.peerSeen && v.PeerPressed(m.role) {
		m.peerSeen = true
		return Event{Kind: EventPeerPressed, Code: m.code}, true
	}
	return Event{}, false
}

// InitiatorMachine decides the initiator's reaction to session snapshots
type InitiatorMachine struct {
	machine
	Token    string
	Failures int
}

// NewInitiatorMachine starts tracking a freshly created session
func NewInitiatorMachine(created *model.CreateSessionResponse) *InitiatorMachine {
	m := &InitiatorMachine{machine: machine{role: model.RoleUser}}
	m.Start(created)
	return m
}

// Start switches to a new session code, clearing per-code state
func (m *InitiatorMachine) Start(created *model.CreateSessionResponse) {
	m.code = created.SessionID
	m.Token = created.InitiatorToken
	m.peerSeen = false
	m.failed = ""
}

// Code returns the session currently being driven
func (m *InitiatorMachine) Code() string { return m.code }

// Observe returns the action for a snapshot of the current session. A nil
// view means the session is gone.
func (m *InitiatorMachine) Observe(v *model.SessionView) (Action, []Event) {
	if v == nil {
		return ActionAbort, []Event{{Kind: EventError, Code: m.code, Err: ErrSessionGone}}
	}
	if v.SessionID != m.code {
		return ActionNone, nil
	}

	var events []Event
	if ev, ok := m.track(v); ok {
		events = append(events, ev)
	}

	switch v.Status {
	case model.SessionSuccess:
		return ActionFinish, append(events, Event{Kind: EventSuccess, Code: m.code, Attempt: m.Failures})
	case model.SessionFailedNotSimultaneous:
		key := attemptKey(v)
		if key == m.failed {
			return ActionNone, events
		}
		return ActionReset, append(events, Event{Kind: EventNotSimultaneous, Code: m.code, Attempt: m.Failures + 1})
	case model.SessionFailedTimeout:
		return ActionRecreate, append(events, Event{Kind: EventTimedOut, Code: m.code})
	}
	return ActionNone, events
}

// ResetDone records that the failed attempt in v was reset
func (m *InitiatorMachine) ResetDone(v *model.SessionView) {
	m.failed = attemptKey(v)
	m.Failures++
	m.peerSeen = false
}

// HelperMachine decides the helper's reaction to session snapshots
type HelperMachine struct {
	machine
}

// NewHelperMachine validates a human-entered code
func NewHelperMachine(raw string) (*HelperMachine, error) {
	code, err := model.NormalizeCode(raw)
	if err != nil {
		return nil, err
	}
	return &HelperMachine{machine: machine{role: model.RoleHelper, code: code}}, nil
}

// Code returns the normalized session code
func (m *HelperMachine) Code() string { return m.code }

// Observe returns the action for a snapshot. The helper has no authority to
// reset, so after a not-simultaneous attempt it waits for the initiator.
func (m *HelperMachine) Observe(v *model.SessionView) (Action, []Event) {
	if v == nil {
		return ActionAbort, []Event{{Kind: EventError, Code: m.code, Err: ErrSessionGone}}
	}

	var events []Event
	if ev, ok := m.track(v); ok {
		events = append(events, ev)
	}

	switch v.Status {
	case model.SessionSuccess:
		return ActionFinish, append(events, Event{Kind: EventSuccess, Code: m.code})
	case model.SessionFailedTimeout:
		return ActionAbort, append(events, Event{Kind: EventTimedOut, Code: m.code, Err: ErrSessionTimedOut})
	case model.SessionFailedNotSimultaneous:
		key := attemptKey(v)
		if key == m.failed {
			return ActionNone, events
		}
		m.failed = key
		return ActionNone, append(events, Event{Kind: EventNotSimultaneous, Code: m.code})
	case model.SessionWaiting:
		if m.failed != "" && !v.UserPressed && !v.HelperPressed {
			m.failed = ""
			return ActionNone, append(events, Event{Kind: EventReset, Code: m.code})
		}
	}
	return ActionNone, events
}
