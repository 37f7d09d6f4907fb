package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a rendezvous session
type SessionStatus string

const (
	SessionWaiting               SessionStatus = "waiting"
	SessionSuccess               SessionStatus = "success"
	SessionFailedTimeout         SessionStatus = "failed_timeout"
	SessionFailedNotSimultaneous SessionStatus = "failed_not_simultaneous"
)

// IsTerminal reports whether no further press is accepted until a reset
func (s SessionStatus) IsTerminal() bool {
	return s != SessionWaiting
}

// Role identifies which participant a press belongs to
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleHelper
)

// ParseRole accepts "user" or "helper" (case-insensitive)
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "helper":
		return RoleHelper, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleHelper:
		return "helper"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) {
	if r != RoleUser && r != RoleHelper {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Session is the persisted rendezvous record
type Session struct {
	SessionID       string        `json:"sessionId" bson:"sessionId"`
	UserPressed     bool          `json:"userPressed" bson:"userPressed"`
	HelperPressed   bool          `json:"helperPressed" bson:"helperPressed"`
	UserPressedAt   *time.Time    `json:"userPressedAt,omitempty" bson:"userPressedAt,omitempty"`
	HelperPressedAt *time.Time    `json:"helperPressedAt,omitempty" bson:"helperPressedAt,omitempty"`
	Status          SessionStatus `json:"status" bson:"status"`
	CreatedAt       time.Time     `json:"createdAt" bson:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt" bson:"expiresAt"`
	// Version is bumped on every write; stores use it for compare-and-swap.
	Version int64 `json:"version" bson:"version"`
}

// NewSession builds a fresh waiting session
func NewSession(code string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		SessionID: code,
		Status:    SessionWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired reports whether now is past the session's expiry. A press at exactly
// ExpiresAt is still on time.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Pressed reports whether the role has pressed
func (s *Session) Pressed(role Role) bool {
	switch role {
	case RoleUser:
		return s.UserPressed
	case RoleHelper:
		return s.HelperPressed
	}
	return false
}

// PressedAt returns the role's press time, nil if it has not pressed
func (s *Session) PressedAt(role Role) *time.Time {
	switch role {
	case RoleUser:
		return s.UserPressedAt
	case RoleHelper:
		return s.HelperPressedAt
	}
	return nil
}

// Press records a press for role at the given time, overwriting an earlier press by
// the same role. Flag and timestamp are always set together.
func (s *Session) Press(role Role, at time.Time) {
	t := at
	switch role {
	case RoleUser:
		s.UserPressed = true
		s.UserPressedAt = &t
	case RoleHelper:
		s.HelperPressed = true
		s.HelperPressedAt = &t
	}
}

// BothPressed reports whether both roles have a recorded press
func (s *Session) BothPressed() bool {
	return s.UserPressed && s.HelperPressed && s.UserPressedAt != nil && s.HelperPressedAt != nil
}

// PressGap is the absolute distance between the two presses. Only meaningful
// when BothPressed is true.
func (s *Session) PressGap() time.Duration {
	if !s.BothPressed() {
		return 0
	}
	d := s.UserPressedAt.Sub(*s.HelperPressedAt)
	if d < 0 {
		d = -d
	}
	return d
}

// Reset clears both presses and returns the session to waiting. Id, creation
// time and expiry are kept.
func (s *Session) Reset() {
	s.UserPressed = false
	s.HelperPressed = false
	s.UserPressedAt = nil
	s.HelperPressedAt = nil
	s.Status = SessionWaiting
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.UserPressedAt != nil {
		t := *s.UserPressedAt
		c.UserPressedAt = &t
	}
	if s.HelperPressedAt != nil {
		t := *s.HelperPressedAt
		c.HelperPressedAt = &t
	}
	return &c
}

// Observed returns a copy whose status reflects read-time expiry: a waiting
// session past its expiry is reported as failed_timeout.
func (s *Session) Observed(now time.Time) *Session {
	c := s.Clone()
	if c.Status == SessionWaiting && c.IsExpired(now) {
		c.Status = SessionFailedTimeout
	}
	return c
}

// SessionView is the wire form of a session with millisecond timestamps
type SessionView struct {
	SessionID       string        `json:"sessionId"`
	UserPressed     bool          `json:"userPressed"`
	HelperPressed   bool          `json:"helperPressed"`
	UserPressedAt   *int64        `json:"userPressedAt,omitempty"`
	HelperPressedAt *int64        `json:"helperPressedAt,omitempty"`
	Status          SessionStatus `json:"status"`
	CreatedAt       int64         `json:"createdAt"`
	ExpiresAt       int64         `json:"expiresAt"`
	// Version increases with every stored write; subscribers use it to order snapshots
	Version int64 `json:"version"`
}

// View converts the session to its wire form
func (s *Session) View() *SessionView {
	v := &SessionView{
		SessionID:     s.SessionID,
		UserPressed:   s.UserPressed,
		HelperPressed: s.HelperPressed,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt.UnixMilli(),
		ExpiresAt:     s.ExpiresAt.UnixMilli(),
		Version:       s.Version,
	}
	if s.UserPressedAt != nil {
		ms := s.UserPressedAt.UnixMilli()
		v.UserPressedAt = &ms
	}
	if s.HelperPressedAt != nil {
		ms := s.HelperPressedAt.UnixMilli()
		v.HelperPressedAt = &ms
	}
	return v
}

// PeerPressed reports whether the other participant has pressed
func (v *SessionView) PeerPressed(self Role) bool {
	if self == RoleUser {
		return v.HelperPressed
	}
	return v.UserPressed
}

// PressResult is returned by a press
type PressResult struct {
	Success bool          `json:"success"`
	Status  SessionStatus `json:"status"`
}

// PressRequest is the request body for a press
type PressRequest struct {
	Role Role `json:"role"`
}

// CreateSessionResponse is returned when a session is minted
type CreateSessionResponse struct {
	SessionID      string `json:"sessionId"`
	InitiatorToken string `json:"initiatorToken"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// ResetSessionResponse is returned after a reset
type ResetSessionResponse struct {
	SessionID string `json:"sessionId"`
}
