package model

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is no longer active")
	ErrSessionExpired   = errors.New("session has expired")
	ErrInvalidCode      = errors.New("invalid session code")
	ErrInvalidRole      = errors.New("invalid role")
)
