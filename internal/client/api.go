package client

import (
	"buttonsync/internal/model"
	"context"
)

// API is the subset of the rendezvous service a client drives
type API interface {
	CreateSession(ctx context.Context) (*model.CreateSessionResponse, error)
	PressButton(ctx context.Context, code string, role model.Role) (*model.PressResult, error)
	// GetSession returns nil, nil when the session does not exist
	GetSession(ctx context.Context, code string) (*model.SessionView, error)
	ResetSession(ctx context.Context, code, token string) error
}
