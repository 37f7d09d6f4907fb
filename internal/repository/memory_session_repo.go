package repository

import (
	"buttonsync/internal/model"
	"context"
	"sync"
	"time"
)

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

// NewMemorySessionRepo creates a process-local store for development and tests.
// Sessions are not shared between server instances.
func NewMemorySessionRepo() Store {
	return &memorySessionRepo{
		sessions: make(map[string]*model.Session),
	}
}

func (r *memorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.SessionID]; ok {
		return ErrDuplicateCode
	}
	r.sessions[session.SessionID] = session.Clone()
	return nil
}

func (r *memorySessionRepo) GetByCode(ctx context.Context, code string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (r *memorySessionRepo) Mutate(ctx context.Context, code string, fn MutateFunc) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	next := s.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = s.Version + 1
	r.sessions[code] = next
	return next.Clone(), nil
}

func (r *memorySessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for code, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, code)
			n++
		}
	}
	return n, nil
}
