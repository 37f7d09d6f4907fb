package service

import (
	"buttonsync/internal/cache"
	"buttonsync/internal/model"
	"buttonsync/internal/repository"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSimultaneityWindow is the largest press gap that still counts as together
	DefaultSimultaneityWindow = time.Second
	// DefaultSessionTTL bounds how long a session accepts presses
	DefaultSessionTTL = 5 * time.Minute

	maxCodeAttempts = 10
)

// SessionService arbitrates the two-party simultaneous press
type SessionService struct {
	repo        repository.SessionRepo
	stats       cache.StatsCache
	clock       clockwork.Clock
	window      time.Duration
	ttl         time.Duration
	generate    func() (string, error)
	broadcaster Broadcaster
}

// SessionOption customizes a SessionService
type SessionOption func(*SessionService)

// WithClock sets the time source
func WithClock(clock clockwork.Clock) SessionOption {
	return func(s *SessionService) { s.clock = clock }
}

// WithSimultaneityWindow sets the inclusive press gap limit
func WithSimultaneityWindow(d time.Duration) SessionOption {
	return func(s *SessionService) { s.window = d }
}

// WithSessionTTL sets the session lifetime
func WithSessionTTL(d time.Duration) SessionOption {
	return func(s *SessionService) { s.ttl = d }
}

// WithCodeGenerator replaces the random code source
func WithCodeGenerator(fn func() (string, error)) SessionOption {
	return func(s *SessionService) { s.generate = fn }
}

// NewSessionService creates a new session service
func NewSessionService(repo repository.SessionRepo, stats cache.StatsCache, opts ...SessionOption) *SessionService {
	s := &SessionService{
		repo:     repo,
		stats:    stats,
		clock:    clockwork.NewRealClock(),
		window:   DefaultSimultaneityWindow,
		ttl:      DefaultSessionTTL,
		generate: model.GenerateCode,
	}
	if s.stats == nil {
		s.stats = cache.NewMemoryStats()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBroadcaster sets the session update broadcaster
func (s *SessionService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// now truncates to milliseconds so every backend stores identical timestamps.
func (s *SessionService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// CreateSession mints a waiting session under a fresh code
func (s *SessionService) CreateSession(ctx context.Context) (*model.Session, error) {
	now := s.now()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session code: %w", err)
		}

		session := model.NewSession(code, now, s.ttl)
		err = s.repo.Create(ctx, session)
		if errors.Is(err, repository.ErrDuplicateCode) {
			log.Debug().Str("session_id", code).Msg("session code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}

		s.record(ctx, model.StatsCreated)
		log.Info().Str("session_id", code).Time("expires_at", session.ExpiresAt).Msg("session created")
		return session, nil
	}

	return nil, fmt.Errorf("failed to generate unique session code")
}

// PressButton records a press by role and decides the outcome once both roles
// have pressed. Checks run in order: existence, active status, expiry.
func (s *SessionService) PressButton(ctx context.Context, code string, role model.Role) (*model.PressResult, error) {
	if role != model.RoleUser && role != model.RoleHelper {
		return nil, model.ErrInvalidRole
	}
	now := s.now()

	var expired bool
	session, err := s.repo.Mutate(ctx, code, func(sess *model.Session) error {
		expired = false
		if sess.Status != model.SessionWaiting {
			return model.ErrSessionNotActive
		}
		if sess.IsExpired(now) {
			sess.Status = model.SessionFailedTimeout
			expired = true
			return nil
		}

		sess.Press(role, now)
		if sess.BothPressed() {
			if sess.PressGap() <= s.window {
				sess.Status = model.SessionSuccess
			} else {
				sess.Status = model.SessionFailedNotSimultaneous
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) || errors.Is(err, model.ErrSessionNotActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record press: %w", err)
	}

	s.publish(session)

	if expired {
		s.record(ctx, model.StatsTimedOut)
		log.Info().Str("session_id", code).Str("role", role.String()).Msg("press after expiry")
		return nil, model.ErrSessionExpired
	}

	switch session.Status {
	case model.SessionSuccess:
		s.record(ctx, model.StatsSucceeded)
	case model.SessionFailedNotSimultaneous:
		s.record(ctx, model.StatsNotSimultaneous)
	}
	if session.Status.IsTerminal() {
		log.Info().
			Str("session_id", code).
			Str("status", string(session.Status)).
			Dur("gap", session.PressGap()).
			Msg("rendezvous decided")
	}

	return &model.PressResult{
		Success: session.Status == model.SessionSuccess,
		Status:  session.Status,
	}, nil
}

// GetSession returns the session as observed now, or nil if unknown. Expiry is
// reported but not persisted.
func (s *SessionService) GetSession(ctx context.Context, code string) (*model.Session, error) {
	session, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	return session.Observed(s.now()), nil
}

// ResetSession clears both presses so the pair can retry under the same code.
// The expiry is not extended.
func (s *SessionService) ResetSession(ctx context.Context, code string) (*model.Session, error) {
	session, err := s.repo.Mutate(ctx, code, func(sess *model.Session) error {
		sess.Reset()
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reset session: %w", err)
	}

	s.record(ctx, model.StatsResets)
	s.publish(session)
	log.Info().Str("session_id", code).Msg("session reset")
	return session, nil
}

// Stats returns the deployment counters
func (s *SessionService) Stats(ctx context.Context) (*model.Stats, error) {
	return s.stats.Snapshot(ctx)
}

func (s *SessionService) record(ctx context.Context, ev model.StatsEvent) {
	if err := s.stats.Record(ctx, ev); err != nil {
		log.Error().Err(err).Str("event", string(ev)).Msg("failed to record stats")
	}
}

func (s *SessionService) publish(session *model.Session) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastSession(session.Observed(s.now()).View())
}
