package cache

import (
	"buttonsync/internal/model"
	"buttonsync/internal/repository"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// maxWatchAttempts bounds WATCH/MULTI retries on contention
const maxWatchAttempts = 16

type sessionStore struct {
	client    *redis.Client
	clock     clockwork.Clock
	retention time.Duration
}

// NewSessionStore creates a Redis-backed session store. Each key carries a TTL
// of the session's remaining lifetime plus retention, so Redis evicts abandoned
// sessions on its own.
func NewSessionStore(client *redis.Client, clock clockwork.Clock, retention time.Duration) repository.Store {
	return &sessionStore{
		client:    client,
		clock:     clock,
		retention: retention,
	}
}

func (c *sessionStore) key(code string) string {
	return fmt.Sprintf("buttonsync:session:%s", code)
}

func (c *sessionStore) ttl(s *model.Session) time.Duration {
	d := s.ExpiresAt.Sub(c.clock.Now()) + c.retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *sessionStore) Create(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ok, err := c.client.SetNX(ctx, c.key(session.SessionID), data, c.ttl(session)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrDuplicateCode
	}
	return nil
}

func (c *sessionStore) GetByCode(ctx context.Context, code string) (*model.Session, error) {
	data, err := c.client.Get(ctx, c.key(code)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *sessionStore) Mutate(ctx context.Context, code string, fn repository.MutateFunc) (*model.Session, error) {
	key := c.key(code)
	var out *model.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return model.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var session model.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}

		if err := fn(&session); err != nil {
			return err
		}
		session.Version++

		next, err := json.Marshal(&session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = &session
		return nil
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, repository.ErrConflict
}

// DeleteExpired is a no-op: key TTLs already evict expired sessions.
func (c *sessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
