package cache

import (
	"buttonsync/internal/model"
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StatsCache keeps deployment-wide rendezvous counters
type StatsCache interface {
	Record(ctx context.Context, ev model.StatsEvent) error
	Snapshot(ctx context.Context) (*model.Stats, error)
}

type statsCache struct {
	client *redis.Client
}

// NewStatsCache creates Redis-backed counters shared by every server instance
func NewStatsCache(client *redis.Client) StatsCache {
	return &statsCache{client: client}
}

func (c *statsCache) key() string {
	return "buttonsync:stats"
}

func (c *statsCache) Record(ctx context.Context, ev model.StatsEvent) error {
	return c.client.HIncrBy(ctx, c.key(), string(ev), 1).Err()
}

func (c *statsCache) Snapshot(ctx context.Context) (*model.Stats, error) {
	fields, err := c.client.HGetAll(ctx, c.key()).Result()
	if err != nil {
		return nil, err
	}
	stats := &model.Stats{}
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		stats.Add(model.StatsEvent(field), n)
	}
	return stats, nil
}

type memoryStats struct {
	mu    sync.Mutex
	stats model.Stats
}

// NewMemoryStats creates process-local counters
func NewMemoryStats() StatsCache {
	return &memoryStats{}
}

func (m *memoryStats) Record(ctx context.Context, ev model.StatsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Add(ev, 1)
	return nil
}

func (m *memoryStats) Snapshot(ctx context.Context) (*model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	return &s, nil
}
