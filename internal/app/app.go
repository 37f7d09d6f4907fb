package app

import (
	"buttonsync/internal/cache"
	"buttonsync/internal/config"
	"buttonsync/internal/repository"
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// App holds the storage backends selected by configuration
type App struct {
	Store repository.Store
	Stats cache.StatsCache

	mongo *mongo.Client
	redis *redis.Client
}

// New connects the configured backend and prepares it for use
func New(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*App, error) {
	a := &App{}
	var err error

	switch cfg.StoreBackend {
	case config.BackendMongo:
		err = a.connectMongo(ctx, cfg)
	case config.BackendRedis:
		err = a.connectRedis(ctx, cfg, clock)
	case config.BackendMemory:
		log.Warn().Msg("using in-memory session store, sessions are not shared between instances")
		a.Store = repository.NewMemorySessionRepo()
		a.Stats = cache.NewMemoryStats()
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) connectMongo(ctx context.Context, cfg *config.Config) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	a.mongo = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return fmt.Errorf("ping MongoDB: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	if err := repository.EnsureIndexes(ctx, db, cfg.SweepRetention); err != nil {
		return err
	}
	log.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")

	a.Store = repository.NewSessionRepo(db)
	// Counters stay process-local unless Redis is also reachable.
	a.Stats = cache.NewMemoryStats()
	if cfg.RedisURI != "" {
		if rdb, err := dialRedis(ctx, cfg.RedisURI); err == nil {
			a.redis = rdb
			a.Stats = cache.NewStatsCache(rdb)
		} else {
			log.Warn().Err(err).Msg("redis unavailable, stats are per instance")
		}
	}
	return nil
}

func (a *App) connectRedis(ctx context.Context, cfg *config.Config, clock clockwork.Clock) error {
	rdb, err := dialRedis(ctx, cfg.RedisURI)
	if err != nil {
		return err
	}
	a.redis = rdb
	log.Info().Str("addr", rdb.Options().Addr).Msg("connected to Redis")

	a.Store = cache.NewSessionStore(rdb, clock, cfg.SweepRetention)
	a.Stats = cache.NewStatsCache(rdb)
	return nil
}

func dialRedis(ctx context.Context, uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		// Accept a bare host:port as well.
		opts = &redis.Options{Addr: uri}
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping Redis: %w", err)
	}
	return rdb, nil
}

// Close releases backend connections
func (a *App) Close(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("close Redis")
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("disconnect MongoDB")
		}
	}
}
