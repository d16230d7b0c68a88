package repositories

import (
	"context"
	"time"

	"callguard/internal/core/ports"
	"callguard/internal/infrastructure/reliability"
	"callguard/internal/infrastructure/repositories/memory"
	redisrepo "callguard/internal/infrastructure/repositories/redis"
	sqlrepo "callguard/internal/infrastructure/repositories/sql"
	"callguard/pkg/circuitbreaker"
	"callguard/pkg/config"
	"callguard/pkg/retry"
	"callguard/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreFactory builds the blocklist store for the configured backend and
// falls back to memory when the backend can't be reached at startup.
type StoreFactory struct {
	backend     string
	redisClient *redis.Client
	db          *gorm.DB
	store       ports.BlocklistStore
	memory      *memory.MemoryBlocklistStore
	logger      *zap.SugaredLogger
}

// NewStoreFactory connects the configured backend. Remote backends are
// wrapped with retry and a circuit breaker.
func NewStoreFactory(cfg *config.Config, clock utils.Clock, logger *zap.SugaredLogger) (*StoreFactory, error) {
	f := &StoreFactory{backend: cfg.Store.Backend, logger: logger}

	switch cfg.Store.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory blocklist",
				"error", err,
			)
			break
		}
		f.redisClient = client
		f.store = f.wrap(cfg, "redis", redisrepo.NewRedisBlocklistStore(client, clock))

	case "sql":
		db, err := sqlrepo.Open(cfg.Store.SQL.Driver, cfg.Store.SQL.DSN)
		if err != nil {
			logger.Warnw("failed to open SQL store, falling back to memory blocklist",
				"driver", cfg.Store.SQL.Driver,
				"error", err,
			)
			break
		}
		f.db = db
		f.store = f.wrap(cfg, "sql", sqlrepo.NewSQLBlocklistStore(db, clock))
	}

	if f.store == nil {
		f.backend = "memory"
		f.memory = memory.NewMemoryBlocklistStore(clock)
		f.store = f.memory
	}

	logger.Infow("blocklist store ready", "backend", f.backend)
	return f, nil
}

func (f *StoreFactory) wrap(cfg *config.Config, backend string, store ports.BlocklistStore) ports.BlocklistStore {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.InitialDelay = 20 * time.Millisecond
	retryCfg.MaxDelay = 200 * time.Millisecond

	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.FailureThreshold = cfg.Store.Breaker.FailureThreshold
	cbCfg.Timeout = cfg.Store.Breaker.Timeout

	return reliability.NewBlocklistStoreWrapper(store, backend, retryCfg, cbCfg, f.logger)
}

// Store returns the blocklist store.
func (f *StoreFactory) Store() ports.BlocklistStore { return f.store }

// MemoryStore is non-nil only when the memory backend is in use, including
// after a fallback.
func (f *StoreFactory) MemoryStore() *memory.MemoryBlocklistStore { return f.memory }

// Backend is the backend actually in use after any fallback.
func (f *StoreFactory) Backend() string { return f.backend }

// RedisClient is non-nil only for the redis backend. The event bus and the
// sweep lock share it.
func (f *StoreFactory) RedisClient() *redis.Client { return f.redisClient }

// Close releases the backend connection.
func (f *StoreFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	if f.db != nil {
		sqlDB, err := f.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck pings the backend.
func (f *StoreFactory) HealthCheck(ctx context.Context) error {
	return f.store.Ping(ctx)
}
