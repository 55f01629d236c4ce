package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data"
	"github.com/target/mmk-queue/internal/data/memstore"
	"github.com/target/mmk-queue/internal/data/redisstore"
)

// Store is an opened job record store and the connections behind it.
type Store struct {
	Jobs  core.JobStore
	DB    *sql.DB               // set for the postgres backend
	Redis redis.UniversalClient // set for the redis backend
}

// Close releases the store's connections.
func (s *Store) Close() error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenStore connects the backend selected by STORE_BACKEND. For postgres,
// migrations run first when DB_RUN_MIGRATIONS_ON_START is set.
func OpenStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Store {
	case config.StoreBackendRedis:
		client, err := OpenRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		jobs := redisstore.New(client, redisstore.Options{
			Prefix: "{" + cfg.Redis.KeyPrefix + "}",
			Logger: logger,
		})
		return &Store{Jobs: jobs, Redis: client}, nil

	case config.StoreBackendPostgres:
		db, err := OpenPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.RunMigrationsOnStart {
			if err := Migrate(ctx, db, logger); err != nil {
				return nil, errors.Join(err, db.Close())
			}
		}
		return &Store{Jobs: data.NewJobRepo(db, data.RepoConfig{Logger: logger}), DB: db}, nil

	case config.StoreBackendMemory:
		logger.WarnContext(ctx, "using in-memory job store; jobs are lost on exit")
		return &Store{Jobs: memstore.New()}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
