package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/bootstrap"
	"github.com/target/mmk-queue/internal/service"
)

// adminHandle is an AdminService plus whatever must be closed after the command.
type adminHandle struct {
	Admin *service.AdminService
	close func() error
}

func (h *adminHandle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

// infra opens connections lazily so --help works without a reachable store.
type infra interface {
	OpenAdmin(ctx context.Context) (*adminHandle, error)
	OpenDB(ctx context.Context) (*sql.DB, error)
}

type envInfra struct {
	logger *slog.Logger
}

func (e *envInfra) loadConfig() (*config.AppConfig, error) {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e *envInfra) OpenAdmin(ctx context.Context) (*adminHandle, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := bootstrap.OpenStore(ctx, cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	queue, err := service.NewQueueService(service.QueueServiceOptions{
		Store:       store.Jobs,
		DefaultLock: cfg.Worker.LockDuration,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	admin, err := service.NewAdminService(service.AdminServiceOptions{Queue: queue, Logger: e.logger})
	if err != nil {
		queue.Close()
		return nil, errors.Join(err, store.Close())
	}
	return &adminHandle{
		Admin: admin,
		close: func() error {
			queue.Close()
			return store.Close()
		},
	}, nil
}

func (e *envInfra) OpenDB(ctx context.Context) (*sql.DB, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := bootstrap.OpenPostgres(ctx, cfg.Postgres, e.logger)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}
