package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/adapters/jobrunner"
	"github.com/target/mmk-queue/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	bootstrap.SetLogLevel(cfg.SlogLevel())

	logStartupInfo(ctx, logger, &cfg)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close store failed", "error", cerr)
		}
	}()

	services, err := bootstrap.NewServices(bootstrap.ServiceDeps{
		Config:   &cfg,
		Store:    store.Jobs,
		Registry: buildRegistry(&cfg, logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer services.Close()

	return bootstrap.RunServicesWithShutdown(ctx, &bootstrap.ServiceOrchestrationConfig{
		Config:   &cfg,
		Services: services,
		Logger:   logger,
	})
}

// buildRegistry returns the handlers this binary serves, or nil when none are
// enabled. Applications embedding the queue register their own handlers.
func buildRegistry(cfg *config.AppConfig, logger *slog.Logger) *jobrunner.Registry {
	if !cfg.Webhooks.Enabled {
		return nil
	}
	registry := jobrunner.NewRegistry()
	registry.Handle(cfg.Webhooks.Queue, jobrunner.WebhookJobName, jobrunner.NewWebhookHandler(jobrunner.WebhookOptions{
		Timeout:          cfg.Webhooks.Timeout,
		MaxResponseBytes: cfg.Webhooks.MaxResponseBytes,
	}))
	logger.Info("webhook handler registered", "queue", cfg.Webhooks.Queue, "job", jobrunner.WebhookJobName)
	return registry
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting mmk-queue",
		"store", cfg.Store,
		"enabled_services", bootstrap.GetEnabledServices(cfg),
		"worker_concurrency", cfg.Worker.Concurrency,
	)
}
