package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/adapters/jobrunner"
	"github.com/target/mmk-queue/internal/core"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/prom"
	"github.com/target/mmk-queue/internal/observability/statsd"
	"github.com/target/mmk-queue/internal/observability/tracing"
	"github.com/target/mmk-queue/internal/service"
)

// shutdownTimeout bounds flushing observability exporters on exit.
const shutdownTimeout = 10 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Queue         *service.QueueService
	Scheduler     *service.SchedulerService
	Retention     *service.RetentionService
	Admin         *service.AdminService
	Runner        *jobrunner.Runner // nil when no handler is registered
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	Metrics       statsd.Sink
	Statsd        *statsd.Client // nil when StatsD is disabled
	Prometheus    *prom.Sink
	MetricsConfig config.ObservabilityMetricsConfig
	shutdownTrace func(context.Context) error
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config   *config.AppConfig
	Store    core.JobStore
	Registry *jobrunner.Registry // Optional: handlers served by the worker
	Logger   *slog.Logger
}

// NewServices wires the queue services on top of an opened store.
func NewServices(deps ServiceDeps) (*ServiceContainer, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.Store == nil {
		return nil, errors.New("job store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	obs, err := buildObservability(cfg, logger)
	if err != nil {
		return nil, err
	}

	queue, err := service.NewQueueService(service.QueueServiceOptions{
		Store:       deps.Store,
		DefaultLock: cfg.Worker.LockDuration,
		Defaults: domainjob.Defaults{
			MaxAttempts:     cfg.Jobs.MaxAttempts,
			MaxStalledCount: cfg.Jobs.MaxStalledCount,
			Backoff:         model.Backoff{Type: cfg.Jobs.BackoffType, Delay: cfg.Jobs.BackoffDelay},
		},
		Metrics: obs.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue service: %w", err)
	}

	container := &ServiceContainer{Queue: queue, Observability: obs}
	if err := container.buildBackground(cfg, deps.Registry, logger); err != nil {
		container.Close()
		return nil, err
	}
	return container, nil
}

func (c *ServiceContainer) buildBackground(cfg *config.AppConfig, registry *jobrunner.Registry, logger *slog.Logger) error {
	var err error
	c.Scheduler, err = service.NewSchedulerService(service.SchedulerServiceOptions{
		Queue:   c.Queue,
		Config:  cfg.Scheduler,
		Logger:  logger,
		Metrics: c.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	c.Retention, err = service.NewRetentionService(service.RetentionServiceOptions{
		Queue:   c.Queue,
		Config:  cfg.Retention,
		Logger:  logger,
		Metrics: c.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create retention sweeper: %w", err)
	}

	c.Admin, err = service.NewAdminService(service.AdminServiceOptions{Queue: c.Queue, Logger: logger})
	if err != nil {
		return fmt.Errorf("create admin service: %w", err)
	}

	if registry != nil {
		c.Runner, err = jobrunner.NewRunner(jobrunner.RunnerOptions{
			Queue:    c.Queue,
			Registry: registry,
			Config:   cfg.Worker,
			Logger:   logger,
			Metrics:  c.Observability.Metrics,
			Tracer:   tracing.Tracer(),
		})
		if err != nil {
			return fmt.Errorf("create job runner: %w", err)
		}
	}
	return nil
}

func buildObservability(cfg *config.AppConfig, logger *slog.Logger) (ObservabilityContainer, error) {
	obs := ObservabilityContainer{MetricsConfig: cfg.Observability.Metrics}

	sinks := []statsd.Sink{}
	if cfg.Observability.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Observability.Metrics.StatsdAddress,
			Prefix:  cfg.Observability.Metrics.StatsdPrefix,
			Logger:  logger,
		})
		if err != nil {
			// Metrics must never block job processing.
			logger.Warn("statsd client unavailable", "error", err)
		} else {
			obs.Statsd = client
			sinks = append(sinks, client)
		}
	}
	if cfg.IsMetricsEnabled() {
		obs.Prometheus = prom.NewSink()
		sinks = append(sinks, obs.Prometheus)
	}
	obs.Metrics = statsd.NewFanout(sinks...)

	shutdown, err := tracing.Setup(tracing.Config{
		Exporter:    cfg.Observability.Tracing.Exporter,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		return obs, fmt.Errorf("setup tracing: %w", err)
	}
	obs.shutdownTrace = shutdown
	return obs, nil
}

// Close stops notifier listeners and flushes observability exporters.
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.Queue != nil {
		c.Queue.Close()
	}
	if c.Observability.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Observability.shutdownTrace(ctx); err != nil {
			slog.Default().Warn("tracer shutdown failed", "error", err)
		}
	}
	if c.Observability.Statsd != nil {
		if err := c.Observability.Statsd.Close(); err != nil {
			slog.Default().Warn("statsd close failed", "error", err)
		}
	}
}

// ServiceOrchestrationConfig contains dependencies for running services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

type backgroundTask struct {
	mode config.ServiceMode
	run  func(context.Context) error
}

// backgroundTasks returns the long-running loops for the enabled modes.
func backgroundTasks(enabled map[config.ServiceMode]bool, svc *ServiceContainer, logger *slog.Logger) []backgroundTask {
	var tasks []backgroundTask
	if enabled[config.ServiceModeWorker] {
		if svc.Runner == nil {
			logger.Warn("worker enabled but no job handlers are registered")
		} else {
			tasks = append(tasks, backgroundTask{mode: config.ServiceModeWorker, run: svc.Runner.Run})
		}
	}
	if enabled[config.ServiceModeScheduler] {
		tasks = append(tasks, backgroundTask{mode: config.ServiceModeScheduler, run: svc.Scheduler.Run})
	}
	if enabled[config.ServiceModeRetention] {
		tasks = append(tasks, backgroundTask{mode: config.ServiceModeRetention, run: svc.Retention.Run})
	}
	if enabled[config.ServiceModeMetrics] && svc.Observability.Prometheus != nil {
		srv := &prom.Server{
			Addr:    svc.Observability.MetricsConfig.PrometheusAddr,
			Handler: svc.Observability.Prometheus.Handler(),
			Logger:  logger,
		}
		tasks = append(tasks, backgroundTask{mode: config.ServiceModeMetrics, run: srv.Run})
	}
	return tasks
}

// RunServicesWithShutdown runs the enabled services until SIGINT or SIGTERM,
// or until one of them fails. Running handlers get WORKER_SHUTDOWN_GRACE to
// finish; jobs still running after that are released back to waiting.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	if cfg.Services == nil {
		return errors.New("service orchestration config missing services")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	tasks := backgroundTasks(enabled, cfg.Services, logger)
	if len(tasks) == 0 {
		return errors.New("no runnable services")
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	for _, task := range tasks {
		g.Go(func() error {
			logger.InfoContext(gctx, "service started", "service", task.mode)
			if err := task.run(gctx); err != nil {
				logger.ErrorContext(gctx, "service failed", "service", task.mode, "error", err)
				return fmt.Errorf("%s: %w", task.mode, err)
			}
			logger.InfoContext(gctx, "service stopped", "service", task.mode)
			return nil
		})
	}

	<-gctx.Done()
	if sigCtx.Err() != nil {
		logger.Info("shutdown signal received, draining services")
	}
	return g.Wait()
}
