package bootstrap

import (
	"log/slog"
	"testing"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/adapters/jobrunner"
	"github.com/target/mmk-queue/internal/data/memstore"
)

func newTestContainer(t *testing.T, services string, registry *jobrunner.Registry) (*config.AppConfig, *ServiceContainer) {
	t.Helper()
	cfg := &config.AppConfig{Services: services, Store: config.StoreBackendMemory}
	cfg.Sanitize()
	svc, err := NewServices(ServiceDeps{Config: cfg, Store: memstore.New(), Registry: registry, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}
	t.Cleanup(svc.Close)
	return cfg, svc
}

func TestBackgroundTasks(t *testing.T) {
	withHandlers := jobrunner.NewRegistry()
	withHandlers.Handle("default", "noop", jobrunner.HandlerFunc(nil))

	tests := []struct {
		name     string
		services string
		registry *jobrunner.Registry
		want     []config.ServiceMode
	}{
		{
			name:     "scheduler only",
			services: "scheduler",
			want:     []config.ServiceMode{config.ServiceModeScheduler},
		},
		{
			name:     "worker without handlers is skipped",
			services: "worker,retention",
			want:     []config.ServiceMode{config.ServiceModeRetention},
		},
		{
			name:     "all services",
			services: "worker,scheduler,retention,metrics",
			registry: withHandlers,
			want: []config.ServiceMode{
				config.ServiceModeWorker,
				config.ServiceModeScheduler,
				config.ServiceModeRetention,
				config.ServiceModeMetrics,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, svc := newTestContainer(t, tt.services, tt.registry)
			enabled, err := cfg.GetEnabledServices()
			if err != nil {
				t.Fatalf("GetEnabledServices: %v", err)
			}

			tasks := backgroundTasks(enabled, svc, slog.Default())
			got := make([]config.ServiceMode, 0, len(tasks))
			for _, task := range tasks {
				got = append(got, task.mode)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("backgroundTasks modes = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("backgroundTasks modes = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestNewServices_RequiresStore(t *testing.T) {
	if _, err := NewServices(ServiceDeps{Config: &config.AppConfig{}}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "retention, worker"}
	got := GetEnabledServices(cfg)
	if len(got) != 2 || got[0] != "retention" || got[1] != "worker" {
		t.Fatalf("GetEnabledServices = %v", got)
	}
	if err := ValidateServiceConfig(&config.AppConfig{Services: "bogus"}); err == nil {
		t.Fatal("expected invalid service error")
	}
}
