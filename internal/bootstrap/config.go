package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/mmk-queue/config"
)

// logLevel backs every logger built by InitLogger so the level can change
// after config is loaded.
var logLevel = new(slog.LevelVar)

// InitLogger installs a JSON logger on stdout as the slog default. It logs
// at info until SetLogLevel is called.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func SetLogLevel(level slog.Level) { logLevel.Set(level) }

// LoadConfig reads an optional .env file, then the environment, and returns
// a sanitized and validated AppConfig.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env file: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ValidateServiceConfig fails unless SERVICES parses and names at least one service.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	if len(GetEnabledServices(cfg)) > 0 {
		return nil
	}
	if _, err := cfg.GetEnabledServices(); err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	return errors.New("no services enabled")
}

// GetEnabledServices lists enabled service names in sorted order. An
// unparsable SERVICES value yields an empty list.
func GetEnabledServices(cfg *config.AppConfig) []string {
	names := []string{}
	if cfg == nil {
		return names
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return names
	}
	for svc, on := range services {
		if on {
			names = append(names, string(svc))
		}
	}
	slices.Sort(names)
	return names
}
