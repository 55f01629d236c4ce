package config

import (
	"strings"
)

const defaultObservabilityName = "mmk-queue"

// ObservabilityConfig groups configuration that controls metrics and tracing.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
	Tracing TracingConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Tracing.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to StatsD and the
// address of the Prometheus endpoint served by the metrics service.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"STATSD_ENABLED" envDefault:"false"`
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	StatsdPrefix  string `env:"STATSD_PREFIX"  envDefault:"mmk-queue"`
	// PrometheusAddr is where /metrics listens when the metrics service is enabled.
	PrometheusAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	c.StatsdPrefix = strings.TrimSpace(c.StatsdPrefix)
	if c.StatsdPrefix == "" {
		c.StatsdPrefix = defaultObservabilityName
	}
	c.PrometheusAddr = strings.TrimSpace(c.PrometheusAddr)
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}

// IsEnabled returns true when StatsD emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is "none" or "stdout".
	Exporter    string  `env:"TRACING_EXPORTER"     envDefault:"none"`
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1"`
}

// Sanitize normalises tracing configuration values.
func (c *TracingConfig) Sanitize() {
	c.Exporter = strings.ToLower(strings.TrimSpace(c.Exporter))
	if c.Exporter == "" {
		c.Exporter = "none"
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
}
