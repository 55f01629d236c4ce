package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/mmk-queue/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the worker dispatcher.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler promotes delayed jobs and recovers stalled ones.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeRetention runs the retention sweeper.
	ServiceModeRetention ServiceMode = "retention"
	// ServiceModeMetrics serves the Prometheus endpoint.
	ServiceModeMetrics ServiceMode = "metrics"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeRetention,
		ServiceModeMetrics,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeScheduler, ServiceModeRetention, ServiceModeMetrics:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, scheduler, retention, metrics)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// JobDefaultsConfig holds the values applied when a producer leaves an option unset.
type JobDefaultsConfig struct {
	MaxAttempts     int               `env:"JOB_DEFAULT_MAX_ATTEMPTS"      envDefault:"1"`
	MaxStalledCount int               `env:"JOB_DEFAULT_MAX_STALLED_COUNT" envDefault:"1"`
	BackoffType     model.BackoffType `env:"JOB_DEFAULT_BACKOFF_TYPE"      envDefault:""`
	BackoffDelay    time.Duration     `env:"JOB_DEFAULT_BACKOFF_DELAY"     envDefault:"0s"`
}

// Sanitize applies guardrails to job defaults.
func (j *JobDefaultsConfig) Sanitize() {
	if j.MaxAttempts < 1 {
		j.MaxAttempts = 1
	}
	if j.MaxStalledCount < 0 {
		j.MaxStalledCount = 0
	}
	if !j.BackoffType.Valid() {
		j.BackoffType = model.BackoffNone
	}
	if j.BackoffDelay < 0 {
		j.BackoffDelay = 0
	}
}

// WorkerConfig contains worker dispatcher configuration.
type WorkerConfig struct {
	// Queues restricts the dispatcher to these queues. Empty means every registered queue.
	Queues []string `env:"WORKER_QUEUES" envDefault:""`

	// Concurrency is the number of handlers that may run at once.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// LockDuration is how long a claim is valid without a heartbeat.
	LockDuration time.Duration `env:"WORKER_LOCK_DURATION" envDefault:"30s"`

	// PollInterval bounds an idle wait when no job-available signal arrives.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// JobTimeout is the handler timeout for jobs without their own.
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"5m"`

	// ErrorBackoff is the pause after a store error.
	ErrorBackoff time.Duration `env:"WORKER_ERROR_BACKOFF" envDefault:"1s"`

	// ClaimRate limits claims per second across the dispatcher. 0 disables the limit.
	ClaimRate float64 `env:"WORKER_CLAIM_RATE" envDefault:"0"`

	// ClaimBurst is the token bucket size when ClaimRate is set.
	ClaimBurst int `env:"WORKER_CLAIM_BURST" envDefault:"1"`

	// ShutdownGrace is how long running handlers may keep going after shutdown
	// starts. Handlers still running afterwards are cancelled and their jobs
	// released back to waiting without using an attempt.
	ShutdownGrace time.Duration `env:"WORKER_SHUTDOWN_GRACE" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.LockDuration < time.Second {
		w.LockDuration = time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = 5 * time.Minute
	}
	if w.ErrorBackoff < 10*time.Millisecond {
		w.ErrorBackoff = 10 * time.Millisecond
	}
	if w.ClaimRate < 0 {
		w.ClaimRate = 0
	}
	if w.ClaimBurst < 1 {
		w.ClaimBurst = 1
	}
	if w.ShutdownGrace < 0 {
		w.ShutdownGrace = 0
	}
	queues := w.Queues[:0]
	for _, q := range w.Queues {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	w.Queues = queues
}

// SchedulerConfig contains scheduler loop configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// PageSize bounds the jobs promoted and the jobs stall-recovered per tick.
	PageSize int `env:"SCHEDULER_PAGE_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < 10*time.Millisecond {
		s.Interval = 10 * time.Millisecond
	}
	if s.PageSize < 1 {
		s.PageSize = 1
	}
}

// RetentionConfig contains retention sweeper configuration.
type RetentionConfig struct {
	// Interval is the sweep interval. Ignored when Schedule is set.
	Interval time.Duration `env:"RETENTION_INTERVAL" envDefault:"5m"`

	// Schedule is an optional cron expression (robfig/cron syntax, descriptors allowed)
	// that replaces Interval.
	Schedule string `env:"RETENTION_SCHEDULE" envDefault:""`

	// BatchSize bounds deletions per queue and state per sweep.
	BatchSize int `env:"RETENTION_BATCH_SIZE" envDefault:"1000"`

	CompletedMaxAge   time.Duration `env:"RETENTION_COMPLETED_MAX_AGE"   envDefault:"24h"`
	CompletedMaxCount int           `env:"RETENTION_COMPLETED_MAX_COUNT" envDefault:"1000"`
	FailedMaxAge      time.Duration `env:"RETENTION_FAILED_MAX_AGE"      envDefault:"168h"` // 7 days
	FailedMaxCount    int           `env:"RETENTION_FAILED_MAX_COUNT"    envDefault:"5000"`

	// Overrides is a JSON object of per-queue policies, e.g.
	// {"emails":{"completed":{"max_age":"1h","max_count":100}}}.
	Overrides string `env:"RETENTION_OVERRIDES" envDefault:""`
}

// Sanitize applies guardrails to retention configuration values.
func (r *RetentionConfig) Sanitize() {
	if r.Interval < time.Second {
		r.Interval = time.Second
	}
	r.Schedule = strings.TrimSpace(r.Schedule)
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
	r.CompletedMaxAge = max(r.CompletedMaxAge, 0)
	r.FailedMaxAge = max(r.FailedMaxAge, 0)
	r.CompletedMaxCount = max(r.CompletedMaxCount, 0)
	r.FailedMaxCount = max(r.FailedMaxCount, 0)
	r.Overrides = strings.TrimSpace(r.Overrides)
}

// CronSchedule parses Schedule. It returns nil when no schedule is configured.
func (r *RetentionConfig) CronSchedule() (cron.Schedule, error) {
	if r.Schedule == "" {
		return nil, nil //nolint:nilnil // no schedule configured
	}
	sched, err := cron.ParseStandard(r.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid RETENTION_SCHEDULE %q: %w", r.Schedule, err)
	}
	return sched, nil
}

// RetentionPolicies resolves the policy for a queue and terminal state.
type RetentionPolicies struct {
	Completed model.RetentionPolicy
	Failed    model.RetentionPolicy
	PerQueue  map[string]map[model.JobState]model.RetentionPolicy
}

// For returns the override for queue/state when present, else the default.
func (p RetentionPolicies) For(queue string, state model.JobState) model.RetentionPolicy {
	if byState, ok := p.PerQueue[queue]; ok {
		if policy, ok := byState[state]; ok {
			return policy
		}
	}
	if state == model.JobStateFailed {
		return p.Failed
	}
	return p.Completed
}

type policyJSON struct {
	MaxAge   string `json:"max_age"`
	MaxCount int    `json:"max_count"`
}

// ParsedOverrides decodes Overrides.
func (r *RetentionConfig) ParsedOverrides() (map[string]map[model.JobState]model.RetentionPolicy, error) {
	if r.Overrides == "" {
		return nil, nil //nolint:nilnil // no overrides configured
	}
	var raw map[string]map[string]policyJSON
	if err := json.Unmarshal([]byte(r.Overrides), &raw); err != nil {
		return nil, fmt.Errorf("invalid RETENTION_OVERRIDES: %w", err)
	}

	out := make(map[string]map[model.JobState]model.RetentionPolicy, len(raw))
	for queue, byState := range raw {
		out[queue] = make(map[model.JobState]model.RetentionPolicy, len(byState))
		for stateName, pj := range byState {
			state := model.JobState(stateName)
			if !state.Terminal() {
				return nil, fmt.Errorf("invalid RETENTION_OVERRIDES: %s: state %q is not terminal", queue, stateName)
			}
			var policy model.RetentionPolicy
			if pj.MaxAge != "" {
				d, err := time.ParseDuration(pj.MaxAge)
				if err != nil || d < 0 {
					return nil, fmt.Errorf("invalid RETENTION_OVERRIDES: %s/%s: max_age %q", queue, stateName, pj.MaxAge)
				}
				policy.MaxAge = d
			}
			if pj.MaxCount < 0 {
				return nil, fmt.Errorf("invalid RETENTION_OVERRIDES: %s/%s: max_count must be >= 0", queue, stateName)
			}
			policy.MaxCount = pj.MaxCount
			out[queue][state] = policy
		}
	}
	return out, nil
}

// Policies builds the resolved retention policies.
func (r *RetentionConfig) Policies() (RetentionPolicies, error) {
	overrides, err := r.ParsedOverrides()
	if err != nil {
		return RetentionPolicies{}, err
	}
	return RetentionPolicies{
		Completed: model.RetentionPolicy{MaxAge: r.CompletedMaxAge, MaxCount: r.CompletedMaxCount},
		Failed:    model.RetentionPolicy{MaxAge: r.FailedMaxAge, MaxCount: r.FailedMaxCount},
		PerQueue:  overrides,
	}, nil
}

// WebhooksConfig controls the built-in HTTP delivery handler.
type WebhooksConfig struct {
	Enabled bool `env:"WEBHOOKS_ENABLED" envDefault:"false"`

	// Queue the handler is registered on.
	Queue string `env:"WEBHOOKS_QUEUE" envDefault:"webhooks"`

	// Timeout bounds one HTTP request.
	Timeout time.Duration `env:"WEBHOOKS_TIMEOUT" envDefault:"10s"`

	// MaxResponseBytes is how much of the response body is kept in the job result.
	MaxResponseBytes int `env:"WEBHOOKS_MAX_RESPONSE_BYTES" envDefault:"4096"`
}

// Sanitize applies guardrails to webhook configuration values.
func (w *WebhooksConfig) Sanitize() {
	w.Queue = strings.TrimSpace(w.Queue)
	if w.Queue == "" {
		w.Queue = "webhooks"
	}
	if w.Timeout <= 0 {
		w.Timeout = 10 * time.Second
	}
	if w.MaxResponseBytes < 0 {
		w.MaxResponseBytes = 0
	}
}
