package jobrunner

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/target/mmk-queue/internal/domain/model"
)

// Handler processes one job attempt. A nil error completes the job with the
// returned result; any error counts as a failed attempt.
type Handler interface {
	Process(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// Process calls f(ctx, job).
func (f HandlerFunc) Process(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

type route struct {
	queue string
	name  string
}

// Registry maps (queue, job name) to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[route]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[route]Handler)}
}

// Handle registers h for jobs named name on queue, replacing any previous handler.
func (r *Registry) Handle(queue, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[route{queue: queue, name: name}] = h
}

// HandleFunc registers a function handler.
func (r *Registry) HandleFunc(queue, name string, f func(ctx context.Context, job *model.Job) (json.RawMessage, error)) {
	r.Handle(queue, name, HandlerFunc(f))
}

// Lookup returns the handler for queue/name.
func (r *Registry) Lookup(queue, name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[route{queue: queue, name: name}]
	return h, ok
}

// Queues lists the queues with at least one handler, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for rt := range r.handlers {
		if !slices.Contains(out, rt.queue) {
			out = append(out, rt.queue)
		}
	}
	slices.Sort(out)
	return out
}
