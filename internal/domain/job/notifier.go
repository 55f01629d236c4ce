package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired is returned by NewNotifier without a Waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the store signals that a queue may have a claimable job.
type Waiter interface {
	WaitForJob(ctx context.Context, queue string) error
}

// Notifier fans one store signal per queue out to any number of local subscribers.
type Notifier interface {
	Subscribe(queue string) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configures NewNotifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration // longest single wait; subscribers are woken when it elapses (default 5s)
	Backoff    time.Duration // pause after a failed wait (default 250ms)
}

// hub is the listener and subscriber set of one queue.
type hub struct {
	stop context.CancelFunc
	subs map[chan struct{}]struct{}
}

// DefaultNotifier runs one listener goroutine per queue that has subscribers.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu   sync.Mutex
	hubs map[string]*hub
}

// NewNotifier returns a DefaultNotifier backed by opts.Waiter.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		hubs:       make(map[string]*hub),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = 5 * time.Second
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe returns a channel that receives a value whenever queue may have
// work, and a function that closes it. The last unsubscribe of a queue stops
// its listener.
func (n *DefaultNotifier) Subscribe(queue string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h := n.hubs[queue]
	if h == nil {
		ctx, cancel := context.WithCancel(context.Background())
		h = &hub{stop: cancel, subs: make(map[chan struct{}]struct{})}
		n.hubs[queue] = h
		go n.listen(ctx, queue, h)
	}
	ch := make(chan struct{}, 1)
	h.subs[ch] = struct{}{}

	return func() { n.unsubscribe(queue, h, ch) }, ch
}

func (n *DefaultNotifier) unsubscribe(queue string, h *hub, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	closeDrained(ch)
	if len(h.subs) == 0 {
		h.stop()
		if n.hubs[queue] == h {
			delete(n.hubs, queue)
		}
	}
}

// StopAll stops every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for queue, h := range n.hubs {
		h.stop()
		for ch := range h.subs {
			delete(h.subs, ch)
			closeDrained(ch)
		}
		delete(n.hubs, queue)
	}
}

func (n *DefaultNotifier) listen(ctx context.Context, queue string, h *hub) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForJob(waitCtx, queue)
		cancel()

		// A window that elapses without a signal still wakes workers so they re-poll.
		n.wake(h)

		if err == nil || ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(n.backoff):
		}
	}
}

func (n *DefaultNotifier) wake(h *hub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// closeDrained discards a pending wake-up so receivers see the close at once.
// Callers hold n.mu, which keeps wake from refilling the buffer.
func closeDrained(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
	close(ch)
}

var _ Notifier = (*DefaultNotifier)(nil)
