package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls chan string
	err   error
	sleep time.Duration
}

func (s *stubWaiter) WaitForJob(ctx context.Context, queue string) error {
	select {
	case s.calls <- queue:
	default:
	}

	if s.sleep > 0 {
		timer := time.NewTimer(s.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe("emails")
	defer unsub()

	select {
	case q := <-waiter.calls:
		assert.Equal(t, "emails", q)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_WaitWindowWakesSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 8), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	defer notifier.StopAll()

	_, ch := notifier.Subscribe("reports")
	select {
	case <-ch:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected wake-up after the wait window elapsed")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 1)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe("emails")

	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsubA, chA := notifier.Subscribe("a")
	unsubB, chB := notifier.Subscribe("b")

	for range 2 {
		select {
		case <-waiter.calls:
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected waiter to be invoked")
		}
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chA, chB} {
		// A buffered wake-up may precede the close.
		deadline := time.After(200 * time.Millisecond)
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					break drain
				}
			case <-deadline:
				t.Fatal("expected channel to close after StopAll")
			}
		}
	}

	unsubA()
	unsubB()
}
