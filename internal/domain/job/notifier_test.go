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
	calls chan struct{}
	err   error
	sleep time.Duration
}

func (s *stubWaiter) WaitForNotification(ctx context.Context) error {
	select {
	case s.calls <- struct{}{}:
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
	waiter := &stubWaiter{calls: make(chan struct{}, 4), sleep: 5 * time.Millisecond}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe()
	defer unsub()

	select {
	case <-waiter.calls:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 1), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe()
	unsub()
	unsub() // second call is a no-op

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("expected closed channel")
	}
}

func TestNotifier_ErrorBacksOffAndKeepsBroadcasting(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 8), err: errors.New("listen failed")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 5 * time.Millisecond})
	require.NoError(t, err)
	defer notifier.StopAll()

	_, ch := notifier.Subscribe()
	for range 2 {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected repeated notifications despite waiter errors")
		}
	}
}

func TestNotifier_StopAllClosesSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 1), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	_, a := notifier.Subscribe()
	_, b := notifier.Subscribe()
	notifier.StopAll()

	for _, ch := range []<-chan struct{}{a, b} {
		_, ok := <-ch
		assert.False(t, ok)
	}
}
