package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallsRunInPostOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 200; i++ {
		i := i
		l.CallFromThread(func() { got = append(got, i) })
	}
	l.Drain()

	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRunAndCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New()

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	// posts from many goroutines are serialized onto the loop
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Call(ctx, func() { counter++ }))
		}()
	}
	wg.Wait()

	var seen int
	require.NoError(t, l.Call(ctx, func() { seen = counter }))
	assert.Equal(t, 50, seen)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStopDropsLaterCalls(t *testing.T) {
	l := New()
	l.Stop()
	l.Stop()

	called := false
	l.CallFromThread(func() { called = true })
	l.Drain()
	assert.False(t, called)
	assert.NoError(t, l.Run(context.Background()))
}

func TestPanicInCallbackDoesNotStopLoop(t *testing.T) {
	l := New()
	ran := false
	l.CallFromThread(func() { panic("boom") })
	l.CallFromThread(func() { ran = true })
	l.Drain()
	assert.True(t, ran)
}

func TestCallLater(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))

	fired := 0
	var dc DelayedCall
	l.CallFromThread(func() {
		dc = l.CallLater(5*time.Second, func() { fired++ })
	})
	l.Drain()
	assert.True(t, dc.Active())

	mock.Add(4 * time.Second)
	l.Drain()
	assert.Equal(t, 0, fired)

	mock.Add(1 * time.Second)
	require.Eventually(t, func() bool {
		l.Drain()
		return fired == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, dc.Active())
	assert.False(t, dc.Cancel())
}

func TestCancelledCallNeverRuns(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))

	fired := false
	dc := l.CallLater(time.Second, func() { fired = true })
	assert.True(t, dc.Cancel())
	assert.False(t, dc.Cancel())

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	l.Drain()
	assert.False(t, fired)
}

func TestCancelAfterTimerPostedStillWins(t *testing.T) {
	mock := clock.NewMock()
	l := New(WithClock(mock))

	fired := false
	dc := l.CallLater(time.Second, func() { fired = true })

	// let the timer post its call, but cancel before the loop runs it
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return l.calls.Len() > 0 }, 5*time.Second, time.Millisecond)
	assert.True(t, dc.Cancel())

	l.Drain()
	assert.False(t, fired)
}
