package relay

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/carnifex/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookCounts struct {
	connects    int
	failures    []error
	disconnects []error
}

func (h *hookCounts) hooks() AttemptHooks {
	return AttemptHooks{
		OnConnect:    func() { h.connects++ },
		OnFail:       func(reason error) { h.failures = append(h.failures, reason) },
		OnDisconnect: func(reason error) { h.disconnects = append(h.disconnects, reason) },
	}
}

func TestAttemptTransitions(t *testing.T) {
	cases := []struct {
		name      string
		steps     func(a *Attempt)
		wantState State
		wantHooks hookCounts
	}{
		{
			name:      "idle",
			steps:     func(a *Attempt) {},
			wantState: StateIdle,
		},
		{
			name:      "connecting",
			steps:     func(a *Attempt) { _ = a.Begin() },
			wantState: StateConnecting,
		},
		{
			name: "connected",
			steps: func(a *Attempt) {
				_ = a.Begin()
				_ = a.Connect()
			},
			wantState: StateConnected,
			wantHooks: hookCounts{connects: 1},
		},
		{
			name: "failed",
			steps: func(a *Attempt) {
				_ = a.Begin()
				a.Fail(errBoom)
				a.Fail(errBoom)
				_ = a.Connect()
			},
			wantState: StateFailed,
			wantHooks: hookCounts{failures: []error{errBoom}},
		},
		{
			name: "disconnected",
			steps: func(a *Attempt) {
				_ = a.Begin()
				_ = a.Connect()
				a.Fail(errBoom)
				a.Disconnect(ErrConnectionDone)
				a.Disconnect(errBoom)
			},
			wantState: StateDisconnected,
			wantHooks: hookCounts{connects: 1, disconnects: []error{ErrConnectionDone}},
		},
		{
			name: "fail before begin",
			steps: func(a *Attempt) {
				a.Fail(errBoom)
				a.Disconnect(errBoom)
			},
			wantState: StateIdle,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := &hookCounts{}
			a, err := NewAttempt(0, nil, h.hooks())
			require.NoError(t, err)
			c.steps(a)
			assert.Equal(t, c.wantState, a.State())
			assert.Equal(t, c.wantHooks, *h)
		})
	}
}

func TestAttemptBeginTwice(t *testing.T) {
	a, err := NewAttempt(0, nil, AttemptHooks{})
	require.NoError(t, err)
	require.NoError(t, a.Begin())
	assert.ErrorIs(t, a.Begin(), ErrAttemptStarted)
}

func TestAttemptConnectWhenNotConnecting(t *testing.T) {
	a, err := NewAttempt(0, nil, AttemptHooks{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Connect(), ErrNotConnecting)
}

func TestAttemptTimeoutRequiresReactor(t *testing.T) {
	_, err := NewAttempt(time.Second, nil, AttemptHooks{})
	assert.ErrorIs(t, err, ErrNoReactor)
}

func TestAttemptTimesOut(t *testing.T) {
	mock := clock.NewMock()
	loop := reactor.New(reactor.WithClock(mock))
	h := &hookCounts{}
	a, err := NewAttempt(5*time.Second, loop, h.hooks())
	require.NoError(t, err)
	require.NoError(t, a.Begin())

	mock.Add(4 * time.Second)
	loop.Drain()
	assert.Equal(t, StateConnecting, a.State())

	mock.Add(time.Second)
	drainUntil(t, loop, func() bool { return a.State() == StateFailed })

	require.Len(t, h.failures, 1)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, h.failures[0], &timeoutErr)
	assert.Equal(t, 5*time.Second, timeoutErr.After)
	assert.True(t, timeoutErr.Timeout())

	assert.ErrorIs(t, a.Connect(), ErrNotConnecting)
	assert.Equal(t, 0, h.connects)
}

func TestAttemptConnectCancelsTimeout(t *testing.T) {
	mock := clock.NewMock()
	loop := reactor.New(reactor.WithClock(mock))
	h := &hookCounts{}
	a, err := NewAttempt(5*time.Second, loop, h.hooks())
	require.NoError(t, err)
	require.NoError(t, a.Begin())

	mock.Add(time.Second)
	loop.Drain()
	require.NoError(t, a.Connect())

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	loop.Drain()

	assert.Equal(t, StateConnected, a.State())
	assert.Empty(t, h.failures)
}

func TestAttemptFailCancelsTimeout(t *testing.T) {
	mock := clock.NewMock()
	loop := reactor.New(reactor.WithClock(mock))
	h := &hookCounts{}
	a, err := NewAttempt(5*time.Second, loop, h.hooks())
	require.NoError(t, err)
	require.NoError(t, a.Begin())

	a.Fail(errBoom)
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	loop.Drain()

	assert.Equal(t, []error{errBoom}, h.failures)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "unknown(9)", State(9).String())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateDisconnected.Terminal())
	assert.False(t, StateConnected.Terminal())
}
