package relay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/inductor/local"
	"github.com/guseggert/carnifex/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointConnects(t *testing.T) {
	loop := reactor.New()
	ind := newFakeInductor()
	ep, err := NewEndpoint(loop, ind, "prog", []string{"-v"}, WithEnv("A=1"), WithWorkingDir("/tmp"))
	require.NoError(t, err)

	factory := &recordingFactory{}
	connected := ep.Connect(context.Background(), factory)
	l := ind.listener(t)
	req := <-ind.requests
	assert.Equal(t, inductor.Request{Executable: "prog", Args: []string{"-v"}, Env: []string{"A=1"}, WD: "/tmp"}, req)

	proc := &fakeProcess{}
	l.ProcessStarted(proc)
	l.ChildDataReceived(inductor.Stdout, []byte("a"))
	l.ChildDataReceived(inductor.Stderr, []byte("b"))
	drainUntil(t, loop, connected.Fired)

	p, err := connected.Result()
	require.NoError(t, err)
	assert.Same(t, factory.protocol, p)
	assert.Equal(t, ProcessAddr{Request: req}, factory.addrs[0])

	drainUntil(t, loop, func() bool { return len(factory.protocol.data) == 2 })
	assert.Equal(t, []string{"made", "data", "data"}, factory.protocol.events)
	assert.Equal(t, []string{"a", "b"}, factory.protocol.data)

	require.NoError(t, factory.protocol.transport.Write([]byte("in")))
	assert.Equal(t, []byte("in"), proc.stdin)

	// the process exiting closes the transport with the exit reason
	l.ProcessEnded(&inductor.ExitError{Code: 2})
	drainUntil(t, loop, func() bool { return len(factory.protocol.lost) == 1 })
	assert.Equal(t, &inductor.ExitError{Code: 2}, factory.protocol.lost[0])
	assert.True(t, proc.stdinClosed)
	assert.Empty(t, factory.failures)

	select {
	case <-ind.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt context was not canceled")
	}
}

func TestEndpointDescriptors(t *testing.T) {
	loop := reactor.New()
	ind := newFakeInductor()
	ep, err := NewEndpoint(loop, ind, "prog", nil, WithDescriptors(inductor.Stdout))
	require.NoError(t, err)

	factory := &recordingFactory{}
	connected := ep.Connect(context.Background(), factory)
	l := ind.listener(t)

	l.ProcessStarted(&fakeProcess{})
	l.ChildDataReceived(inductor.Stderr, []byte("err"))
	l.ChildDataReceived(inductor.Stdout, []byte("out"))
	l.ProcessEnded(nil)
	drainUntil(t, loop, func() bool { return connected.Fired() && factory.protocol != nil && len(factory.protocol.lost) == 1 })

	assert.Equal(t, []string{"out"}, factory.protocol.data)
	assert.ErrorIs(t, factory.protocol.lost[0], inductor.ErrProcessDone)
}

func TestEndpointTimeout(t *testing.T) {
	mock := clock.NewMock()
	loop := reactor.New(reactor.WithClock(mock))
	ind := newFakeInductor()
	ep, err := NewEndpoint(loop, ind, "prog", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)

	factory := &recordingFactory{}
	connected := ep.Connect(context.Background(), factory)
	l := ind.listener(t)

	mock.Add(5 * time.Second)
	drainUntil(t, loop, connected.Fired)

	_, err = connected.Result()
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Len(t, factory.failures, 1)
	assert.ErrorAs(t, factory.failures[0], &timeoutErr)

	// a process that starts after the timeout is killed and never connected
	proc := &fakeProcess{}
	l.ProcessStarted(proc)
	l.ChildDataReceived(inductor.Stdout, []byte("late"))
	drainUntil(t, loop, func() bool { return proc.killCount() == 1 })
	l.ProcessEnded(&inductor.ExitError{Code: -1})
	loop.Drain()

	assert.Equal(t, 0, factory.built)
	assert.Len(t, factory.failures, 1)

	select {
	case <-ind.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt context was not canceled")
	}
}

func TestEndpointSpawnError(t *testing.T) {
	loop := reactor.New()
	ind := newFakeInductor()
	ind.err = errBoom
	ep, err := NewEndpoint(loop, ind, "prog", nil)
	require.NoError(t, err)

	factory := &recordingFactory{}
	connected := ep.Connect(context.Background(), factory)
	drainUntil(t, loop, connected.Fired)

	_, err = connected.Result()
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), `spawning "prog"`)
	require.Len(t, factory.failures, 1)
	assert.Equal(t, 0, factory.built)
}

func TestEndpointProcessEndsBeforeStart(t *testing.T) {
	loop := reactor.New()
	ind := newFakeInductor()
	ep, err := NewEndpoint(loop, ind, "prog", nil)
	require.NoError(t, err)

	factory := &recordingFactory{}
	connected := ep.Connect(context.Background(), factory)
	l := ind.listener(t)
	l.ProcessEnded(errBoom)
	drainUntil(t, loop, connected.Fired)

	_, err = connected.Result()
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []error{errBoom}, factory.failures)
}

func TestEndpointRefusedProtocolKillsProcess(t *testing.T) {
	loop := reactor.New()
	ind := newFakeInductor()
	ep, err := NewEndpoint(loop, ind, "prog", nil)
	require.NoError(t, err)

	factory := &recordingFactory{refuse: true}
	connected := ep.Connect(context.Background(), factory)
	l := ind.listener(t)
	proc := &fakeProcess{}
	l.ProcessStarted(proc)
	drainUntil(t, loop, connected.Fired)

	_, err = connected.Result()
	assert.ErrorIs(t, err, ErrNoProtocol)
	assert.Equal(t, 1, proc.killCount())
}

func TestNewEndpointValidation(t *testing.T) {
	_, err := NewEndpoint(nil, newFakeInductor(), "prog", nil)
	assert.ErrorIs(t, err, ErrNoReactor)

	_, err = NewEndpoint(reactor.New(), newFakeInductor(), "prog", nil, WithTimeout(-time.Second))
	assert.Error(t, err)
}

// lineProtocol collects everything it receives. Its fields are only touched on the loop.
type lineProtocol struct {
	transport Transport
	out       bytes.Buffer
	lost      chan error
	onMade    func(t Transport)
	onData    func(p *lineProtocol)
}

func (p *lineProtocol) ConnectionMade(t Transport) {
	p.transport = t
	if p.onMade != nil {
		p.onMade(t)
	}
}

func (p *lineProtocol) DataReceived(b []byte) {
	p.out.Write(b)
	if p.onData != nil {
		p.onData(p)
	}
}

func (p *lineProtocol) ConnectionLost(reason error) { p.lost <- reason }

func runLoop(t *testing.T) (*reactor.Loop, context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	loop := reactor.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, ctx
}

func connectOnLoop(ctx context.Context, t *testing.T, loop *reactor.Loop, ep *Endpoint, p *lineProtocol) {
	t.Helper()
	var connected *Completion[Protocol]
	require.NoError(t, loop.Call(ctx, func() {
		connected = ep.Connect(ctx, FactoryFunc(func(addr net.Addr) Protocol { return p }))
	}))
	_, err := connected.Wait(ctx)
	require.NoError(t, err)
}

func TestEndpointLocalProcessExit(t *testing.T) {
	loop, ctx := runLoop(t)
	ep, err := NewEndpoint(loop, local.New(), "sh", []string{"-c", "echo out; echo err >&2; exit 3"},
		WithTimeout(5*time.Second),
		WithDescriptors(inductor.Stdout),
	)
	require.NoError(t, err)

	p := &lineProtocol{lost: make(chan error, 1)}
	connectOnLoop(ctx, t, loop, ep, p)

	select {
	case reason := <-p.lost:
		var exitErr *inductor.ExitError
		require.ErrorAs(t, reason, &exitErr)
		assert.Equal(t, 3, exitErr.Code)
	case <-ctx.Done():
		t.Fatal("connection was never lost")
	}
	assert.Equal(t, "out\n", p.out.String())
}

func TestEndpointLocalEcho(t *testing.T) {
	loop, ctx := runLoop(t)
	ep, err := NewEndpoint(loop, local.New(), "cat", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)

	p := &lineProtocol{lost: make(chan error, 1)}
	p.onMade = func(tr Transport) {
		_ = tr.Write([]byte("ping\n"))
	}
	p.onData = func(p *lineProtocol) {
		if p.out.String() == "ping\n" {
			p.transport.LoseConnection(nil)
		}
	}
	connectOnLoop(ctx, t, loop, ep, p)

	select {
	case reason := <-p.lost:
		assert.ErrorIs(t, reason, ErrConnectionDone)
	case <-ctx.Done():
		t.Fatal("connection was never lost")
	}
	assert.Equal(t, "ping\n", p.out.String())
}
