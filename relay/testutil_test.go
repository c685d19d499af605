package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/reactor"
	"github.com/stretchr/testify/require"
)

// recordingProtocol records every event it receives, in order.
type recordingProtocol struct {
	transport Transport
	events    []string
	data      []string
	lost      []error

	onMade func(t Transport)
	onData func(b []byte)
}

func (p *recordingProtocol) ConnectionMade(t Transport) {
	p.transport = t
	p.events = append(p.events, "made")
	if p.onMade != nil {
		p.onMade(t)
	}
}

func (p *recordingProtocol) DataReceived(b []byte) {
	p.events = append(p.events, "data")
	p.data = append(p.data, string(b))
	if p.onData != nil {
		p.onData(b)
	}
}

func (p *recordingProtocol) ConnectionLost(reason error) {
	p.events = append(p.events, "lost")
	p.lost = append(p.lost, reason)
}

type recordingFactory struct {
	protocol *recordingProtocol
	refuse   bool
	addrs    []net.Addr
	built    int
	failures []error
}

func (f *recordingFactory) BuildProtocol(addr net.Addr) Protocol {
	f.addrs = append(f.addrs, addr)
	if f.refuse {
		return nil
	}
	f.built++
	if f.protocol == nil {
		f.protocol = &recordingProtocol{}
	}
	return f.protocol
}

func (f *recordingFactory) ConnectionFailed(reason error) {
	f.failures = append(f.failures, reason)
}

type recordingSink struct {
	writes [][]byte
	closed int
}

func (s *recordingSink) Write(b []byte) error {
	s.writes = append(s.writes, b)
	return nil
}

func (s *recordingSink) WriteSequence(chunks [][]byte) error {
	s.writes = append(s.writes, chunks...)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed++
	return nil
}

type fakeProcess struct {
	m           sync.Mutex
	stdin       []byte
	stdinClosed bool
	signals     []syscall.Signal
	killed      int
}

func (p *fakeProcess) Write(b []byte) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.stdin = append(p.stdin, b...)
	return nil
}

func (p *fakeProcess) CloseStdin() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.stdinClosed = true
	return nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.killed++
	return nil
}

func (p *fakeProcess) PID() int { return 42 }

func (p *fakeProcess) killCount() int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.killed
}

// fakeInductor hands the listener of each Execute call to the test, which plays the process by hand.
type fakeInductor struct {
	err       error
	executed  chan inductor.Listener
	requests  chan inductor.Request
	cancelled chan struct{}
}

func newFakeInductor() *fakeInductor {
	return &fakeInductor{
		executed:  make(chan inductor.Listener, 1),
		requests:  make(chan inductor.Request, 1),
		cancelled: make(chan struct{}),
	}
}

func (i *fakeInductor) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	i.requests <- req
	if i.err != nil {
		return nil, i.err
	}
	go func() {
		<-ctx.Done()
		close(i.cancelled)
	}()
	i.executed <- listener
	return &fakeProcess{}, nil
}

func (i *fakeInductor) listener(t *testing.T) inductor.Listener {
	select {
	case l := <-i.executed:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("process was never executed")
		return nil
	}
}

// drainUntil runs the loop by hand until cond holds.
func drainUntil(t *testing.T, loop *reactor.Loop, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		loop.Drain()
		return cond()
	}, 5*time.Second, time.Millisecond)
}

var errBoom = errors.New("boom")
