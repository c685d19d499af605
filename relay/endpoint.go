package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/reactor"
	"go.uber.org/zap"
)

// Endpoint connects protocols to processes spawned by an inductor.
type Endpoint struct {
	log      *zap.SugaredLogger
	reactor  reactor.Reactor
	inductor inductor.Inductor
	req      inductor.Request
	timeout  time.Duration
	metrics  *Metrics
	fds      []int
}

type Option func(e *Endpoint)

// WithTimeout fails connection attempts whose process has not started within d.
func WithTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.timeout = d
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Endpoint) {
		e.log = l.Named(loggerName)
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Endpoint) {
		e.metrics = m
	}
}

// WithDescriptors relays only the output read from the given descriptors, e.g. inductor.Stdout.
func WithDescriptors(fds ...int) Option {
	return func(e *Endpoint) {
		e.fds = fds
	}
}

func WithEnv(env ...string) Option {
	return func(e *Endpoint) {
		e.req.Env = append(e.req.Env, env...)
	}
}

func WithWorkingDir(dir string) Option {
	return func(e *Endpoint) {
		e.req.WD = dir
	}
}

// NewEndpoint builds an endpoint that runs executable with args through ind.
// Process events are delivered on r, which every connection attempt of the endpoint runs on.
func NewEndpoint(r reactor.Reactor, ind inductor.Inductor, executable string, args []string, opts ...Option) (*Endpoint, error) {
	if r == nil {
		return nil, ErrNoReactor
	}
	e := &Endpoint{
		log:      defaultLogger,
		reactor:  r,
		inductor: ind,
		req:      inductor.Request{Executable: executable, Args: args},
	}
	for _, o := range opts {
		o(e)
	}
	if e.timeout < 0 {
		return nil, fmt.Errorf("negative timeout %s", e.timeout)
	}
	return e, nil
}

// Connect spawns the process and connects a protocol built by factory to it.
// The returned completion fires with the protocol once it is connected, or with the reason the attempt failed.
// Connect must be called on the reactor. Canceling ctx kills the process.
func (e *Endpoint) Connect(ctx context.Context, factory Factory) *Completion[Protocol] {
	connected := NewCompletion[Protocol]()
	wf := &wrappingFactory{factory: factory, connected: connected}

	var processOpts []ProcessOption
	processOpts = append(processOpts, WithProcessLogger(e.log), WithProcessMetrics(e.metrics))
	if len(e.fds) > 0 {
		processOpts = append(processOpts, WithRelayedDescriptors(e.fds...))
	}
	processProtocol := NewProcessProtocol(processOpts...)

	attemptCtx, cancel := context.WithCancel(ctx)
	relay := NewRelayTransport()
	relay.Log = e.log.Named("relay_transport")
	relay.Metrics = e.metrics

	// Events posted by the spawn are only handled once this call returns,
	// so everything below is wired before the process can be observed.
	go e.spawn(attemptCtx, processProtocol, relay)

	connector, err := NewRelayConnector(relay, wf, ProcessAddr{Request: e.req}, e.timeout, e.reactor)
	if err != nil {
		cancel()
		connected.Reject(err)
		return connected
	}

	// the attempt owns the process: a terminal state frees it
	connector.Finished().OnDone(func(reason error, _ error) {
		e.log.Debugw("connection attempt finished", "State", connector.State(), "Reason", reason)
		cancel()
	})

	processProtocol.Started().OnDone(func(proc inductor.Process, _ error) {
		err := connector.Connect(NewProcessSink(proc))
		if err != nil {
			e.log.Debugw("process started after attempt resolved, killing it", "State", connector.State(), "Error", err)
			if err := proc.Kill(); err != nil {
				e.log.Debugf("error killing process: %s", err)
			}
			return
		}
		if err := processProtocol.Attach(relay); err != nil {
			e.log.Errorf("attaching process output: %s", err)
		}
	})

	processProtocol.Ended().OnDone(func(reason error, _ error) {
		switch connector.State() {
		case StateConnecting:
			relay.FailIfNotConnected(reason)
		case StateConnected:
			relay.LoseConnection(reason)
		}
	})

	if err := connector.Begin(); err != nil {
		cancel()
		connected.Reject(err)
	}
	return connected
}

func (e *Endpoint) spawn(ctx context.Context, processProtocol *ProcessProtocol, relay *RelayTransport) {
	_, err := e.inductor.Execute(ctx, ListenOn(e.reactor, processProtocol), e.req)
	if err != nil {
		err = fmt.Errorf("spawning %q: %w", e.req.Executable, err)
		e.reactor.CallFromThread(func() { relay.FailIfNotConnected(err) })
	}
}

// wrappingFactory fires a completion when the wrapped factory's protocol is connected, or when the attempt fails.
type wrappingFactory struct {
	factory   Factory
	connected *Completion[Protocol]
}

func (w *wrappingFactory) BuildProtocol(addr net.Addr) Protocol {
	p := w.factory.BuildProtocol(addr)
	if p == nil {
		return nil
	}
	return &wrappingProtocol{Protocol: p, connected: w.connected}
}

func (w *wrappingFactory) ConnectionFailed(reason error) {
	w.factory.ConnectionFailed(reason)
	w.connected.Reject(reason)
}

type wrappingProtocol struct {
	Protocol
	connected *Completion[Protocol]
}

func (w *wrappingProtocol) ConnectionMade(t Transport) {
	w.Protocol.ConnectionMade(t)
	w.connected.Resolve(w.Protocol)
}
