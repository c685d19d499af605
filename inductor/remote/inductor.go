// Package remote runs processes on a host running the node agent.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/carnifex/agent"
	"github.com/guseggert/carnifex/inductor"
	"go.uber.org/zap"
)

// Inductor runs processes through a node agent.
// The first Execute waits for the agent to answer heartbeats, then keeps it alive with background heartbeats until Close.
type Inductor struct {
	Log *zap.SugaredLogger

	client      *agent.Client
	waitTimeout time.Duration
	heartbeat   bool

	readyMut sync.Mutex
	ready    bool
}

var _ inductor.Inductor = (*Inductor)(nil)

type Option func(i *Inductor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Inductor) {
		i.Log = l.Named("remote_inductor")
	}
}

// WithWaitTimeout bounds how long the first Execute waits for the agent.
func WithWaitTimeout(d time.Duration) Option {
	return func(i *Inductor) {
		i.waitTimeout = d
	}
}

// WithoutHeartbeat disables background heartbeats, for agents that don't enforce them.
func WithoutHeartbeat() Option {
	return func(i *Inductor) {
		i.heartbeat = false
	}
}

func New(client *agent.Client, opts ...Option) *Inductor {
	i := &Inductor{
		Log:         zap.NewNop().Sugar(),
		client:      client,
		waitTimeout: 1 * time.Minute,
		heartbeat:   true,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Dial builds an agent client for host:port and wraps it in an Inductor.
func Dial(log *zap.SugaredLogger, certs *agent.Certs, host string, port int, opts ...Option) (*Inductor, error) {
	client, err := agent.NewClient(log, certs, host, port)
	if err != nil {
		return nil, fmt.Errorf("building agent client: %w", err)
	}
	return New(client, append([]Option{WithLogger(log)}, opts...)...), nil
}

// Client returns the underlying agent client.
func (i *Inductor) Client() *agent.Client { return i.client }

func (i *Inductor) waitForAgent(ctx context.Context) error {
	i.readyMut.Lock()
	defer i.readyMut.Unlock()
	if i.ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.waitTimeout)
	defer cancel()
	if err := i.client.WaitForServer(ctx); err != nil {
		return err
	}
	if i.heartbeat {
		i.client.StartHeartbeat()
	}
	i.ready = true
	i.Log.Debug("agent is ready")
	return nil
}

func (i *Inductor) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	if err := i.waitForAgent(ctx); err != nil {
		return nil, err
	}
	i.Log.Debugw("executing", "Request", req.String())
	return i.client.Execute(ctx, listener, req)
}

// Close stops background heartbeats. Running processes are not affected.
func (i *Inductor) Close() error {
	i.client.StopHeartbeat()
	return nil
}
