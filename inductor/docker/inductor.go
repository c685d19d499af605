// Package docker runs processes inside a running Docker container through the exec API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/carnifex/inductor"
	"go.uber.org/zap"
)

// Inductor executes processes in an existing container.
// Signals are delivered to the exec's host PID, so they require the Docker daemon to run on this host.
type Inductor struct {
	Log         *zap.SugaredLogger
	ContainerID string
	// User runs processes as this user instead of the container's default.
	User string
	// Env is set for every process, before the request's own Env.
	Env []string

	dockerClient *client.Client
	pollMax      time.Duration
}

var _ inductor.Inductor = (*Inductor)(nil)

type Option func(i *Inductor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Inductor) {
		i.Log = l.Named("docker_inductor")
	}
}

func WithUser(user string) Option {
	return func(i *Inductor) {
		i.User = user
	}
}

func WithEnv(env ...string) Option {
	return func(i *Inductor) {
		i.Env = append(i.Env, env...)
	}
}

func New(dockerClient *client.Client, containerID string, opts ...Option) *Inductor {
	i := &Inductor{
		Log:          zap.NewNop().Sugar(),
		ContainerID:  containerID,
		dockerClient: dockerClient,
		pollMax:      500 * time.Millisecond,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// NewClient builds a Docker client from the standard environment variables (DOCKER_HOST etc.).
func NewClient() (*client.Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return dockerClient, nil
}

func (i *Inductor) pollBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = i.pollMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// inspectUntil polls the exec until done returns true for its state.
func (i *Inductor) inspectUntil(ctx context.Context, execID string, done func(types.ContainerExecInspect) bool) (types.ContainerExecInspect, error) {
	var inspect types.ContainerExecInspect
	err := backoff.Retry(func() error {
		var err error
		inspect, err = i.dockerClient.ContainerExecInspect(ctx, execID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done(inspect) {
			return errors.New("exec not in expected state")
		}
		return nil
	}, i.pollBackoff(ctx))
	return inspect, err
}

func (i *Inductor) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	execResp, err := i.dockerClient.ContainerExecCreate(ctx, i.ContainerID, types.ExecConfig{
		User:         i.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          append(append([]string{}, i.Env...), req.Env...),
		WorkingDir:   req.WD,
		Cmd:          append([]string{req.Executable}, req.Args...),
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec for %q: %w", req.Executable, err)
	}

	start := time.Now()
	hijacked, err := i.dockerClient.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("starting process %q: %w", req.Executable, err)
	}

	inspect, err := i.inspectUntil(ctx, execResp.ID, func(s types.ContainerExecInspect) bool { return s.Pid != 0 || !s.Running })
	if err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("inspecting exec %q: %w", execResp.ID, err)
	}

	log := i.Log.With("ExecID", execResp.ID, "PID", inspect.Pid)
	p := &process{
		StdinPump: inductor.NewStdinPump(log.Named("stdin"), &halfCloser{hijacked: &hijacked}),
		log:       log,
		pid:       inspect.Pid,
		listener:  listener,
		exited:    make(chan struct{}),
	}
	p.log.Debugw("started process", "Request", req.String())

	listener.ProcessStarted(p)

	go func() {
		_, err := stdcopy.StdCopy(&fdWriter{p: p, fd: inductor.Stdout}, &fdWriter{p: p, fd: inductor.Stderr}, hijacked.Reader)
		if err != nil {
			p.log.Debugf("error demultiplexing exec output: %s", err)
		}

		// the stream ends just before the exec is reported as exited
		inspectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		inspect, err := i.inspectUntil(inspectCtx, execResp.ID, func(s types.ContainerExecInspect) bool { return !s.Running })

		close(p.exited)
		p.Dispose()
		hijacked.Close()

		var reason error
		if err != nil {
			reason = &inductor.ExitError{Code: -1, Err: fmt.Errorf("inspecting exec: %w", err)}
		} else {
			reason = inductor.ExitReason(inspect.ExitCode, nil)
		}
		p.log.Debugw("process exited", "Reason", reason, "Duration", time.Since(start))

		p.emitMut.Lock()
		defer p.emitMut.Unlock()
		listener.ProcessEnded(reason)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.log.Debug("context done, killing process")
			_ = p.Kill()
		case <-p.exited:
		}
	}()

	return p, nil
}

// halfCloser closes only the write side of the exec stream, so output keeps flowing after stdin is closed.
type halfCloser struct {
	hijacked *types.HijackedResponse
}

func (h *halfCloser) Write(b []byte) (int, error) { return h.hijacked.Conn.Write(b) }

func (h *halfCloser) Close() error { return h.hijacked.CloseWrite() }

type fdWriter struct {
	p  *process
	fd int
}

// Write copies b since stdcopy reuses its buffer.
func (w *fdWriter) Write(b []byte) (int, error) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	w.p.emitMut.Lock()
	w.p.listener.ChildDataReceived(w.fd, chunk)
	w.p.emitMut.Unlock()
	return len(b), nil
}

type process struct {
	*inductor.StdinPump
	log      *zap.SugaredLogger
	pid      int
	listener inductor.Listener

	emitMut sync.Mutex
	exited  chan struct{}
}

func (p *process) PID() int { return p.pid }

func (p *process) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if p.pid == 0 {
		return fmt.Errorf("signaling exec: %w", inductor.ErrProcessDone)
	}
	err := syscall.Kill(p.pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signaling PID %d: %w", p.pid, err)
	}
	return nil
}

func (p *process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}
