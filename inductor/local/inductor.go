package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/carnifex/inductor"
	"go.uber.org/zap"
)

const readBufSize = 32 * 1024

var ErrStdinClosed = inductor.ErrStdinClosed

// Inductor runs processes directly on the underlying host.
// These processes are not sandboxed, they see the same filesystem and environment as the caller.
type Inductor struct {
	Log *zap.SugaredLogger
	// Env is appended to the host environment of every process, before the request's own Env.
	Env []string
	// Dir is the working directory used when the request does not set one.
	Dir string
}

type Option func(i *Inductor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Inductor) {
		i.Log = l.Named("local_inductor")
	}
}

func WithEnv(env ...string) Option {
	return func(i *Inductor) {
		i.Env = append(i.Env, env...)
	}
}

func WithDir(dir string) Option {
	return func(i *Inductor) {
		i.Dir = dir
	}
}

func New(opts ...Option) *Inductor {
	i := &Inductor{Log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Inductor) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	cmd := exec.Command(req.Executable, req.Args...)
	if len(i.Env) > 0 || len(req.Env) > 0 {
		cmd.Env = append(append(os.Environ(), i.Env...), req.Env...)
	}
	cmd.Dir = i.Dir
	if req.WD != "" {
		cmd.Dir = req.WD
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting process %q: %w", req.Executable, err)
	}

	log := i.Log.With("PID", cmd.Process.Pid)
	p := &process{
		StdinPump: inductor.NewStdinPump(log.Named("stdin"), stdin),
		log:       log,
		cmd:       cmd,
		listener:  listener,
		exited:    make(chan struct{}),
	}
	p.log.Debugw("started process", "Request", req.String())

	listener.ProcessStarted(p)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readFD(&readers, inductor.Stdout, stdout)
	go p.readFD(&readers, inductor.Stderr, stderr)

	// pipes must be read to completion before waiting on the process
	go func() {
		readers.Wait()
		err := cmd.Wait()
		close(p.exited)
		p.Dispose()

		code := 0
		var reasonErr error
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
				reasonErr = err
			}
		}
		p.log.Debugw("process exited", "ExitCode", code, "Duration", time.Since(start))

		p.emitMut.Lock()
		defer p.emitMut.Unlock()
		listener.ProcessEnded(inductor.ExitReason(code, reasonErr))
	}()

	// kill the process if the context is canceled
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

type process struct {
	*inductor.StdinPump
	log      *zap.SugaredLogger
	cmd      *exec.Cmd
	listener inductor.Listener

	emitMut sync.Mutex
	exited  chan struct{}
}

func (p *process) readFD(wg *sync.WaitGroup, fd int, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.emitMut.Lock()
			p.listener.ChildDataReceived(fd, chunk)
			p.emitMut.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("error reading fd %d: %s", fd, err)
			}
			return
		}
	}
}

func (p *process) Signal(sig syscall.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *process) PID() int { return p.cmd.Process.Pid }
