package inductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Descriptors of a child process's output streams.
const (
	Stdout = 1
	Stderr = 2
)

// ErrProcessDone is the ended reason of a process that exited with status 0.
var ErrProcessDone = errors.New("process exited cleanly")

// ExitError is the ended reason of a process that exited with a non-zero status or was killed.
// Code is -1 when the process did not exit normally.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Err)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitReason converts an exit code into an ended reason.
func ExitReason(code int, err error) error {
	if code == 0 && err == nil {
		return ErrProcessDone
	}
	return &ExitError{Code: code, Err: err}
}

// Request describes a process to run.
type Request struct {
	Executable string
	Args       []string
	Env        []string
	WD         string
}

func (r Request) String() string {
	return strings.Join(append([]string{r.Executable}, r.Args...), " ")
}

// Listener receives the lifecycle events of one process.
// Implementations of Inductor call ProcessStarted at most once, then ChildDataReceived any number of times,
// then ProcessEnded exactly once, in the order the events happened and never concurrently.
// If Execute returns an error, ProcessStarted is never called.
type Listener interface {
	ProcessStarted(p Process)
	ChildDataReceived(fd int, data []byte)
	ProcessEnded(reason error)
}

// Process is a handle on a running process.
type Process interface {
	// Write queues bytes for the process's stdin.
	Write(b []byte) error
	// CloseStdin closes the process's stdin once everything written so far has been delivered.
	CloseStdin() error
	Signal(sig syscall.Signal) error
	// Kill forcibly stops the process. Killing an exited process is not an error.
	Kill() error
	PID() int
}

// Inductor spawns processes somewhere: on this host, in a container, on a remote node.
// Canceling ctx kills the process.
type Inductor interface {
	Execute(ctx context.Context, listener Listener, req Request) (Process, error)
}
