package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionDone is the reason of a connection closed without an error.
	ErrConnectionDone = errors.New("connection was closed cleanly")

	ErrNoReactor        = errors.New("a reactor is required to use a timeout")
	ErrAlreadyStarted   = errors.New("transport already started")
	ErrNilSink          = errors.New("sink is nil")
	ErrAlreadyAttached  = errors.New("already attached")
	ErrAttemptStarted   = errors.New("connection attempt already started")
	ErrNotConnecting    = errors.New("connection attempt is not connecting")
	ErrNotConnected     = errors.New("transport is not connected")
	ErrConnectionClosed = errors.New("transport connection is closed")
	ErrNoProtocol       = errors.New("factory refused to build a protocol")
	ErrNotSupported     = errors.New("not supported by the underlying transport")
)

// TimeoutError is the failure reason of an attempt that did not connect within its timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process did not start within %s", e.After)
}

// Timeout always reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }
