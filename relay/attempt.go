package relay

import (
	"fmt"
	"time"

	"github.com/guseggert/carnifex/reactor"
	"go.uber.org/zap"
)

// State is the state of a connection attempt.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// AttemptHooks are called on the transitions of an Attempt. Any of them may be nil.
type AttemptHooks struct {
	// OnConnect runs after the attempt entered StateConnected.
	OnConnect func()
	// OnFail runs once, after the attempt entered StateFailed.
	OnFail func(reason error)
	// OnDisconnect runs once, after the attempt entered StateDisconnected.
	OnDisconnect func(reason error)
}

// Attempt is a connection-attempt state machine:
//
//	Idle -> Connecting -> Connected -> Disconnected
//	             \-> Failed
//
// While connecting, an optional timeout fails the attempt with a *TimeoutError.
// Leaving Connecting always cancels the timeout, and a timeout that was already queued when that happened is ignored.
// All methods must be called on the reactor.
type Attempt struct {
	log         *zap.SugaredLogger
	reactor     reactor.Reactor
	timeout     time.Duration
	timeoutCall reactor.DelayedCall
	hooks       AttemptHooks

	state  State
	reason error
}

// NewAttempt builds an idle attempt. A positive timeout requires a reactor.
func NewAttempt(timeout time.Duration, r reactor.Reactor, hooks AttemptHooks) (*Attempt, error) {
	if timeout > 0 && r == nil {
		return nil, ErrNoReactor
	}
	return &Attempt{
		log:     defaultLogger.Named("attempt"),
		reactor: r,
		timeout: timeout,
		hooks:   hooks,
	}, nil
}

func (a *Attempt) State() State { return a.state }

// Reason returns the reason the attempt failed or disconnected, or nil.
func (a *Attempt) Reason() error { return a.reason }

// Begin moves the attempt to Connecting and schedules the timeout, if any.
func (a *Attempt) Begin() error {
	if a.state != StateIdle {
		return ErrAttemptStarted
	}
	a.state = StateConnecting
	if a.timeout > 0 {
		a.timeoutCall = a.reactor.CallLater(a.timeout, a.timedOut)
	}
	a.log.Debugw("connecting", "Timeout", a.timeout)
	return nil
}

func (a *Attempt) timedOut() {
	a.timeoutCall = nil
	if a.state != StateConnecting {
		return
	}
	a.log.Debugw("timed out", "Timeout", a.timeout)
	a.Fail(&TimeoutError{After: a.timeout})
}

func (a *Attempt) cancelTimeout() {
	if a.timeoutCall == nil {
		return
	}
	a.timeoutCall.Cancel()
	a.timeoutCall = nil
}

// Connect moves the attempt from Connecting to Connected.
func (a *Attempt) Connect() error {
	if a.state != StateConnecting {
		return fmt.Errorf("connecting from state %s: %w", a.state, ErrNotConnecting)
	}
	a.cancelTimeout()
	a.state = StateConnected
	a.log.Debug("connected")
	if a.hooks.OnConnect != nil {
		a.hooks.OnConnect()
	}
	return nil
}

// Fail moves the attempt from Connecting to Failed. It reports whether the transition happened.
func (a *Attempt) Fail(reason error) bool {
	if a.state != StateConnecting {
		a.log.Debugw("ignoring failure", "State", a.state, "Reason", reason)
		return false
	}
	a.cancelTimeout()
	a.state = StateFailed
	a.reason = reason
	a.log.Debugw("failed", "Reason", reason)
	if a.hooks.OnFail != nil {
		a.hooks.OnFail(reason)
	}
	return true
}

// Disconnect moves the attempt from Connected to Disconnected. It reports whether the transition happened.
func (a *Attempt) Disconnect(reason error) bool {
	if a.state != StateConnected {
		return false
	}
	a.state = StateDisconnected
	a.reason = reason
	a.log.Debugw("disconnected", "Reason", reason)
	if a.hooks.OnDisconnect != nil {
		a.hooks.OnDisconnect(reason)
	}
	return true
}
