package reactor

import "github.com/benbjohnson/clock"

// DelayedCall is a handle on a call scheduled with CallLater.
// Its methods must be called on the reactor.
type DelayedCall interface {
	// Cancel prevents the call from running. It returns false if the call already ran or was already cancelled.
	Cancel() bool
	// Active reports whether the call is still pending.
	Active() bool
}

type delayedCall struct {
	timer     *clock.Timer
	cancelled bool
	called    bool
}

func (d *delayedCall) Cancel() bool {
	if d.cancelled || d.called {
		return false
	}
	d.cancelled = true
	// The timer may already have posted the call; the cancelled flag covers that case.
	d.timer.Stop()
	return true
}

func (d *delayedCall) Active() bool { return !d.cancelled && !d.called }
