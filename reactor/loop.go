package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const loggerName = "reactor"

// batchSize is the max number of queued calls the loop takes per wakeup.
const batchSize = 64

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Reactor is the event source that the relay types run on.
// Every callback handed to a Reactor runs on a single goroutine, one at a time.
type Reactor interface {
	// CallLater runs f on the reactor after d elapses, unless the returned call is cancelled first.
	CallLater(d time.Duration, f func()) DelayedCall

	// CallFromThread schedules f to run on the reactor. Safe to call from any goroutine.
	CallFromThread(f func())
}

// Loop is a single-threaded Reactor.
// Calls are queued in the order they are posted and run on whichever goroutine is running Run (or Drain).
type Loop struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	calls *queue.Queue
}

type Option func(l *Loop)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(lp *Loop) {
		lp.log = l.Named(loggerName)
	}
}

// WithClock sets the clock used for delayed calls. Tests use a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		log:   defaultLogger,
		clock: clock.New(),
		calls: queue.New(batchSize),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Clock returns the clock the loop schedules delayed calls with.
func (l *Loop) Clock() clock.Clock { return l.clock }

func (l *Loop) CallFromThread(f func()) {
	err := l.calls.Put(f)
	if err != nil {
		l.log.Debugf("dropping call posted to stopped loop: %s", err)
	}
}

func (l *Loop) CallLater(d time.Duration, f func()) DelayedCall {
	dc := &delayedCall{}
	dc.timer = l.clock.AfterFunc(d, func() {
		l.CallFromThread(func() {
			if dc.cancelled || dc.called {
				return
			}
			dc.called = true
			f()
		})
	})
	return dc
}

// Run runs queued calls until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-stopped:
		}
	}()

	for {
		items, err := l.calls.Get(batchSize)
		if err != nil {
			l.log.Debugw("loop stopped", "Error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return nil
		}
		l.runAll(items)
	}
}

// Drain runs every call that is currently queued, plus any they queue, and returns.
// It is for driving the loop by hand in tests and must not be used while Run is active.
func (l *Loop) Drain() {
	for l.calls.Len() > 0 {
		items, err := l.calls.Get(l.calls.Len())
		if err != nil {
			return
		}
		l.runAll(items)
	}
}

// Call runs f on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	l.CallFromThread(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the loop. Calls queued but not yet run are dropped.
func (l *Loop) Stop() {
	if l.calls.Disposed() {
		return
	}
	l.calls.Dispose()
}

func (l *Loop) runAll(items []interface{}) {
	for _, item := range items {
		f, ok := item.(func())
		if !ok {
			l.log.Errorf("unexpected item of type %T in call queue", item)
			continue
		}
		l.invoke(f)
	}
}

func (l *Loop) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("recovered panic in loop callback", "Panic", r)
		}
	}()
	f()
}
