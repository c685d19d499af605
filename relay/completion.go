package relay

import (
	"context"
	"sync"
)

// Completion is a one-shot signal carrying a value or an error.
// It fires at most once; callbacks registered before or after firing each run exactly once.
// Callbacks run on the goroutine that fires the completion, which for the relay types is the reactor.
// Wait and Done may be used from any goroutine.
type Completion[T any] struct {
	m         sync.Mutex
	fired     bool
	val       T
	err       error
	done      chan struct{}
	callbacks []func(T, error)
}

func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve fires the completion with v. It returns false if the completion already fired.
func (c *Completion[T]) Resolve(v T) bool {
	return c.fire(v, nil)
}

// Reject fires the completion with err. It returns false if the completion already fired.
func (c *Completion[T]) Reject(err error) bool {
	var zero T
	return c.fire(zero, err)
}

func (c *Completion[T]) fire(v T, err error) bool {
	c.m.Lock()
	if c.fired {
		c.m.Unlock()
		return false
	}
	c.fired = true
	c.val = v
	c.err = err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.m.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// OnDone registers f to run when the completion fires, or runs it now if it already has.
func (c *Completion[T]) OnDone(f func(T, error)) {
	c.m.Lock()
	if !c.fired {
		c.callbacks = append(c.callbacks, f)
		c.m.Unlock()
		return
	}
	v, err := c.val, c.err
	c.m.Unlock()
	f(v, err)
}

func (c *Completion[T]) Fired() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.fired
}

// Done returns a channel that is closed when the completion fires.
func (c *Completion[T]) Done() <-chan struct{} { return c.done }

// Result returns the value and error the completion fired with. Before firing it returns the zero values.
func (c *Completion[T]) Result() (T, error) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.val, c.err
}

// Wait blocks until the completion fires or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
