// Package inductortest provides helpers for testing inductors.
package inductortest

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/carnifex/inductor"
)

// Recorder is an inductor.Listener that records what it is told. It is safe for concurrent use.
type Recorder struct {
	m       sync.Mutex
	proc    inductor.Process
	events  []string
	out     map[int]*bytes.Buffer
	reason  error
	ended   chan struct{}
	started chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{
		out:     map[int]*bytes.Buffer{},
		ended:   make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (r *Recorder) ProcessStarted(p inductor.Process) {
	r.m.Lock()
	defer r.m.Unlock()
	r.proc = p
	r.events = append(r.events, "started")
	close(r.started)
}

// ChildDataReceived records output. Consecutive chunks are recorded as a single "data" event.
func (r *Recorder) ChildDataReceived(fd int, data []byte) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.out[fd] == nil {
		r.out[fd] = &bytes.Buffer{}
	}
	r.out[fd].Write(data)
	if len(r.events) == 0 || r.events[len(r.events)-1] != "data" {
		r.events = append(r.events, "data")
	}
}

func (r *Recorder) ProcessEnded(reason error) {
	r.m.Lock()
	defer r.m.Unlock()
	r.reason = reason
	r.events = append(r.events, "ended")
	close(r.ended)
}

// Wait blocks until the process ended, failing t after 10 seconds.
func (r *Recorder) Wait(t testing.TB) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process to end")
	}
}

// Ended returns a channel that is closed once the process ended.
func (r *Recorder) Ended() <-chan struct{} { return r.ended }

// StartedCh returns a channel that is closed once the process started.
func (r *Recorder) StartedCh() <-chan struct{} { return r.started }

// Process returns the process handed to ProcessStarted, or nil.
func (r *Recorder) Process() inductor.Process {
	r.m.Lock()
	defer r.m.Unlock()
	return r.proc
}

func (r *Recorder) Started() bool {
	r.m.Lock()
	defer r.m.Unlock()
	return r.proc != nil
}

func (r *Recorder) Events() []string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string(nil), r.events...)
}

func (r *Recorder) Reason() error {
	r.m.Lock()
	defer r.m.Unlock()
	return r.reason
}

// Output returns everything received on fd.
func (r *Recorder) Output(fd int) string {
	r.m.Lock()
	defer r.m.Unlock()
	if r.out[fd] == nil {
		return ""
	}
	return r.out[fd].String()
}
