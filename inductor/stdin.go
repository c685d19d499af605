package inductor

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

var ErrStdinClosed = errors.New("stdin is closed")

type closeStdin struct{}

// StdinPump copies queued writes to a process's stdin from its own goroutine, so writers never block on a slow child.
type StdinPump struct {
	log    *zap.SugaredLogger
	w      io.WriteCloser
	writes *queue.Queue
	closed atomic.Bool
}

// NewStdinPump starts pumping writes into w. w is closed after CloseStdin, once everything before it was written.
func NewStdinPump(log *zap.SugaredLogger, w io.WriteCloser) *StdinPump {
	s := &StdinPump{
		log:    log,
		w:      w,
		writes: queue.New(16),
	}
	go s.run()
	return s
}

func (s *StdinPump) run() {
	defer s.w.Close()
	for {
		items, err := s.writes.Get(16)
		if err != nil {
			return
		}
		for _, item := range items {
			switch v := item.(type) {
			case closeStdin:
				return
			case []byte:
				if _, err := s.w.Write(v); err != nil {
					s.log.Debugf("stdin write error: %s", err)
					s.closed.Store(true)
					s.writes.Dispose()
					return
				}
			}
		}
	}
}

// Write queues a copy of b.
func (s *StdinPump) Write(b []byte) error {
	if s.closed.Load() {
		return ErrStdinClosed
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	if err := s.writes.Put(buf); err != nil {
		return fmt.Errorf("queueing stdin write: %w", ErrStdinClosed)
	}
	return nil
}

func (s *StdinPump) CloseStdin() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.writes.Put(closeStdin{}); err != nil {
		s.log.Debugf("process already exited, stdin closed: %s", err)
	}
	return nil
}

// Dispose drops pending writes. It is called once the process has exited.
func (s *StdinPump) Dispose() {
	s.writes.Dispose()
}
