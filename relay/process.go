package relay

import (
	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/reactor"
	"go.uber.org/zap"
)

// DataRelayer receives relayed process output. *RelayTransport implements it.
type DataRelayer interface {
	RelayData(b []byte)
}

// Output is a chunk of process output and the descriptor it was read from.
type Output struct {
	FD   int
	Data []byte
}

// ProcessProtocol relays the lifecycle of a process to a DataRelayer.
// It is the single buffer for process output: output that arrives before Attach is kept in receipt order,
// across all descriptors, and flushed by Attach.
// All methods must be called on the reactor; use ListenOn to hand it to an inductor.
type ProcessProtocol struct {
	log     *zap.SugaredLogger
	metrics *Metrics

	started *Completion[inductor.Process]
	ended   *Completion[error]

	pending  []Output
	relayer  DataRelayer
	attached bool

	// nil relays every descriptor
	fds map[int]bool
}

var _ inductor.Listener = (*ProcessProtocol)(nil)

type ProcessOption func(p *ProcessProtocol)

// WithRelayedDescriptors limits the relayed output to the given descriptors. Output on others is dropped.
func WithRelayedDescriptors(fds ...int) ProcessOption {
	return func(p *ProcessProtocol) {
		p.fds = map[int]bool{}
		for _, fd := range fds {
			p.fds[fd] = true
		}
	}
}

func WithProcessLogger(l *zap.SugaredLogger) ProcessOption {
	return func(p *ProcessProtocol) {
		p.log = l.Named("process_protocol")
	}
}

func WithProcessMetrics(m *Metrics) ProcessOption {
	return func(p *ProcessProtocol) {
		p.metrics = m
	}
}

func NewProcessProtocol(opts ...ProcessOption) *ProcessProtocol {
	p := &ProcessProtocol{
		log:     defaultLogger.Named("process_protocol"),
		started: NewCompletion[inductor.Process](),
		ended:   NewCompletion[error](),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Started fires with the process handle when the process starts.
func (p *ProcessProtocol) Started() *Completion[inductor.Process] { return p.started }

// Ended fires with the termination reason when the process ends.
func (p *ProcessProtocol) Ended() *Completion[error] { return p.ended }

// Buffered returns the output waiting for Attach.
func (p *ProcessProtocol) Buffered() []Output { return p.pending }

func (p *ProcessProtocol) ProcessStarted(proc inductor.Process) {
	if !p.started.Resolve(proc) {
		p.log.Debug("ignoring duplicate process start")
		return
	}
	p.log.Debugw("process started", "PID", proc.PID())
}

func (p *ProcessProtocol) ChildDataReceived(fd int, data []byte) {
	if p.fds != nil && !p.fds[fd] {
		p.log.Debugw("dropping output on unrelayed descriptor", "FD", fd, "Bytes", len(data))
		return
	}
	if !p.attached {
		p.pending = append(p.pending, Output{FD: fd, Data: data})
		p.metrics.buffered()
		return
	}
	p.relayer.RelayData(data)
}

func (p *ProcessProtocol) ProcessEnded(reason error) {
	if reason == nil {
		reason = inductor.ErrProcessDone
	}
	if !p.ended.Resolve(reason) {
		p.log.Debug("ignoring duplicate process end")
		return
	}
	p.log.Debugw("process ended", "Reason", reason)
}

// Attach flushes buffered output to r in receipt order, then relays live output to it.
func (p *ProcessProtocol) Attach(r DataRelayer) error {
	if p.relayer != nil {
		return ErrAlreadyAttached
	}
	p.relayer = r
	// output relayed reentrantly during the flush is appended and flushed in turn
	for len(p.pending) > 0 {
		out := p.pending[0]
		p.pending = p.pending[1:]
		r.RelayData(out.Data)
	}
	p.pending = nil
	p.attached = true
	return nil
}

// ListenOn returns a Listener that runs each event of l on r, in the order the events arrive.
// Inductors call their listener from their own goroutines; relay types must only be touched on the reactor.
func ListenOn(r reactor.Reactor, l inductor.Listener) inductor.Listener {
	return &reactorListener{reactor: r, listener: l}
}

type reactorListener struct {
	reactor  reactor.Reactor
	listener inductor.Listener
}

func (l *reactorListener) ProcessStarted(p inductor.Process) {
	l.reactor.CallFromThread(func() { l.listener.ProcessStarted(p) })
}

func (l *reactorListener) ChildDataReceived(fd int, data []byte) {
	l.reactor.CallFromThread(func() { l.listener.ChildDataReceived(fd, data) })
}

func (l *reactorListener) ProcessEnded(reason error) {
	l.reactor.CallFromThread(func() { l.listener.ProcessEnded(reason) })
}
