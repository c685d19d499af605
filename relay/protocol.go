package relay

import (
	"net"
	"syscall"

	"github.com/guseggert/carnifex/inductor"
)

// Transport is what a Protocol sees as its live duplex channel.
type Transport interface {
	Write(b []byte) error
	WriteSequence(chunks [][]byte) error
	// LoseConnection closes the channel. A nil reason means ErrConnectionDone.
	LoseConnection(reason error)
}

// Protocol reacts to the lifecycle events of a Transport.
type Protocol interface {
	ConnectionMade(t Transport)
	DataReceived(b []byte)
	ConnectionLost(reason error)
}

// Factory builds a Protocol per connection and is told when a connection could not be made.
type Factory interface {
	// BuildProtocol returns the protocol for a new connection, or nil to refuse it.
	BuildProtocol(addr net.Addr) Protocol
	ConnectionFailed(reason error)
}

// FactoryFunc is a Factory that ignores connection failures.
type FactoryFunc func(addr net.Addr) Protocol

func (f FactoryFunc) BuildProtocol(addr net.Addr) Protocol { return f(addr) }

func (f FactoryFunc) ConnectionFailed(reason error) {}

// Sink is the write side of a real channel. A RelayTransport binds one with Start.
type Sink interface {
	Write(b []byte) error
	WriteSequence(chunks [][]byte) error
	Close() error
}

// HalfCloser is implemented by transports whose write side can be closed on its own.
type HalfCloser interface {
	CloseWrite() error
}

// Signaler is implemented by sinks backed by a process.
type Signaler interface {
	Signal(sig syscall.Signal) error
}

// ProcessAddr is the address of a relayed process, handed to Factory.BuildProtocol.
type ProcessAddr struct {
	Request inductor.Request
}

func (a ProcessAddr) Network() string { return "process" }

func (a ProcessAddr) String() string { return a.Request.String() }

// processSink writes to a process's stdin.
type processSink struct {
	proc inductor.Process
}

// NewProcessSink returns a Sink that writes to the stdin of p. Closing it closes stdin.
func NewProcessSink(p inductor.Process) Sink {
	return &processSink{proc: p}
}

func (s *processSink) Write(b []byte) error { return s.proc.Write(b) }

func (s *processSink) WriteSequence(chunks [][]byte) error {
	for _, c := range chunks {
		if err := s.proc.Write(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *processSink) Close() error { return s.proc.CloseStdin() }

func (s *processSink) Signal(sig syscall.Signal) error { return s.proc.Signal(sig) }
