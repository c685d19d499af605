package relay

import (
	"syscall"

	"go.uber.org/zap"
)

// RelayTransport is the Transport a relayed protocol writes to.
// Writes go to the Sink bound by Start. Data handed to RelayData is delivered to the protocol,
// or buffered until a protocol is attached.
//
// All methods must be called on the reactor.
type RelayTransport struct {
	Log     *zap.SugaredLogger
	Metrics *Metrics

	connected    bool
	disconnected bool

	// pending is non-empty only while attached is false
	pending  [][]byte
	protocol Protocol
	attached bool

	sink       Sink
	sinkClosed bool
	connector  *RelayConnector
}

var (
	_ Transport  = (*RelayTransport)(nil)
	_ HalfCloser = (*RelayTransport)(nil)
)

func NewRelayTransport() *RelayTransport {
	return &RelayTransport{Log: defaultLogger.Named("relay_transport")}
}

// Start binds the write side of a real transport and marks the relay connected.
func (t *RelayTransport) Start(sink Sink) error {
	if sink == nil {
		return ErrNilSink
	}
	if t.connected || t.sink != nil {
		return ErrAlreadyStarted
	}
	if t.disconnected {
		return ErrConnectionClosed
	}
	t.sink = sink
	t.connected = true
	return nil
}

func (t *RelayTransport) Connected() bool { return t.connected }

func (t *RelayTransport) Disconnected() bool { return t.disconnected }

// Protocol returns the attached protocol, or nil.
func (t *RelayTransport) Protocol() Protocol { return t.protocol }

// Buffered returns the number of chunks waiting for a protocol.
func (t *RelayTransport) Buffered() int { return len(t.pending) }

func (t *RelayTransport) Write(b []byte) error {
	if t.disconnected || t.sinkClosed {
		return ErrConnectionClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	return t.sink.Write(b)
}

func (t *RelayTransport) WriteSequence(chunks [][]byte) error {
	if t.disconnected || t.sinkClosed {
		return ErrConnectionClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	return t.sink.WriteSequence(chunks)
}

// Signal signals the process behind the relay, if there is one.
func (t *RelayTransport) Signal(sig syscall.Signal) error {
	if !t.connected {
		return ErrNotConnected
	}
	s, ok := t.sink.(Signaler)
	if !ok {
		return ErrNotSupported
	}
	return s.Signal(sig)
}

// RelayData delivers b to the attached protocol, or buffers it until one is attached.
func (t *RelayTransport) RelayData(b []byte) {
	if t.disconnected {
		t.Log.Debugw("dropping data relayed after disconnect", "Bytes", len(b))
		return
	}
	if !t.attached {
		t.pending = append(t.pending, b)
		t.Metrics.buffered()
		return
	}
	t.Metrics.relayed(len(b))
	t.protocol.DataReceived(b)
}

// setProtocol assigns the protocol without delivering anything to it yet.
// Data relayed until attach is called stays buffered, so that ConnectionMade always precedes DataReceived.
func (t *RelayTransport) setProtocol(p Protocol) {
	t.protocol = p
}

// attach flushes buffered data to the protocol in order and then switches to live delivery.
func (t *RelayTransport) attach() {
	for len(t.pending) > 0 {
		if t.protocol == nil {
			return
		}
		b := t.pending[0]
		t.pending = t.pending[1:]
		t.Metrics.relayed(len(b))
		t.protocol.DataReceived(b)
	}
	if t.protocol == nil {
		return
	}
	t.pending = nil
	t.attached = true
}

// LoseConnection detaches the protocol, tells it the connection is lost, and closes the sink.
// Only the first call has any effect. A nil reason means ErrConnectionDone.
func (t *RelayTransport) LoseConnection(reason error) {
	if t.disconnected {
		return
	}
	if reason == nil {
		reason = ErrConnectionDone
	}
	t.disconnected = true
	t.connected = false

	protocol := t.protocol
	t.protocol = nil
	t.attached = false
	t.pending = nil

	if protocol != nil {
		protocol.ConnectionLost(reason)
	}
	t.closeSink()
	if t.connector != nil {
		t.connector.connectionLost(reason)
	}
}

// CloseWrite closes the write side of the relay, so the process sees EOF on stdin.
// Relayed data keeps arriving until the connection is lost.
func (t *RelayTransport) CloseWrite() error {
	if t.disconnected {
		return ErrConnectionClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	if t.sinkClosed {
		return nil
	}
	t.sinkClosed = true
	return t.sink.Close()
}

func (t *RelayTransport) closeSink() {
	if t.sink == nil || t.sinkClosed {
		return
	}
	t.sinkClosed = true
	if err := t.sink.Close(); err != nil {
		t.Log.Debugf("error closing underlying transport: %s", err)
	}
}

// FailIfNotConnected reports err to the owning connector, but only while the relay is still in its initial state.
// Failures that arrive after the relay connected or disconnected are dropped.
func (t *RelayTransport) FailIfNotConnected(err error) {
	if t.connected || t.disconnected || t.connector == nil {
		t.Log.Debugw("ignoring late failure", "Error", err, "Connected", t.connected, "Disconnected", t.disconnected)
		return
	}
	t.connector.Fail(err)
}
