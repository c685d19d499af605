package relay

import (
	"errors"
	"net"
	"time"

	"github.com/guseggert/carnifex/reactor"
	"go.uber.org/zap"
)

// RelayConnector connects a protocol to a RelayTransport.
// Instead of opening a socket, connecting builds the protocol from the factory and attaches it to the relay.
// All methods must be called on the reactor.
type RelayConnector struct {
	log      *zap.SugaredLogger
	metrics  *Metrics
	attempt  *Attempt
	relay    *RelayTransport
	factory  Factory
	addr     net.Addr
	protocol Protocol

	finished *Completion[error]
}

// NewRelayConnector builds a connector that owns relay. A positive timeout requires a reactor.
func NewRelayConnector(relay *RelayTransport, factory Factory, addr net.Addr, timeout time.Duration, r reactor.Reactor) (*RelayConnector, error) {
	c := &RelayConnector{
		log:      relay.Log.Named("relay_connector"),
		metrics:  relay.Metrics,
		relay:    relay,
		factory:  factory,
		addr:     addr,
		finished: NewCompletion[error](),
	}
	attempt, err := NewAttempt(timeout, r, AttemptHooks{
		OnConnect:    c.makeTransport,
		OnFail:       c.failed,
		OnDisconnect: c.disconnected,
	})
	if err != nil {
		return nil, err
	}
	attempt.log = c.log
	c.attempt = attempt
	relay.connector = c
	return c, nil
}

func (c *RelayConnector) State() State { return c.attempt.State() }

// Protocol returns the protocol built on connect, or nil.
func (c *RelayConnector) Protocol() Protocol { return c.protocol }

// Relay returns the transport this connector attaches protocols to.
func (c *RelayConnector) Relay() *RelayTransport { return c.relay }

// Finished fires with the failure or disconnect reason once the attempt reaches a terminal state.
func (c *RelayConnector) Finished() *Completion[error] { return c.finished }

// Begin starts the attempt and its timeout.
func (c *RelayConnector) Begin() error {
	return c.attempt.Begin()
}

// Connect binds sink to the relay, builds the protocol and makes the connection.
// If the attempt is no longer connecting, nothing is bound and ErrNotConnecting is returned.
func (c *RelayConnector) Connect(sink Sink) error {
	if c.attempt.State() != StateConnecting {
		return ErrNotConnecting
	}
	protocol := c.factory.BuildProtocol(c.addr)
	if protocol == nil {
		c.attempt.Fail(ErrNoProtocol)
		return ErrNoProtocol
	}
	if err := c.relay.Start(sink); err != nil {
		c.attempt.Fail(err)
		return err
	}
	c.protocol = protocol
	return c.attempt.Connect()
}

// Fail fails the attempt if it is still connecting.
func (c *RelayConnector) Fail(reason error) bool {
	return c.attempt.Fail(reason)
}

func (c *RelayConnector) makeTransport() {
	c.metrics.attempt(OutcomeConnected)
	c.relay.setProtocol(c.protocol)
	c.protocol.ConnectionMade(c.relay)
	c.relay.attach()
}

func (c *RelayConnector) failed(reason error) {
	var timeoutErr *TimeoutError
	if errors.As(reason, &timeoutErr) {
		c.metrics.attempt(OutcomeTimeout)
	} else {
		c.metrics.attempt(OutcomeFailed)
	}
	c.factory.ConnectionFailed(reason)
	c.finished.Resolve(reason)
}

func (c *RelayConnector) disconnected(reason error) {
	c.metrics.disconnected()
	c.finished.Resolve(reason)
}

// connectionLost is called by the relay when it loses its connection.
func (c *RelayConnector) connectionLost(reason error) {
	switch c.attempt.State() {
	case StateConnecting:
		c.attempt.Fail(reason)
	case StateConnected:
		c.attempt.Disconnect(reason)
	}
}
