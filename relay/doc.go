/*
Package relay lets a connection-oriented Protocol talk to the standard I/O of a spawned process as if it were a network transport.

Three types do the work:

  - ProcessProtocol listens to the lifecycle of a process (started, output on a descriptor, ended) and buffers output until it is attached.
  - RelayConnector drives a connection attempt (see Attempt). When the process starts it builds the user's protocol and attaches it to a RelayTransport, and when the attempt times out or the spawn fails it notifies the factory.
  - RelayTransport is the Transport the protocol sees. Writes go to the process's stdin; relayed output is delivered to the protocol.

Endpoint wires the three together around an inductor.Inductor:

	loop := reactor.New()
	go loop.Run(ctx)

	ep, err := relay.NewEndpoint(loop, local.New(), "cat", nil, relay.WithTimeout(5*time.Second))
	...
	var connected *relay.Completion[relay.Protocol]
	loop.Call(ctx, func() { connected = ep.Connect(ctx, factory) })
	proto, err := connected.Wait(ctx)

Everything in this package except Completion.Wait and Completion.Done runs on a single reactor goroutine and needs no locking.
Process output flows process -> ProcessProtocol -> RelayTransport -> Protocol, and the ProcessProtocol is only attached after the
RelayTransport has its protocol, so the ProcessProtocol's buffer is the only one that holds process output.
When the process exits, the transport is closed with the exit reason.
*/
package relay
