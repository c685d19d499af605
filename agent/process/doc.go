/*
Package process provides a client and server for running processes remotely. Stdin is streamed client->server, stdout & stderr server->client. It uses WebSockets for bidi messaging so only requires an HTTPS server.

Processes are scoped to the WebSocket connection: if the connection dies for any reason, the process is killed.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a request message containing Start, with the command and its args, env and working dir.
 3. The server replies with Started and the PID, or with Err if the process could not be started.
 4. The client and server then exchange messages containing stdin, stdout, stderr and signals while the process runs.
 5. When the process exits, the server sends a response message with Exited=true and the ExitCode.
 6. The client initiates closing of the WebSocket connection.

The server does not buffer any stdout or stderr, so a client that stops reading eventually blocks the process.
Client implements inductor.Inductor, so remote processes can back a relay.Endpoint.
*/
package process
