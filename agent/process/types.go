package process

import (
	"syscall"
	"time"
)

// startRequest describes the process to run. Only the first request message of a session carries one.
type startRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// requestMessage is sent client->server.
// The first message of a session must contain Start, later messages stream stdin or deliver signals.
type requestMessage struct {
	Start *startRequest `json:",omitempty"`

	Stdin     []byte `json:",omitempty"`
	StdinDone bool   `json:",omitempty"`

	Signal syscall.Signal `json:",omitempty"`
}

// responseMessage is sent server->client.
// The first message is either Started (with PID) or Err. Exited is only set on the last message.
type responseMessage struct {
	Started bool `json:",omitempty"`
	PID     int  `json:",omitempty"`

	Stdout []byte `json:",omitempty"`
	Stderr []byte `json:",omitempty"`

	// Exited is true if the process exited. ExitCode and TimeMS are set in that case, and Err if it did not exit normally.
	Exited   bool  `json:",omitempty"`
	ExitCode int   `json:",omitempty"`
	TimeMS   int64 `json:",omitempty"`

	Err string `json:",omitempty"`
}

// SessionInfo describes a live process session on the server.
type SessionInfo struct {
	ID      string
	PID     int
	Command string
	Args    []string
	Started time.Time
}
