package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/guseggert/carnifex/inductor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrStdinClosed = inductor.ErrStdinClosed
	ErrExited      = errors.New("process has exited")
)

// Client starts processes on a Server. It implements inductor.Inductor.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Log        *zap.SugaredLogger
}

var _ inductor.Inductor = (*Client)(nil)

// Execute opens a session, starts the process, and returns once the server reports it started.
// The listener is called from a single goroutine per process.
func (c *Client) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	log := c.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket for process", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to run process: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	p := &remoteProcess{
		log:    log.Named("remote_process"),
		conn:   wsConn,
		exited: make(chan struct{}),
	}

	err = writeJSON(wsConn, requestMessage{Start: &startRequest{
		Command: req.Executable,
		Args:    req.Args,
		Env:     req.Env,
		WD:      req.WD,
	}})
	if err != nil {
		p.close(websocket.StatusInternalError, err.Error())
		return nil, fmt.Errorf("writing start message: %w", err)
	}

	var first responseMessage
	if err := wsjson.Read(ctx, wsConn, &first); err != nil {
		p.close(websocket.StatusInternalError, err.Error())
		return nil, fmt.Errorf("reading start response: %w", err)
	}
	if !first.Started {
		p.close(websocket.StatusNormalClosure, "")
		if first.Err == "" {
			first.Err = "no start confirmation"
		}
		return nil, fmt.Errorf("starting process %q: %s", req.Executable, first.Err)
	}
	p.pid = first.PID
	p.log = p.log.With("PID", p.pid)

	listener.ProcessStarted(p)
	go p.readMessages(listener)

	go func() {
		select {
		case <-ctx.Done():
			p.log.Debug("context done, killing process")
			_ = p.Kill()
			// the agent may be gone, so don't wait on it to report the exit
			p.close(websocket.StatusGoingAway, "context done")
		case <-p.exited:
		}
	}()

	return p, nil
}

type remoteProcess struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
	pid  int

	stdinClosed atomic.Bool
	exited      chan struct{}
	closeOnce   sync.Once
}

func (p *remoteProcess) PID() int { return p.pid }

func (p *remoteProcess) Write(b []byte) error {
	if p.stdinClosed.Load() {
		return ErrStdinClosed
	}
	if p.hasExited() {
		return ErrExited
	}
	w := &wsJSONWriter{
		log:      p.log.Named("stdin_writer"),
		conn:     p.conn,
		writeMsg: func(b []byte) any { return requestMessage{Stdin: b} },
	}
	_, err := w.Write(b)
	return err
}

func (p *remoteProcess) CloseStdin() error {
	if p.stdinClosed.Swap(true) {
		return nil
	}
	if p.hasExited() {
		return nil
	}
	return writeJSON(p.conn, requestMessage{StdinDone: true})
}

func (p *remoteProcess) Signal(sig syscall.Signal) error {
	if p.hasExited() {
		return nil
	}
	return writeJSON(p.conn, requestMessage{Signal: sig})
}

func (p *remoteProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *remoteProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *remoteProcess) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		if err := p.conn.Close(code, truncateReason(reason)); err != nil {
			p.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readMessages delivers output to the listener until the exit message arrives or the conn is lost.
// The client always initiates the close once it has the exit message.
func (p *remoteProcess) readMessages(listener inductor.Listener) {
	for {
		var msg responseMessage
		err := wsjson.Read(context.Background(), p.conn, &msg)
		if err != nil {
			p.log.Debugf("message reader got error: %s", err)
			p.close(websocket.StatusInternalError, err.Error())
			p.ended(listener, &inductor.ExitError{Code: -1, Err: fmt.Errorf("connection to agent lost: %w", err)})
			return
		}
		if len(msg.Stdout) > 0 {
			listener.ChildDataReceived(inductor.Stdout, msg.Stdout)
		}
		if len(msg.Stderr) > 0 {
			listener.ChildDataReceived(inductor.Stderr, msg.Stderr)
		}
		if msg.Exited {
			p.log.Debugw("process exited", "ExitCode", msg.ExitCode, "TimeMS", msg.TimeMS)
			var reasonErr error
			if msg.Err != "" {
				reasonErr = errors.New(msg.Err)
			}
			p.close(websocket.StatusNormalClosure, "")
			p.ended(listener, inductor.ExitReason(msg.ExitCode, reasonErr))
			return
		}
	}
}

// ended marks the process exited before the listener hears about it.
func (p *remoteProcess) ended(listener inductor.Listener, reason error) {
	close(p.exited)
	listener.ProcessEnded(reason)
}
