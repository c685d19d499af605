package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/inductor/local"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server runs a process per WebSocket session and streams its I/O over the connection.
type Server struct {
	log      *zap.SugaredLogger
	inductor inductor.Inductor
	sessions cmap.ConcurrentMap[string, *session]

	activeSessions prometheus.Gauge
	totalSessions  prometheus.Counter
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("process_server")
	}
}

// WithServerInductor sets how the server spawns processes. The default spawns them on the local host.
func WithServerInductor(ind inductor.Inductor) ServerOption {
	return func(s *Server) {
		s.inductor = ind
	}
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		reg.MustRegister(s.activeSessions, s.totalSessions)
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:      zap.NewNop().Sugar(),
		inductor: local.New(),
		sessions: cmap.New[*session](),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carnifex",
			Subsystem: "agent",
			Name:      "sessions_active",
			Help:      "Process sessions currently running.",
		}),
		totalSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "agent",
			Name:      "sessions_total",
			Help:      "Process sessions started.",
		}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sessions returns the live sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	var infos []SessionInfo
	s.sessions.IterCb(func(_ string, sess *session) {
		infos = append(infos, sess.info())
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// ServeSessions writes the live sessions as JSON.
func (s *Server) ServeSessions(w http.ResponseWriter, r *http.Request) {
	b, err := json.Marshal(s.Sessions())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	sess := &session{
		id:    uuid.NewString(),
		conn:  wsConn,
		ended: make(chan struct{}),
	}
	sess.log = s.log.With("Session", sess.id)
	sess.log.Debug("accepted WebSocket conn")

	// the process lives as long as the request
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.start(ctx, sess); err != nil {
		sess.log.Debugf("error starting process: %s", err)
		if err := writeJSON(wsConn, responseMessage{Err: err.Error()}); err != nil {
			sess.log.Debugf("error sending start error: %s", err)
		}
		wsConn.Close(websocket.StatusNormalClosure, "")
		return
	}

	s.sessions.Set(sess.id, sess)
	s.activeSessions.Inc()
	s.totalSessions.Inc()
	defer func() {
		s.sessions.Remove(sess.id)
		s.activeSessions.Dec()
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		// the client going away kills the process
		defer cancel()
		sess.readMessages(ctx)
	}()

	<-sess.ended
	// the client closes the conn once it has the exit message
	select {
	case <-readerDone:
	case <-time.After(writeTimeout):
		sess.close(websocket.StatusNormalClosure, "")
		<-readerDone
	}
}

func (s *Server) start(ctx context.Context, sess *session) error {
	var msg requestMessage
	readCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Read(readCtx, sess.conn, &msg); err != nil {
		return fmt.Errorf("reading start message: %w", err)
	}
	if msg.Start == nil || msg.Start.Command == "" {
		return errors.New("first message contained no command")
	}
	sess.req = inductor.Request{
		Executable: msg.Start.Command,
		Args:       msg.Start.Args,
		Env:        msg.Start.Env,
		WD:         msg.Start.WD,
	}
	sess.started = time.Now()

	proc, err := s.inductor.Execute(ctx, sess, sess.req)
	if err != nil {
		return err
	}
	sess.setProc(proc)
	return nil
}

// session is the server side of one process session. It is the listener of the process it runs.
type session struct {
	id      string
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	req     inductor.Request
	started time.Time

	m    sync.Mutex
	proc inductor.Process

	ended     chan struct{}
	closeOnce sync.Once
}

var _ inductor.Listener = (*session)(nil)

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:      s.id,
		Command: s.req.Executable,
		Args:    s.req.Args,
		Started: s.started,
	}
	s.m.Lock()
	if s.proc != nil {
		info.PID = s.proc.PID()
	}
	s.m.Unlock()
	return info
}

func (s *session) setProc(p inductor.Process) {
	s.m.Lock()
	s.proc = p
	s.m.Unlock()
}

func (s *session) ProcessStarted(p inductor.Process) {
	s.setProc(p)
	s.log.Debugw("process started", "PID", p.PID())
	if err := writeJSON(s.conn, responseMessage{Started: true, PID: p.PID()}); err != nil {
		s.log.Debugf("error sending started message: %s", err)
	}
}

func (s *session) ChildDataReceived(fd int, data []byte) {
	w := &wsJSONWriter{log: s.log, conn: s.conn}
	switch fd {
	case inductor.Stdout:
		w.writeMsg = func(b []byte) any { return responseMessage{Stdout: b} }
	case inductor.Stderr:
		w.writeMsg = func(b []byte) any { return responseMessage{Stderr: b} }
	default:
		s.log.Debugw("dropping output on unknown descriptor", "FD", fd)
		return
	}
	if _, err := w.Write(data); err != nil {
		s.log.Debugf("error sending output: %s", err)
	}
}

func (s *session) ProcessEnded(reason error) {
	defer close(s.ended)
	msg := responseMessage{Exited: true, TimeMS: time.Since(s.started).Milliseconds()}
	var exitErr *inductor.ExitError
	if errors.As(reason, &exitErr) {
		msg.ExitCode = exitErr.Code
		if exitErr.Err != nil {
			msg.Err = exitErr.Err.Error()
		}
	}
	s.log.Debugw("process ended, sending exit", "ExitCode", msg.ExitCode)
	if err := writeJSON(s.conn, msg); err != nil {
		s.log.Debugf("error sending exit message: %s", err)
	}
}

func (s *session) readMessages(ctx context.Context) {
	s.m.Lock()
	proc := s.proc
	s.m.Unlock()

	for {
		var msg requestMessage
		err := wsjson.Read(ctx, s.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			s.log.Debugf("message reader got error: %s", err)
			s.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin) > 0 {
			if err := proc.Write(msg.Stdin); err != nil {
				s.log.Debugf("error writing stdin: %s", err)
			}
		}
		if msg.StdinDone {
			if err := proc.CloseStdin(); err != nil {
				s.log.Debugf("error closing stdin: %s", err)
			}
		}
		if msg.Signal != 0 {
			s.log.Debugw("signaling process", "Signal", msg.Signal)
			if err := proc.Signal(msg.Signal); err != nil {
				s.log.Debugf("error signaling process: %s", err)
			}
		}
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(code, truncateReason(reason)); err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}
