package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/carnifex/agent/process"
	"github.com/guseggert/carnifex/inductor"
	"github.com/heptiolabs/healthcheck"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxGoroutines fails the liveness check of an agent that is leaking process sessions.
const maxGoroutines = 10000

var ErrHeartbeatTimeout = errors.New("no heartbeat received within the heartbeat timeout")

// NodeAgent is an HTTP agent that runs processes on behalf of remote clients.
// The agent requires mTLS for both traffic encryption and authz.
type NodeAgent struct {
	logger *zap.SugaredLogger
	clock  clock.Clock

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler HeartbeatFailureHandler
	heartbeatTimeout        time.Duration
	listenAddr              string
	inductor                inductor.Inductor

	registry      *prometheus.Registry
	health        healthcheck.Handler
	processServer *process.Server

	serverMut  sync.Mutex
	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

// HeartbeatFailureHandler is called with the agent's logger each time the heartbeat check fails.
type HeartbeatFailureHandler func(log *zap.SugaredLogger)

func WithHeartbeatFailureHandler(f HeartbeatFailureHandler) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Sugar().Named("nodeagent")
	}
}

// WithInductor sets how the agent spawns processes. The default spawns them on the agent's host.
func WithInductor(ind inductor.Inductor) Option {
	return func(n *NodeAgent) {
		n.inductor = ind
	}
}

// WithClock sets the clock the heartbeat check runs on.
func WithClock(c clock.Clock) Option {
	return func(n *NodeAgent) {
		n.clock = c
	}
}

func HeartbeatFailureShutdown(log *zap.SugaredLogger) {
	log.Warn("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		log.Errorw("unable to shutdown host", "Error", err)
	}
}

func HeartbeatFailureExit(log *zap.SugaredLogger) {
	log.Warn("heartbeat failed, exiting")
	_ = log.Sync()
	os.Exit(1)
}

// NewNodeAgent constructs a new node agent.
func NewNodeAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &NodeAgent{
		logger:           logger.Named("nodeagent").Sugar(),
		clock:            clock.New(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		registry:         prometheus.NewRegistry(),
		health:           healthcheck.NewHandler(),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}

	serverOpts := []process.ServerOption{
		process.WithServerLogger(n.logger),
		process.WithRegisterer(n.registry),
	}
	if n.inductor != nil {
		serverOpts = append(serverOpts, process.WithServerInductor(n.inductor))
	}
	n.processServer = process.NewServer(serverOpts...)

	n.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	n.health.AddReadinessCheck("heartbeat", n.checkHeartbeat)

	return n, nil
}

func (a *NodeAgent) checkHeartbeat() error {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.heartbeatMut.Unlock()
	if lastHeartbeat.Add(a.heartbeatTimeout).Before(a.clock.Now()) {
		return ErrHeartbeatTimeout
	}
	return nil
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler each second the heartbeat is late.
func (a *NodeAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = a.clock.Now()
	a.heartbeatMut.Unlock()

	ticker := a.clock.Ticker(1 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			if err := a.checkHeartbeat(); err != nil {
				a.logger.Debugw("heartbeat check failed", "Error", err)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler(a.logger)
				}
			}
		}
	}()
}

func (a *NodeAgent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.Handler(http.MethodGet, "/process", a.processServer)
	router.HandlerFunc(http.MethodGet, "/procs", a.processServer.ServeSessions)
	router.HandlerFunc(http.MethodGet, "/live", a.health.LiveEndpoint)
	router.HandlerFunc(http.MethodGet, "/ready", a.health.ReadyEndpoint)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return router
}

func (a *NodeAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	server := &http.Server{Handler: a.router()}
	a.serverMut.Lock()
	a.httpServer = server
	a.serverMut.Unlock()
	a.logger.Infow("serving", "Addr", tcpListener.Addr().String())

	err = server.Serve(tls.NewListener(tcpListener, tlsConfig))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = a.clock.Now()
	a.heartbeatMut.Unlock()
	response := HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	_, _ = w.Write(b)
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

func (a *NodeAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.serverMut.Lock()
	server := a.httpServer
	a.serverMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}
