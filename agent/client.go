package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/carnifex/agent/process"
	"github.com/guseggert/carnifex/inductor"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// serverName is the name agent certs are issued for. Clients dial by address but verify this name.
const serverName = "nodeagent"

// Client talks to a NodeAgent. It implements inductor.Inductor by running processes on the agent's host.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	processClient            *process.Client

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

var _ inductor.Inductor = (*Client)(nil)

type ClientOption func(c *Client)

// WithClientWaitInterval sets the initial interval between heartbeats in WaitForServer.
func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, host string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	// The URL host is the cert name, which need not resolve, so always dial the agent's real address.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", dialAddr)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	baseURL := fmt.Sprintf("https://%s:%d", serverName, port)

	c := &Client{
		Logger:            log.Named("nodeagent_client"),
		baseURL:           baseURL,
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.processClient = &process.Client{
		// WebSocket upgrades are not retryable, so sessions bypass the retrying client
		HTTPClient: retryClient.HTTPClient,
		URL:        baseURL + "/process",
		Log:        c.Logger.Named("process_client"),
	}

	return c, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			body = []byte(fmt.Sprintf("error reading body: %s", err))
		}
		return nil, fmt.Errorf("unexpected status code %d for %s: %s", resp.StatusCode, path, body)
	}
	return resp, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.get(ctx, "/heartbeat")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ready reports the agent's readiness check, which fails while heartbeats are late.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.get(ctx, "/ready")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Procs lists the process sessions running on the agent.
func (c *Client) Procs(ctx context.Context) ([]process.SessionInfo, error) {
	resp, err := c.get(ctx, "/procs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var infos []process.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding process sessions: %w", err)
	}
	return infos, nil
}

// Execute runs a process on the agent's host.
func (c *Client) Execute(ctx context.Context, listener inductor.Listener, req inductor.Request) (inductor.Process, error) {
	return c.processClient.Execute(ctx, listener, req)
}

// WaitForServer sends heartbeats, backing off between failures, until one succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.waitInterval
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return c.SendHeartbeat(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.Logger.Debugw("got heartbeat error", "Error", err, "Next", next)
	})
	if err != nil {
		return fmt.Errorf("waiting for agent: %w", err)
	}
	c.Logger.Debug("heartbeat succeeded, done waiting for server")
	return nil
}

// StartHeartbeat sends heartbeats in the background until StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := c.SendHeartbeat(context.Background())
				if err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
