package process

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/carnifex/inductor"
	"github.com/guseggert/carnifex/inductor/inductortest"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *Client) {
	t.Helper()
	server := NewServer(opts...)
	s := httptest.NewServer(server)
	t.Cleanup(s.Close)
	return server, &Client{HTTPClient: s.Client(), URL: s.URL, Log: zap.NewNop().Sugar()}
}

func TestRemoteProcess(t *testing.T) {
	cases := []struct {
		name      string
		req       inductor.Request
		stdin     string
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "happy case",
			req:       inductor.Request{Executable: "echo", Args: []string{"hello"}},
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			req:       inductor.Request{Executable: "sh", Args: []string{"-c", "printf foo; printf bar 1>&2"}},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			req:       inductor.Request{Executable: "sh", Args: []string{"-c", "read line; echo $line bar"}},
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
		{
			name:      "env and working dir",
			req:       inductor.Request{Executable: "sh", Args: []string{"-c", "printf $GREETING; pwd"}, Env: []string{"GREETING=hi"}, WD: "/"},
			expStdout: "hi/\n",
		},
		{
			name:      "large output is chunked",
			req:       inductor.Request{Executable: "head", Args: []string{"-c", "100000", "/dev/zero"}},
			expStdout: strings.Repeat("\x00", 100000),
		},
		{
			name:    "non-zero exit",
			req:     inductor.Request{Executable: "sh", Args: []string{"-c", "exit 7"}},
			expCode: 7,
		},
	}
	_, client := newTestServer(t)
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			rec := inductortest.NewRecorder()
			proc, err := client.Execute(context.Background(), rec, c.req)
			require.NoError(t, err)
			assert.NotZero(t, proc.PID())

			if c.stdin != "" {
				require.NoError(t, proc.Write([]byte(c.stdin)))
			}
			require.NoError(t, proc.CloseStdin())
			rec.Wait(t)

			assert.Equal(t, c.expStdout, rec.Output(inductor.Stdout))
			assert.Equal(t, c.expStderr, rec.Output(inductor.Stderr))
			events := rec.Events()
			assert.Equal(t, "started", events[0])
			assert.Equal(t, "ended", events[len(events)-1])

			if c.expCode == 0 {
				assert.ErrorIs(t, rec.Reason(), inductor.ErrProcessDone)
			} else {
				var exitErr *inductor.ExitError
				require.ErrorAs(t, rec.Reason(), &exitErr)
				assert.Equal(t, c.expCode, exitErr.Code)
			}
		})
	}
}

func TestRemoteProcessStartError(t *testing.T) {
	_, client := newTestServer(t)
	rec := inductortest.NewRecorder()
	_, err := client.Execute(context.Background(), rec, inductor.Request{Executable: "/definitely/not/a/binary"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/definitely/not/a/binary")
	assert.False(t, rec.Started())
}

func TestRemoteProcessSignal(t *testing.T) {
	_, client := newTestServer(t)
	rec := inductortest.NewRecorder()
	proc, err := client.Execute(context.Background(), rec, inductor.Request{Executable: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, proc.Signal(syscall.SIGTERM))
	rec.Wait(t)

	var exitErr *inductor.ExitError
	require.ErrorAs(t, rec.Reason(), &exitErr)
	assert.Equal(t, -1, exitErr.Code)

	// the process is gone, so these are no-ops
	assert.NoError(t, proc.Signal(syscall.SIGTERM))
	assert.ErrorIs(t, proc.Write([]byte("x")), ErrExited)
}

func TestRemoteProcessContextCancel(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	rec := inductortest.NewRecorder()
	_, err := client.Execute(ctx, rec, inductor.Request{Executable: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	cancel()
	rec.Wait(t)

	var exitErr *inductor.ExitError
	require.ErrorAs(t, rec.Reason(), &exitErr)
	assert.Equal(t, -1, exitErr.Code)
}

func TestSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	server, client := newTestServer(t, WithRegisterer(reg))

	recs := make([]*inductortest.Recorder, 3)
	procs := make([]inductor.Process, 3)
	var group errgroup.Group
	for i := range recs {
		i := i
		recs[i] = inductortest.NewRecorder()
		group.Go(func() error {
			p, err := client.Execute(context.Background(), recs[i], inductor.Request{Executable: "cat"})
			procs[i] = p
			return err
		})
	}
	require.NoError(t, group.Wait())

	require.Eventually(t, func() bool { return len(server.Sessions()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3.0, metricValue(t, server.activeSessions))

	rr := httptest.NewRecorder()
	server.ServeSessions(rr, httptest.NewRequest(http.MethodGet, "/procs", nil))
	var infos []SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
	require.Len(t, infos, 3)
	pids := map[int]bool{}
	for _, p := range procs {
		pids[p.PID()] = true
	}
	for _, info := range infos {
		assert.Equal(t, "cat", info.Command)
		assert.True(t, pids[info.PID])
		assert.NotEmpty(t, info.ID)
	}

	for i, p := range procs {
		require.NoError(t, p.CloseStdin())
		recs[i].Wait(t)
	}
	require.Eventually(t, func() bool { return len(server.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, metricValue(t, server.activeSessions))
	assert.Equal(t, 3.0, metricValue(t, server.totalSessions))
}
