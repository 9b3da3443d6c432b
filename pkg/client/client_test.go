package client

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentToken = "agent-token"

// newFixture starts a real agent over httptest and points a client at
// it through a fake upstream descriptor.
func newFixture(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	cfg := agent.DefaultConfig()
	cfg.WorkspacePath = t.TempDir()
	cfg.Token = agentToken
	cfg.RingCapacity = 100

	srv := httptest.NewServer(agent.NewServer(cfg, "test").Handler())
	t.Cleanup(srv.Close)

	api := &fakeAPI{devbox: &types.Devbox{
		Name:        "demo",
		Status:      types.DevboxRunning,
		AgentServer: &types.AgentServer{URL: srv.URL, Token: agentToken},
	}}
	c := NewWithAPI("demo", api, Config{
		Retry: RetryPolicy{InitialDelay: time.Millisecond, MaxAttempts: 2},
	})
	t.Cleanup(c.Close)
	return c, api
}

func TestClientFileRoundTrip(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	_, err := c.WriteFile(ctx, protocol.WriteFileRequest{
		Path:       "notes/todo.txt",
		Content:    base64.StdEncoding.EncodeToString([]byte("ship it\n")),
		Encoding:   "base64",
		CreateDirs: true,
	})
	require.NoError(t, err)

	read, err := c.ReadFile(ctx, protocol.ReadFileRequest{Path: "notes/todo.txt"})
	require.NoError(t, err)
	content, err := base64.StdEncoding.DecodeString(read.Content)
	require.NoError(t, err)
	assert.Equal(t, "ship it\n", string(content))

	list, err := c.ListFiles(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "todo.txt", list.Entries[0].Name)
}

func TestClientErrorTaxonomy(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	_, err := c.ReadFile(ctx, protocol.ReadFileRequest{Path: "missing.txt"})
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeFileNotFound, pe.Code)

	_, err = c.WriteFile(ctx, protocol.WriteFileRequest{Path: "../escape", Content: "x"})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeInvalidPath, pe.Code)
}

func TestClientRejectedToken(t *testing.T) {
	c, api := newFixture(t)
	api.devbox.AgentServer.Token = "wrong"

	_, err := c.Health(context.Background())
	require.NoError(t, err, "health is exempt from auth")

	_, err = c.Ports(context.Background())
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeInvalidToken, pe.Code)
}

func TestClientExecSync(t *testing.T) {
	c, _ := newFixture(t)

	resp, err := c.ExecSync(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", resp.Stdout)
	assert.Equal(t, "err\n", resp.Stderr)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)
}

func TestClientExecStream(t *testing.T) {
	c, _ := newFixture(t)

	var events []protocol.StreamEvent
	err := c.ExecStream(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo first; echo second"},
	}, func(ev protocol.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(events), 3)
	last := events[len(events)-1]
	assert.Equal(t, "exit", last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	var lines []string
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "stdout", ev.Type)
		lines = append(lines, ev.Content)
	}
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestClientProcessLifecycle(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	started, err := c.Exec(ctx, protocol.ExecRequest{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	st, err := c.ProcessStatus(ctx, started.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessRunning, st.State)

	require.NoError(t, c.KillProcess(ctx, started.ProcessID, "SIGKILL"))
	require.Eventually(t, func() bool {
		st, err := c.ProcessStatus(ctx, started.ProcessID)
		return err == nil && st.State == types.ProcessKilled
	}, 5*time.Second, 50*time.Millisecond)
}

func TestClientSessionFlow(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, protocol.CreateSessionRequest{})
	require.NoError(t, err)

	require.NoError(t, c.UpdateSessionEnv(ctx, created.SessionID, map[string]string{"WHO": "burrow"}))
	resp, err := c.SessionExec(ctx, created.SessionID, "echo hello $WHO")
	require.NoError(t, err)
	assert.Equal(t, "hello burrow\n", resp.Stdout)
	assert.Equal(t, 0, resp.ExitCode)

	require.NoError(t, c.TerminateSession(ctx, created.SessionID))
	st, err := c.SessionStatus(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, st.State)
}

func TestClientDownloadArchive(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		_, err := c.WriteFile(ctx, protocol.WriteFileRequest{Path: name, Content: name})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, c.DownloadFiles(ctx, []string{"a.txt", "b.txt"}, &buf))

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		_, _ = io.Copy(io.Discard, tr)
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)
}

func TestClientDownloadMissingPath(t *testing.T) {
	c, _ := newFixture(t)

	var buf bytes.Buffer
	err := c.DownloadFiles(context.Background(), []string{"nope.txt"}, &buf)
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeFileNotFound, pe.Code)
	assert.Zero(t, buf.Len())
}

func TestClientSubscribeLogs(t *testing.T) {
	c, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := c.Exec(ctx, protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo one; echo two"},
	})
	require.NoError(t, err)

	// Wait until both lines are in the ring, then subscribe with tail.
	require.Eventually(t, func() bool {
		logs, err := c.ProcessLogs(ctx, started.ProcessID, 0, []string{"stdout"})
		return err == nil && len(logs.Logs) == 2
	}, 5*time.Second, 50*time.Millisecond)

	var got []protocol.LogMessage
	err = c.SubscribeLogs(ctx, types.TargetProcess, started.ProcessID,
		protocol.SubscribeOptions{Levels: []string{"stdout"}, Tail: 10},
		func(msg protocol.LogMessage) error {
			got = append(got, msg)
			if len(got) == 2 {
				cancel()
			}
			return nil
		})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Log.Content)
	assert.Equal(t, "two", got[1].Log.Content)
	assert.True(t, got[0].IsHistory)
	assert.Less(t, got[0].Log.Sequence, got[1].Log.Sequence)
}

func TestClientLifecycleProxiedUpstream(t *testing.T) {
	c, api := newFixture(t)
	ctx := context.Background()

	// Warm the resolver cache, then check lifecycle calls invalidate it.
	_, err := c.Health(ctx)
	require.NoError(t, err)
	gets := api.gets

	require.NoError(t, c.Start(ctx))
	assert.True(t, api.started)

	_, err = c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, gets+1, api.gets, "lifecycle must drop the cached endpoint")

	require.NoError(t, c.Pause(ctx))
	assert.True(t, api.paused)
	require.NoError(t, c.Delete(ctx))
	assert.True(t, api.deleted)
}

func TestClientNotReadyRetriesAndSurfaces(t *testing.T) {
	api := &fakeAPI{devbox: &types.Devbox{Name: "demo", Status: types.DevboxPending}}
	c := NewWithAPI("demo", api, Config{
		Retry: RetryPolicy{InitialDelay: time.Millisecond, MaxAttempts: 3},
	})
	t.Cleanup(c.Close)

	_, err := c.Health(context.Background())
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeDevboxNotReady, pe.Code)
	assert.Equal(t, 3, api.gets, "not-ready is retryable, resolver polls upstream")
}
