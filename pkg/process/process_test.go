package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(workspace.NewGuard(t.TempDir()), nil, 100)
}

func waitExit(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish in time")
	}
}

func TestExecAsyncLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Exec(protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	waitExit(t, p)

	st, err := r.Status(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessExited, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.NotZero(t, st.PID)
	assert.NotZero(t, st.LastActive)

	logs, err := r.Logs(p.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	stderrOnly, err := r.Logs(p.ID, 0, []string{"stderr"})
	require.NoError(t, err)
	require.Len(t, stderrOnly, 1)
	assert.Equal(t, "err", stderrOnly[0].Content)
}

func TestExecFailedToStartKeepsRecord(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Exec(protocol.ExecRequest{Command: "/no/such/binary"})
	require.NoError(t, err)

	st, err := r.Status(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessFailed, st.State)
	assert.Nil(t, st.ExitCode)

	logs, err := r.Logs(p.ID, 0, []string{"system"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Content, "failed to start")
}

func TestExecRejectsEscapingCwd(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Exec(protocol.ExecRequest{Command: "true", Cwd: "../outside"})
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeInvalidPath, pe.Code)
}

func TestExecSync(t *testing.T) {
	r := newTestRegistry(t)

	resp, err := r.ExecSync(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo hello; echo oops >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", resp.Stdout)
	assert.Equal(t, "oops\n", resp.Stderr)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)
	assert.NotZero(t, resp.PID)
}

func TestExecSyncNonZeroExit(t *testing.T) {
	r := newTestRegistry(t)

	resp, err := r.ExecSync(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "exit 7"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 7, *resp.ExitCode)
}

func TestExecSyncTimeoutKillsGroup(t *testing.T) {
	r := newTestRegistry(t)

	start := time.Now()
	_, err := r.ExecSync(context.Background(), protocol.ExecRequest{
		Command: "sleep", Args: []string{"30"}, Timeout: 1,
	})
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeOperationTimeout, pe.Code)
	assert.True(t, pe.Retryable())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecSyncTimeoutKeepsPartialOutput(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.ExecSync(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo partial; echo holdup >&2; sleep 30"},
		Timeout: 1,
	})
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeOperationTimeout, pe.Code)
	assert.Equal(t, "partial\n", pe.Context["stdout"])
	assert.Equal(t, "holdup\n", pe.Context["stderr"])
}

func TestExecStreamEvents(t *testing.T) {
	r := newTestRegistry(t)

	var events []protocol.StreamEvent
	err := r.ExecStream(context.Background(), protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "echo one; echo two"},
	}, func(ev protocol.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "exit", last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	var lines []string
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "stdout", ev.Type)
		lines = append(lines, ev.Content)
	}
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestKillDefaultEscalates(t *testing.T) {
	r := newTestRegistry(t)
	r.killGrace = 200 * time.Millisecond

	// Trap TERM so only the SIGKILL escalation can end it.
	p, err := r.Exec(protocol.ExecRequest{
		Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 60"},
	})
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, r.Kill(p.ID, ""))
	waitExit(t, p)

	st, err := r.Status(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessKilled, st.State)
}

func TestKillExplicitSignal(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Exec(protocol.ExecRequest{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, r.Kill(p.ID, "SIGKILL"))
	waitExit(t, p)

	st, err := r.Status(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessKilled, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 137, *st.ExitCode)
}

func TestKillInvalidSignal(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Exec(protocol.ExecRequest{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	defer func() { _ = r.Kill(p.ID, "SIGKILL") }()

	err = r.Kill(p.ID, "SIGBOGUS")
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeInvalidSignal, pe.Code)
}

func TestReapDropsExpiredTerminalRecords(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Exec(protocol.ExecRequest{Command: "true"})
	require.NoError(t, err)
	waitExit(t, p)

	running, err := r.Exec(protocol.ExecRequest{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)
	defer func() { _ = r.Kill(running.ID, "SIGKILL") }()

	// Pretend the grace period has long passed.
	r.reap(types.Now() + int64(r.gcGrace.Seconds()) + 10)

	_, err = r.Status(p.ID)
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeProcessNotFound, pe.Code)

	// Running processes survive the reaper.
	_, err = r.Status(running.ID)
	assert.NoError(t, err)
}

func TestParseSignal(t *testing.T) {
	sig, escalate, err := parseSignal("")
	require.NoError(t, err)
	assert.True(t, escalate)
	assert.Equal(t, unix.SIGTERM, sig)

	sig, escalate, err = parseSignal("SIGINT")
	require.NoError(t, err)
	assert.False(t, escalate)
	assert.Equal(t, unix.SIGINT, sig)

	sig, _, err = parseSignal("kill")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGKILL, sig)

	sig, _, err = parseSignal("9")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGKILL, sig)

	_, _, err = parseSignal("SIGNOPE")
	require.Error(t, err)
}
