package session

import (
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logring"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// LogSink receives every session log line after it lands in the ring.
type LogSink interface {
	Publish(kind types.TargetKind, targetID string, entry types.LogEntry)
}

type nopSink struct{}

func (nopSink) Publish(types.TargetKind, string, types.LogEntry) {}

// Manager owns all interactive sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	guard   *workspace.Guard
	sink    LogSink
	ringCap int
	logger  zerolog.Logger
}

// NewManager creates a session manager. sink may be nil.
func NewManager(guard *workspace.Guard, sink LogSink, ringCap int) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	if ringCap <= 0 {
		ringCap = logring.DefaultCapacity
	}
	return &Manager{
		sessions: make(map[string]*Session),
		guard:    guard,
		sink:     sink,
		ringCap:  ringCap,
		logger:   log.WithComponent("session"),
	}
}

// Create starts a new shell session rooted in the workspace.
func (m *Manager) Create(req protocol.CreateSessionRequest) (*Session, error) {
	shell := req.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cwd := m.guard.Root()
	if req.WorkingDir != "" {
		resolved, err := m.guard.Resolve(req.WorkingDir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return nil, protocol.NewError(protocol.CodeDirNotFound,
				"working directory does not exist").WithContext("path", req.WorkingDir)
		}
		cwd = resolved
	}

	env := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		env[k] = v
	}

	now := time.Now()
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		Shell:      shell,
		Cwd:        cwd,
		Env:        env,
		State:      types.SessionActive,
		CreatedAt:  now,
		LastUsedAt: now,
		ring:       logring.New(m.ringCap),
		done:       make(chan struct{}),
		sink:       m.sink,
		logger:     log.WithSessionID(id),
	}

	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = sessionEnv(env)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal,
			"failed to start shell %q: %v", shell, err)
	}
	s.cmd = cmd
	s.stdin = stdin

	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go m.wait(s)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.logger.Info().Str("sessionId", s.ID).Str("shell", shell).Msg("session created")
	return s, nil
}

// wait observes the shell's exit and flips the session terminal.
func (m *Manager) wait(s *Session) {
	_ = s.cmd.Wait()
	s.mu.Lock()
	s.State = types.SessionTerminated
	s.mu.Unlock()
	close(s.done)
	metrics.SessionsActive.Dec()
	m.logger.Info().Str("sessionId", s.ID).Msg("session shell exited")
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeSessionNotFound, "session not found").
			WithContext("sessionId", id)
	}
	return s, nil
}

// Status returns the wire-facing view of one session.
func (m *Manager) Status(id string) (types.SessionStatus, error) {
	s, err := m.Get(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	return s.status(), nil
}

// List returns every session, newest first.
func (m *Manager) List() []types.SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Exec runs one command in the named session.
func (m *Manager) Exec(id, command string, timeout time.Duration) (*protocol.SessionExecResponse, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Exec(command, timeout)
}

// Cd changes the session's working directory. The path resolves against
// the current directory, session-shell style, and must exist.
func (m *Manager) Cd(id, path string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	base := s.Cwd
	s.mu.Unlock()

	abs, err := m.guard.ResolveFrom(base, path)
	if err != nil {
		return "", err
	}
	info, statErr := os.Stat(abs)
	if statErr != nil || !info.IsDir() {
		return "", protocol.NewError(protocol.CodeDirNotFound,
			"directory does not exist").WithContext("path", path)
	}

	resp, err := s.Exec("cd "+shellQuote(abs), 0)
	if err != nil {
		return "", err
	}
	if resp.ExitCode != 0 {
		return "", protocol.NewError(protocol.CodeDirNotFound,
			"shell refused directory change").WithContext("path", path)
	}

	s.mu.Lock()
	s.Cwd = abs
	s.mu.Unlock()
	s.appendLog(types.LogLevelSystem, "Changed directory to: "+abs)
	return abs, nil
}

// UpdateEnv exports the given variables into the running shell.
func (m *Manager) UpdateEnv(id string, env map[string]string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if len(env) == 0 {
		return protocol.NewError(protocol.CodeValidation, "env must not be empty")
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		resp, err := s.Exec("export "+k+"="+shellQuote(env[k]), 0)
		if err != nil {
			return err
		}
		if resp.ExitCode != 0 {
			return protocol.NewError(protocol.CodeValidation,
				"shell rejected variable").WithContext("name", k)
		}
	}

	s.mu.Lock()
	for k, v := range env {
		s.Env[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Logs returns up to tail retained lines of a session.
func (m *Manager) Logs(id string, tail int, levels []string) ([]types.LogEntry, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ring.Tail(tail, levels), nil
}

// Ring exposes the session's log ring for subscription replay.
func (m *Manager) Ring(id string) (*logring.Ring, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ring, nil
}

// Terminate shuts a session down: stdin closes so the shell can exit on
// its own, then SIGTERM, then SIGKILL once the grace runs out. The
// record stays queryable in terminated state.
func (m *Manager) Terminate(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.State != types.SessionActive {
		s.mu.Unlock()
		return nil // already going down; terminate is idempotent
	}
	s.State = types.SessionTerminating
	stdin := s.stdin
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	m.logger.Info().Str("sessionId", id).Msg("terminating session")
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(terminateGrace):
	}

	if pid != 0 {
		_ = unix.Kill(-pid, unix.SIGTERM)
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(terminateGrace):
	}

	s.kill()
	return nil
}

// Remove drops a terminated session record.
func (m *Manager) Remove(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	active := s.State == types.SessionActive
	s.mu.Unlock()
	if active {
		return protocol.NewError(protocol.CodeConflict,
			"session is still active").WithContext("sessionId", id)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Shutdown terminates every active session. Used on agent stop.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Terminate(id)
	}
}

func sessionEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
