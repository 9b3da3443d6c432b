package process

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
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

const (
	// DefaultKillGrace is how long a SIGTERM gets before escalation.
	DefaultKillGrace = 2 * time.Second
	// DefaultGCGrace is how long terminal records stay queryable.
	DefaultGCGrace = 5 * time.Minute
	// gcInterval is how often the reaper scans for expired records.
	gcInterval = time.Minute
)

// LogSink receives every log line as it is appended, after it has been
// stored in the target's ring. The hub implements this to fan lines out
// to subscribers.
type LogSink interface {
	Publish(kind types.TargetKind, targetID string, entry types.LogEntry)
}

// nopSink is used when no hub is attached (tests, sync-only callers).
type nopSink struct{}

func (nopSink) Publish(types.TargetKind, string, types.LogEntry) {}

// Process is one managed process record. Records outlive their OS
// process so logs and exit state stay queryable until the reaper runs.
type Process struct {
	mu sync.Mutex

	ID        string
	PID       int
	Command   string
	Args      []string
	Cwd       string
	State     types.ProcessState
	ExitCode  *int
	StartedAt int64
	EndedAt   int64

	ring *logring.Ring
	cmd  *exec.Cmd
	done chan struct{} // closed when the waiter has recorded the exit
}

func (p *Process) status() types.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	lastActive := p.EndedAt
	if lastActive == 0 {
		lastActive = types.Now()
	}
	return types.ProcessStatus{
		ProcessID:  p.ID,
		PID:        p.PID,
		Command:    p.Command,
		Args:       p.Args,
		Cwd:        p.Cwd,
		State:      p.State,
		ExitCode:   p.ExitCode,
		StartedAt:  p.StartedAt,
		LastActive: lastActive,
	}
}

// Status returns the wire-facing view of the record.
func (p *Process) Status() types.ProcessStatus {
	return p.status()
}

func (p *Process) terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State.Terminal()
}

// Registry owns all process records and their lifecycle.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process

	guard     *workspace.Guard
	sink      LogSink
	ringCap   int
	killGrace time.Duration
	gcGrace   time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewRegistry creates a process registry. sink may be nil.
func NewRegistry(guard *workspace.Guard, sink LogSink, ringCap int) *Registry {
	if sink == nil {
		sink = nopSink{}
	}
	if ringCap <= 0 {
		ringCap = logring.DefaultCapacity
	}
	return &Registry{
		processes: make(map[string]*Process),
		guard:     guard,
		sink:      sink,
		ringCap:   ringCap,
		killGrace: DefaultKillGrace,
		gcGrace:   DefaultGCGrace,
		logger:    log.WithComponent("process"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background reaper.
func (r *Registry) Start() {
	go r.gcLoop()
}

// Stop halts the reaper. Running processes are left alone.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Exec starts a process asynchronously and returns its record. A spawn
// failure still produces a record, in state failed-to-start, so the
// caller can fetch the reason from its logs.
func (r *Registry) Exec(req protocol.ExecRequest) (*Process, error) {
	if req.Command == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "command must not be empty")
	}

	cwd := r.guard.Root()
	if req.Cwd != "" {
		resolved, err := r.guard.Resolve(req.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}

	p := &Process{
		ID:        uuid.NewString(),
		Command:   req.Command,
		Args:      req.Args,
		Cwd:       cwd,
		State:     types.ProcessRunning,
		StartedAt: types.Now(),
		ring:      logring.New(r.ringCap),
		done:      make(chan struct{}),
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(req.Env)
	// Own process group so kill reaches the whole tree.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "stderr pipe: %v", err)
	}

	r.mu.Lock()
	r.processes[p.ID] = p
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		now := types.Now()
		p.mu.Lock()
		p.State = types.ProcessFailed
		p.EndedAt = now
		p.mu.Unlock()
		close(p.done)
		r.appendLog(p, types.LogLevelSystem, "failed to start: "+err.Error())
		metrics.ProcessesFailed.Inc()
		r.logger.Warn().Str("processId", p.ID).Str("command", req.Command).
			Err(err).Msg("process failed to start")
		return p, nil
	}

	p.mu.Lock()
	p.cmd = cmd
	p.PID = cmd.Process.Pid
	p.mu.Unlock()

	metrics.ProcessesStarted.Inc()
	metrics.ProcessesRunning.Inc()
	r.logger.Info().Str("processId", p.ID).Int("pid", cmd.Process.Pid).
		Str("command", req.Command).Msg("process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go r.readLines(p, stdout, types.LogLevelStdout, &readers)
	go r.readLines(p, stderr, types.LogLevelStderr, &readers)
	go r.wait(p, cmd, &readers)

	return p, nil
}

// readLines pumps one pipe into the process ring line by line.
func (r *Registry) readLines(p *Process, pipe io.Reader, level types.LogLevel, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.appendLog(p, level, scanner.Text())
	}
}

// wait records the exit once both readers have drained their pipes.
func (r *Registry) wait(p *Process, cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	now := types.Now()

	p.mu.Lock()
	p.EndedAt = now
	switch {
	case err == nil:
		code := 0
		p.ExitCode = &code
		p.State = types.ProcessExited
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			status := exitErr.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				p.State = types.ProcessKilled
				code := 128 + int(status.Signal())
				p.ExitCode = &code
			} else {
				code := status.ExitStatus()
				p.ExitCode = &code
				p.State = types.ProcessExited
			}
		} else {
			p.State = types.ProcessKilled
		}
	}
	state := p.State
	exitCode := p.ExitCode
	p.mu.Unlock()
	close(p.done)
	metrics.ProcessesRunning.Dec()

	ev := r.logger.Info().Str("processId", p.ID).Str("state", string(state))
	if exitCode != nil {
		ev = ev.Int("exitCode", *exitCode)
	}
	ev.Msg("process finished")
}

func (r *Registry) appendLog(p *Process, level types.LogLevel, content string) {
	entry := p.ring.Append(level, content)
	metrics.LogLines.WithLabelValues(string(types.TargetProcess)).Inc()
	r.sink.Publish(types.TargetProcess, p.ID, entry)
}

// Get returns a process record by id.
func (r *Registry) Get(id string) (*Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeProcessNotFound, "process not found").
			WithContext("processId", id)
	}
	return p, nil
}

// Status returns the current status of a process.
func (r *Registry) Status(id string) (types.ProcessStatus, error) {
	p, err := r.Get(id)
	if err != nil {
		return types.ProcessStatus{}, err
	}
	return p.status(), nil
}

// List returns the status of every retained record, running or terminal.
func (r *Registry) List() []types.ProcessStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ProcessStatus, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p.status())
	}
	return out
}

// Logs returns up to tail retained lines of a process, filtered by level.
func (r *Registry) Logs(id string, tail int, levels []string) ([]types.LogEntry, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return p.ring.Tail(tail, levels), nil
}

// Ring exposes the log ring for subscription replay.
func (r *Registry) Ring(id string) (*logring.Ring, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return p.ring, nil
}

// Kill sends the named signal to the whole process group. The default
// SIGTERM escalates to SIGKILL if the process outlives the grace period.
func (r *Registry) Kill(id, signal string) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}

	sig, escalate, err := parseSignal(signal)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.State.Terminal() {
		p.mu.Unlock()
		return nil // already dead; kill is idempotent
	}
	pid := p.PID
	p.mu.Unlock()
	if pid == 0 {
		return nil
	}

	r.logger.Info().Str("processId", id).Str("signal", unix.SignalName(sig)).
		Msg("signalling process group")
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return protocol.NewError(protocol.CodeInternal, "kill failed: %v", err)
	}

	if escalate {
		go func() {
			select {
			case <-p.done:
			case <-time.After(r.killGrace):
				r.logger.Warn().Str("processId", id).Msg("grace expired, sending SIGKILL")
				_ = unix.Kill(-pid, unix.SIGKILL)
			}
		}()
	}
	return nil
}

// gcLoop reaps terminal records once their grace period has passed.
func (r *Registry) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reap(types.Now())
		}
	}
}

func (r *Registry) reap(now int64) {
	cutoff := now - int64(r.gcGrace.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.processes {
		p.mu.Lock()
		expired := p.State.Terminal() && p.EndedAt > 0 && p.EndedAt <= cutoff
		p.mu.Unlock()
		if expired {
			delete(r.processes, id)
			r.logger.Debug().Str("processId", id).Msg("reaped terminal process record")
		}
	}
}
