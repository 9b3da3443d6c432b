package session

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/logring"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// DefaultShell is used when the create request does not name one.
	DefaultShell = "bash"
	// DefaultExecTimeout bounds one command inside a session.
	DefaultExecTimeout = 30 * time.Second
	// terminateGrace is how long a closing session gets between SIGTERM
	// and SIGKILL.
	terminateGrace = 2 * time.Second
)

// capture collects the output of the one in-flight command. The stream
// readers feed it; Exec waits on the done channels.
type capture struct {
	mu         sync.Mutex
	stdout     []string
	stderr     []string
	stdoutDone chan int // exit code parsed from the stdout marker
	stderrDone chan struct{}
}

// Session is one long-lived shell. Commands are executed by writing
// them to the shell's stdin followed by marker lines; the stream readers
// recognize the markers and hand the collected output back to Exec.
// One command at a time: execMu serializes callers in FIFO order.
type Session struct {
	mu sync.Mutex

	ID         string
	Shell      string
	Cwd        string
	Env        map[string]string
	State      types.SessionState
	CreatedAt  time.Time
	LastUsedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ring   *logring.Ring
	active *capture

	execMu   sync.Mutex
	done     chan struct{}
	killOnce sync.Once

	sink   LogSink
	logger zerolog.Logger
}

func (s *Session) status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	return types.SessionStatus{
		SessionID:  s.ID,
		Shell:      s.Shell,
		Cwd:        s.Cwd,
		Env:        env,
		State:      s.State,
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		LastUsedAt: s.LastUsedAt.Format(time.RFC3339),
	}
}

func (s *Session) appendLog(level types.LogLevel, content string) {
	entry := s.ring.Append(level, content)
	metrics.LogLines.WithLabelValues(string(types.TargetSession)).Inc()
	s.sink.Publish(types.TargetSession, s.ID, entry)
}

// Exec runs one command inside the session and returns its output once
// the shell reports completion. Concurrent callers queue up in arrival
// order.
func (s *Session) Exec(command string, timeout time.Duration) (*protocol.SessionExecResponse, error) {
	if strings.TrimSpace(command) == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "command must not be empty")
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.State != types.SessionActive {
		state := s.State
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeSessionTerminated,
			"session is %s", state).WithContext("sessionId", s.ID)
	}
	s.LastUsedAt = time.Now()
	cpt := &capture{
		stdoutDone: make(chan int, 1),
		stderrDone: make(chan struct{}, 1),
	}
	s.active = cpt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	s.appendLog(types.LogLevelSystem, "Executing: "+command)
	metrics.SessionCommands.Inc()

	nonce := newNonce()
	outMarker := markerPrefix(nonce)
	errMarker := stderrMarker(nonce)

	start := time.Now()
	// The command runs first; the markers always follow, carrying the
	// exit code on stdout and a bare end mark on stderr.
	script := fmt.Sprintf("%s\nprintf '%s%%d\\n' $?\nprintf '%s\\n' >&2\n",
		command, outMarker, errMarker)
	if _, err := io.WriteString(s.stdin, script); err != nil {
		return nil, protocol.NewError(protocol.CodeSessionTerminated,
			"session shell is gone: %v", err).WithContext("sessionId", s.ID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var exitCode int
	select {
	case exitCode = <-cpt.stdoutDone:
	case <-s.done:
		return nil, protocol.NewError(protocol.CodeSessionTerminated,
			"session ended while command was running").WithContext("sessionId", s.ID)
	case <-timer.C:
		// The shell is stuck mid-command; nothing sane can run after
		// this, so the whole session goes down.
		s.logger.Warn().Str("command", command).
			Msg("command timed out, terminating session")
		s.kill()
		return nil, protocol.NewError(protocol.CodeSessionTimeout,
			"command did not finish within %s", timeout).
			WithContext("sessionId", s.ID)
	}

	select {
	case <-cpt.stderrDone:
	case <-s.done:
	case <-timer.C:
	}

	cpt.mu.Lock()
	resp := &protocol.SessionExecResponse{
		Stdout:     joinLines(cpt.stdout),
		Stderr:     joinLines(cpt.stderr),
		ExitCode:   exitCode,
		DurationMS: time.Since(start).Milliseconds(),
	}
	cpt.mu.Unlock()
	return resp, nil
}

// readStdout pumps the shell's stdout, peeling off marker lines.
func (s *Session) readStdout(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		cpt := s.active
		s.mu.Unlock()

		if cpt != nil {
			if code, ok := parseMarker(line); ok {
				select {
				case cpt.stdoutDone <- code:
				default:
				}
				continue
			}
			if head, code, ok := splitGluedMarker(line); ok {
				// The command's final write had no trailing newline, so
				// the marker landed on the same scanner line.
				cpt.mu.Lock()
				cpt.stdout = append(cpt.stdout, head)
				cpt.mu.Unlock()
				select {
				case cpt.stdoutDone <- code:
				default:
				}
				s.appendLog(types.LogLevelStdout, head)
				continue
			}
			cpt.mu.Lock()
			cpt.stdout = append(cpt.stdout, line)
			cpt.mu.Unlock()
		} else if strings.Contains(line, markerTag) {
			continue // stale marker from a timed-out command
		}
		s.appendLog(types.LogLevelStdout, line)
	}
}

// readStderr pumps the shell's stderr.
func (s *Session) readStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		cpt := s.active
		s.mu.Unlock()

		if cpt != nil {
			if isStderrMarker(line) {
				select {
				case cpt.stderrDone <- struct{}{}:
				default:
				}
				continue
			}
			if head, ok := splitGluedStderrMarker(line); ok {
				cpt.mu.Lock()
				cpt.stderr = append(cpt.stderr, head)
				cpt.mu.Unlock()
				select {
				case cpt.stderrDone <- struct{}{}:
				default:
				}
				s.appendLog(types.LogLevelStderr, head)
				continue
			}
			cpt.mu.Lock()
			cpt.stderr = append(cpt.stderr, line)
			cpt.mu.Unlock()
		} else if strings.Contains(line, markerTag) {
			continue
		}
		s.appendLog(types.LogLevelStderr, line)
	}
}

// kill force-terminates the shell's process group.
func (s *Session) kill() {
	s.killOnce.Do(func() {
		s.mu.Lock()
		s.State = types.SessionTerminated
		pid := 0
		if s.cmd != nil && s.cmd.Process != nil {
			pid = s.cmd.Process.Pid
		}
		s.mu.Unlock()
		if pid != 0 {
			_ = unix.Kill(-pid, unix.SIGKILL)
		}
	})
}

const markerTag = "__BURROW_END_"

func markerPrefix(nonce string) string {
	return markerTag + nonce + "_"
}

func stderrMarker(nonce string) string {
	return markerTag + nonce + "_E"
}

func parseMarker(line string) (int, bool) {
	if !strings.HasPrefix(line, markerTag) {
		return 0, false
	}
	idx := strings.LastIndexByte(line, '_')
	if idx < 0 || idx == len(line)-1 {
		return 0, false
	}
	code, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, false
	}
	return code, true
}

func isStderrMarker(line string) bool {
	return strings.HasPrefix(line, markerTag) && strings.HasSuffix(line, "_E")
}

// splitGluedMarker recognizes a stdout marker glued to the tail of
// output that ended without a newline, returning the output part and
// the parsed exit code.
func splitGluedMarker(line string) (string, int, bool) {
	idx := strings.Index(line, markerTag)
	if idx <= 0 {
		return "", 0, false
	}
	code, ok := parseMarker(line[idx:])
	if !ok {
		return "", 0, false
	}
	return line[:idx], code, true
}

func splitGluedStderrMarker(line string) (string, bool) {
	idx := strings.Index(line, markerTag)
	if idx <= 0 || !isStderrMarker(line[idx:]) {
		return "", false
	}
	return line[:idx], true
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func newNonce() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// shellQuote wraps s in single quotes, escaping embedded ones, so paths
// and values survive the shell untouched.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
