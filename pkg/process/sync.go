package process

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/protocol"
	"golang.org/x/sys/unix"
)

// DefaultSyncTimeout bounds synchronous execs that do not pick their own.
const DefaultSyncTimeout = 30 * time.Second

// ExecSync runs a command to completion and returns its captured output.
// On timeout the whole process group is killed and the caller gets an
// operation_timeout error.
func (r *Registry) ExecSync(ctx context.Context, req protocol.ExecRequest) (*protocol.ExecSyncResponse, error) {
	cmd, err := r.buildCmd(req)
	if err != nil {
		return nil, err
	}

	timeout := DefaultSyncTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "failed to start: %v", err)
	}
	pid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-waitErr
		if ctx.Err() == context.DeadlineExceeded {
			// Wait has returned, so the buffers are quiesced; hand the
			// partial output back with the timeout.
			return nil, protocol.NewError(protocol.CodeOperationTimeout,
				"command did not finish within %s", timeout).
				WithContext("command", req.Command).
				WithContext("stdout", stdout.String()).
				WithContext("stderr", stderr.String())
		}
		return nil, protocol.NewError(protocol.CodeInternal, "execution cancelled")
	case err := <-waitErr:
		code := exitCodeOf(err)
		if code == nil {
			return nil, protocol.NewError(protocol.CodeInternal, "wait failed: %v", err)
		}
		return &protocol.ExecSyncResponse{
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			ExitCode:   code,
			DurationMS: time.Since(start).Milliseconds(),
			PID:        pid,
		}, nil
	}
}

// StreamFunc receives one event of a streaming exec. Returning an error
// aborts the stream and kills the process group.
type StreamFunc func(protocol.StreamEvent) error

// ExecStream runs a command and emits its output line by line, ending
// with an exit event. Cancelling the context kills the process group.
func (r *Registry) ExecStream(ctx context.Context, req protocol.ExecRequest, emit StreamFunc) error {
	cmd, err := r.buildCmd(req)
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.NewError(protocol.CodeInternal, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return protocol.NewError(protocol.CodeInternal, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return protocol.NewError(protocol.CodeInternal, "failed to start: %v", err)
	}
	pid := cmd.Process.Pid

	// emit is called from both readers; serialize it.
	var emitMu sync.Mutex
	abort := make(chan struct{})
	var abortOnce sync.Once
	send := func(ev protocol.StreamEvent) {
		emitMu.Lock()
		err := emit(ev)
		emitMu.Unlock()
		if err != nil {
			abortOnce.Do(func() { close(abort) })
		}
	}

	var readers sync.WaitGroup
	pump := func(pipe io.Reader, kind string) {
		defer readers.Done()
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			send(protocol.StreamEvent{Type: kind, Content: scanner.Text()})
		}
	}
	readers.Add(2)
	go pump(stdout, "stdout")
	go pump(stderr, "stderr")

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
		return protocol.NewError(protocol.CodeInternal, "stream cancelled")
	case <-abort:
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
		return protocol.NewError(protocol.CodeInternal, "stream consumer failed")
	case err := <-done:
		code := exitCodeOf(err)
		if code == nil {
			return protocol.NewError(protocol.CodeInternal, "wait failed: %v", err)
		}
		send(protocol.StreamEvent{Type: "exit", ExitCode: code})
		return nil
	}
}

// buildCmd assembles an exec.Cmd with workspace cwd validation and its
// own process group.
func (r *Registry) buildCmd(req protocol.ExecRequest) (*exec.Cmd, error) {
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
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(req.Env)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// exitCodeOf extracts the exit code from a Wait error. Nil means the
// error was not an exit status at all.
func exitCodeOf(err error) *int {
	if err == nil {
		zero := 0
		return &zero
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return nil
	}
	status := exitErr.Sys().(syscall.WaitStatus)
	var code int
	if status.Signaled() {
		code = 128 + int(status.Signal())
	} else {
		code = status.ExitStatus()
	}
	return &code
}
