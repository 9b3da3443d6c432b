package process

import (
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/protocol"
	"golang.org/x/sys/unix"
)

// parseSignal maps a signal name or number to a unix signal. Empty input
// means SIGTERM with SIGKILL escalation after the grace period.
func parseSignal(name string) (sig unix.Signal, escalate bool, err error) {
	if name == "" {
		return unix.SIGTERM, true, nil
	}

	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		if n, convErr := strconv.Atoi(name); convErr == nil {
			s := unix.Signal(n)
			if unix.SignalName(s) == "" {
				return 0, false, invalidSignal(name)
			}
			return s, false, nil
		}
		upper = "SIG" + upper
	}

	s := unix.SignalNum(upper)
	if s == 0 {
		return 0, false, invalidSignal(name)
	}
	return s, false, nil
}

func invalidSignal(name string) error {
	return protocol.NewError(protocol.CodeInvalidSignal, "unknown signal").
		WithContext("signal", name)
}

// mergedEnv layers request env vars over the agent's own environment.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
