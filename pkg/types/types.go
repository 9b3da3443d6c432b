package types

import "time"

// LogLevel classifies a single log line emitted by a process or session.
type LogLevel string

const (
	LogLevelStdout LogLevel = "stdout"
	LogLevelStderr LogLevel = "stderr"
	LogLevelSystem LogLevel = "system"
)

// LogEntry is one captured line of process or session output. Sequence
// numbers are per-target, strictly increasing and gap-free until ring
// eviction truncates the oldest entries.
type LogEntry struct {
	Level     LogLevel `json:"level"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"` // unix seconds
	Sequence  int64    `json:"sequence"`
}

// TargetKind identifies the owner of a log stream.
type TargetKind string

const (
	TargetProcess TargetKind = "process"
	TargetSession TargetKind = "session"
)

// FileKind classifies a directory entry.
type FileKind string

const (
	FileKindFile    FileKind = "file"
	FileKindDir     FileKind = "directory"
	FileKindSymlink FileKind = "symlink"
)

// FileEntry describes one entry of a directory listing.
type FileEntry struct {
	Name  string   `json:"name"`
	Kind  FileKind `json:"kind"`
	Size  int64    `json:"size"`
	MTime int64    `json:"mtime"` // unix seconds
	Mode  uint32   `json:"mode"`
}

// ProcessState represents the lifecycle state of a spawned process.
type ProcessState string

const (
	ProcessRunning ProcessState = "running"
	ProcessExited  ProcessState = "exited"
	ProcessKilled  ProcessState = "killed"
	ProcessFailed  ProcessState = "failed-to-start"
)

// Terminal reports whether the state admits no further transitions.
func (s ProcessState) Terminal() bool {
	return s == ProcessExited || s == ProcessKilled || s == ProcessFailed
}

// ProcessStatus is the wire-facing view of a process record.
type ProcessStatus struct {
	ProcessID  string       `json:"processId"`
	PID        int          `json:"pid"`
	Command    string       `json:"command"`
	Args       []string     `json:"args,omitempty"`
	Cwd        string       `json:"cwd,omitempty"`
	State      ProcessState `json:"state"`
	ExitCode   *int         `json:"exitCode,omitempty"`
	StartedAt  int64        `json:"startedAt"`
	LastActive int64        `json:"lastActive"`
}

// SessionState represents the lifecycle state of an interactive session.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
)

// SessionStatus is the wire-facing view of a session record.
type SessionStatus struct {
	SessionID  string            `json:"sessionId"`
	Shell      string            `json:"shell"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	State      SessionState      `json:"state"`
	CreatedAt  string            `json:"createdAt"`  // RFC3339
	LastUsedAt string            `json:"lastUsedAt"` // RFC3339
}

// PortSnapshot is the port monitor's published view of listening TCP ports.
type PortSnapshot struct {
	Ports         []int `json:"ports"`
	LastUpdatedAt int64 `json:"lastUpdatedAt"` // unix seconds, 0 before first scan
}

// DevboxStatus represents the upstream lifecycle state of a devbox.
type DevboxStatus string

const (
	DevboxPending  DevboxStatus = "pending"
	DevboxRunning  DevboxStatus = "running"
	DevboxPaused   DevboxStatus = "paused"
	DevboxStopped  DevboxStatus = "stopped"
	DevboxDeleting DevboxStatus = "deleting"
)

// DevboxPort is one exposed port of a devbox as reported by the upstream
// cluster API.
type DevboxPort struct {
	Port           int    `json:"port"`
	PublicAddress  string `json:"publicAddress,omitempty"`
	PrivateAddress string `json:"privateAddress,omitempty"`
}

// AgentServer carries the agent endpoint details of a devbox.
type AgentServer struct {
	URL   string `json:"url,omitempty"`   // service-name form, combined with the cluster domain
	Token string `json:"token,omitempty"` // opaque bearer token
}

// Devbox is the descriptor returned by the upstream cluster API.
type Devbox struct {
	Name        string       `json:"name"`
	Status      DevboxStatus `json:"status"`
	PodIP       string       `json:"podIP,omitempty"`
	Ports       []DevboxPort `json:"ports,omitempty"`
	AgentServer *AgentServer `json:"agentServer,omitempty"`
}

// ConnHealth is the client-side health classification of a pooled
// connection.
type ConnHealth string

const (
	ConnUnknown   ConnHealth = "unknown"
	ConnHealthy   ConnHealth = "healthy"
	ConnUnhealthy ConnHealth = "unhealthy"
)

// Now returns the current unix-second timestamp used on the wire.
func Now() int64 {
	return time.Now().Unix()
}
