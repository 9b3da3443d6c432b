package protocol

import "github.com/cuemby/burrow/pkg/types"

// File operations

type WriteFileRequest struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding,omitempty"` // "base64" or empty for utf-8
	Mode       uint32 `json:"mode,omitempty"`
	CreateDirs bool   `json:"createDirs,omitempty"`
}

type WriteFileResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type ReadFileRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"` // 0 means to EOF
}

type ReadFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
	Size    int64  `json:"size"`
}

type DeleteFileRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type MoveFileRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RenameFileRequest struct {
	Path    string `json:"path"`
	NewName string `json:"newName"`
}

type ListFilesResponse struct {
	Path    string            `json:"path"`
	Entries []types.FileEntry `json:"entries"`
}

type DownloadFilesRequest struct {
	Paths []string `json:"paths"`
}

type BatchUploadResult struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

type BatchUploadResponse struct {
	Results      []BatchUploadResult `json:"results"`
	TotalFiles   int                 `json:"totalFiles"`
	SuccessCount int                 `json:"successCount"`
}

// Process operations

type ExecRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds, sync calls only
}

type ExecResponse struct {
	ProcessID string `json:"processId"`
	PID       int    `json:"pid"`
	State     string `json:"state"`
}

type ExecSyncResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
	PID        int    `json:"pid"`
}

type KillRequest struct {
	Signal string `json:"signal,omitempty"` // default SIGTERM
}

type ProcessListResponse struct {
	Processes []types.ProcessStatus `json:"processes"`
}

type LogsResponse struct {
	Logs []types.LogEntry `json:"logs"`
}

// StreamEvent is one server-sent event of a streaming exec. Type is
// "stdout", "stderr" or "exit"; exit events carry the code.
type StreamEvent struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Session operations

type CreateSessionRequest struct {
	Shell      string            `json:"shell,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
	State     string `json:"state"`
}

type SessionExecRequest struct {
	Command string `json:"command"`
}

type SessionExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

type SessionCdRequest struct {
	Path string `json:"path"`
}

type SessionCdResponse struct {
	WorkingDir string `json:"workingDir"`
}

type SessionEnvRequest struct {
	Env map[string]string `json:"env"`
}

type SessionListResponse struct {
	Sessions []types.SessionStatus `json:"sessions"`
}

// WebSocket subscription protocol

type SubscribeOptions struct {
	Levels []string `json:"levels,omitempty"`
	Tail   int      `json:"tail,omitempty"`
}

// SubscriptionRequest is a client → hub control message.
// Action is "subscribe", "unsubscribe" or "list".
type SubscriptionRequest struct {
	Action   string           `json:"action"`
	Type     string           `json:"type,omitempty"` // "process" or "session"
	TargetID string           `json:"targetId,omitempty"`
	Options  SubscribeOptions `json:"options,omitempty"`
}

// LogMessage is a hub → client log frame.
type LogMessage struct {
	Type      string         `json:"type"` // always "log"
	DataType  string         `json:"dataType"`
	TargetID  string         `json:"targetId"`
	Log       types.LogEntry `json:"log"`
	IsHistory bool           `json:"isHistory"`
}

// SubscriptionResult acknowledges subscribe/unsubscribe actions.
type SubscriptionResult struct {
	Action    string          `json:"action"` // "subscribed" or "unsubscribed"
	Type      string          `json:"type"`
	TargetID  string          `json:"targetId"`
	Levels    map[string]bool `json:"levels,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubscriptionInfo is one entry of a list reply.
type SubscriptionInfo struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	TargetID  string   `json:"targetId"`
	LogLevels []string `json:"logLevels"`
	CreatedAt int64    `json:"createdAt"`
	Active    bool     `json:"active"`
}

// SubscriptionList is the hub's reply to a list action.
type SubscriptionList struct {
	Type          string             `json:"type"` // always "list"
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// WSError is an error frame on the subscription socket. Status values
// come from the shared numeric code space.
type WSError struct {
	Type    string `json:"type"` // always "error"
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Health

type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Uptime  string `json:"uptime,omitempty"`
	Version string `json:"version,omitempty"`
}
