package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/files"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
)

// fileOp records the outcome of one file operation.
func fileOp(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.FileOperations.WithLabelValues(operation, outcome).Inc()
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	protocol.WriteJSON(w, protocol.HealthResponse{
		Healthy: true,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Version: s.version,
	})
}

// Files

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.WriteFileRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}

	var content []byte
	switch req.Encoding {
	case "", "utf-8":
		content = []byte(req.Content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			protocol.WriteError(w, protocol.NewError(protocol.CodeValidation,
				"content is not valid base64: %v", err))
			return
		}
		content = decoded
	default:
		protocol.WriteError(w, protocol.NewError(protocol.CodeValidation,
			"unsupported encoding %q", req.Encoding))
		return
	}

	opts := files.WriteOptions{CreateDirs: req.CreateDirs, Mode: os.FileMode(req.Mode)}
	_, err := s.files.Write(req.Path, content, opts)
	fileOp("write", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.WriteFileResponse{
		Path: req.Path,
		Size: int64(len(content)),
	})
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.ReadFileRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	content, err := s.files.Read(req.Path, req.Offset, req.Length)
	fileOp("read", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.ReadFileResponse{
		Path:    req.Path,
		Content: base64.StdEncoding.EncodeToString(content),
		Size:    int64(len(content)),
	})
}

// handleFileRaw streams a file's bytes without the JSON envelope.
func (s *Server) handleFileRaw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	path := r.URL.Query().Get("path")
	f, info, err := s.files.Open(path)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(info.Name()))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", info.Name()))
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug().Err(err).Msg("raw file stream aborted")
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.DeleteFileRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	err := s.files.Delete(req.Path, req.Recursive)
	fileOp("delete", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleFileMove(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.MoveFileRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	err := s.files.Move(req.From, req.To)
	fileOp("move", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleFileRename(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.RenameFileRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	err := s.files.Rename(req.Path, req.NewName)
	fileOp("rename", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.files.List(path)
	fileOp("list", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.ListFilesResponse{Path: path, Entries: entries})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.DownloadFilesRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}

	if len(req.Paths) == 0 {
		protocol.WriteError(w, protocol.NewError(protocol.CodeValidation,
			"paths must not be empty"))
		return
	}
	// Validate everything up front: once streaming starts the envelope
	// cannot be written any more.
	for _, p := range req.Paths {
		if _, err := s.files.Stat(p); err != nil {
			protocol.WriteError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", `attachment; filename="download.tar"`)
	err := s.files.Download(req.Paths, w)
	fileOp("download", err)
	if err != nil {
		s.logger.Warn().Err(err).Msg("archive stream aborted")
	}
}

func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.files.BatchUpload(r.Body)
	fileOp("upload", err)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, resp)
}

// Processes

func (s *Server) handleProcessList(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	protocol.WriteJSON(w, protocol.ProcessListResponse{Processes: s.processes.List()})
}

func (s *Server) handleProcessExec(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.ExecRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	p, err := s.processes.Exec(req)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	st := p.Status()
	protocol.WriteJSON(w, protocol.ExecResponse{
		ProcessID: st.ProcessID,
		PID:       st.PID,
		State:     string(st.State),
	})
}

func (s *Server) handleProcessExecSync(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.ExecRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	resp, err := s.processes.ExecSync(r.Context(), req)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, resp)
}

// handleProcessSyncStream runs a command and streams its output as
// server-sent events. Closing the request kills the process group.
func (s *Server) handleProcessSyncStream(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.ExecRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		protocol.WriteError(w, protocol.NewError(protocol.CodeInternal,
			"streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	err := s.processes.ExecStream(r.Context(), req, func(ev protocol.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("exec stream ended early")
	}
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	st, err := s.processes.Status(params["id"])
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, st)
}

func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req protocol.KillRequest
	if r.ContentLength > 0 {
		if err := protocol.DecodeBody(r, &req); err != nil {
			protocol.WriteError(w, err)
			return
		}
	}
	if err := s.processes.Kill(params["id"], req.Signal); err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	lines, levels := logQuery(r)
	logs, err := s.processes.Logs(params["id"], lines, levels)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.LogsResponse{Logs: logs})
}

// Sessions

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	protocol.WriteJSON(w, protocol.SessionListResponse{Sessions: s.sessions.List()})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req protocol.CreateSessionRequest
	if r.ContentLength > 0 {
		if err := protocol.DecodeBody(r, &req); err != nil {
			protocol.WriteError(w, err)
			return
		}
	}
	sess, err := s.sessions.Create(req)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	st, err := s.sessions.Status(sess.ID)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.CreateSessionResponse{
		SessionID: st.SessionID,
		Shell:     st.Shell,
		Cwd:       st.Cwd,
		State:     string(st.State),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	st, err := s.sessions.Status(params["id"])
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, st)
}

func (s *Server) handleSessionExec(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req protocol.SessionExecRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	resp, err := s.sessions.Exec(params["id"], req.Command, 0)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleSessionCd(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req protocol.SessionCdRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	cwd, err := s.sessions.Cd(params["id"], req.Path)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.SessionCdResponse{WorkingDir: cwd})
}

func (s *Server) handleSessionEnv(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req protocol.SessionEnvRequest
	if err := protocol.DecodeBody(r, &req); err != nil {
		protocol.WriteError(w, err)
		return
	}
	if err := s.sessions.UpdateEnv(params["id"], req.Env); err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleSessionTerminate(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	if err := s.sessions.Terminate(params["id"]); err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, nil)
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	lines, levels := logQuery(r)
	logs, err := s.sessions.Logs(params["id"], lines, levels)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	protocol.WriteJSON(w, protocol.LogsResponse{Logs: logs})
}

// Ports

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	protocol.WriteJSON(w, s.ports.Snapshot())
}

// logQuery parses ?lines=&levels= shared by the log endpoints.
func logQuery(r *http.Request) (lines int, levels []string) {
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	if v := r.URL.Query().Get("levels"); v != "" {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				levels = append(levels, l)
			}
		}
	}
	return lines, levels
}
