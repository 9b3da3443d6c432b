package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/upstream"
	"github.com/rs/zerolog"
)

// Config carries the client runtime settings. Unlike the agent, the
// client is configured environment-first: ConfigFromEnv reads the
// BURROW_* variables and callers override fields programmatically.
type Config struct {
	UpstreamURL   string
	UpstreamToken string
	AgentDomain   string

	ResolverTTL     time.Duration
	UpstreamTimeout time.Duration
	Pool            PoolConfig
	Retry           RetryPolicy
}

// ConfigFromEnv builds a Config from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		UpstreamURL:   os.Getenv("BURROW_UPSTREAM_URL"),
		UpstreamToken: os.Getenv("BURROW_UPSTREAM_TOKEN"),
		AgentDomain:   os.Getenv("BURROW_AGENT_DOMAIN"),
	}
	if v := os.Getenv("BURROW_RESOLVER_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ResolverTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("BURROW_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxSize = n
		}
	}
	return cfg
}

// Client is the per-devbox façade. Every agent call resolves the
// endpoint, borrows a pooled connection, issues the HTTP request and
// decodes the response envelope; failures retry per the code table.
// Lifecycle operations go to the upstream cluster API instead.
type Client struct {
	name     string
	api      upstream.API
	resolver *Resolver
	retry    RetryPolicy
	poolCfg  PoolConfig
	logger   zerolog.Logger

	poolMu sync.Mutex
	pools  map[string]*Pool
}

// New creates a client for one devbox using the upstream API at
// cfg.UpstreamURL.
func New(name string, cfg Config) *Client {
	api := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamToken, cfg.UpstreamTimeout)
	return NewWithAPI(name, api, cfg)
}

// NewWithAPI creates a client on an explicit upstream implementation.
func NewWithAPI(name string, api upstream.API, cfg Config) *Client {
	return &Client{
		name:     name,
		api:      api,
		resolver: NewResolver(api, cfg.AgentDomain, cfg.ResolverTTL),
		retry:    cfg.Retry.withDefaults(),
		poolCfg:  cfg.Pool.withDefaults(),
		logger:   log.WithDevbox(name).With().Str("component", "client").Logger(),
		pools:    make(map[string]*Pool),
	}
}

// Name returns the devbox name this client is bound to.
func (c *Client) Name() string {
	return c.name
}

// Close stops the background loops of all pools.
func (c *Client) Close() {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	for _, p := range c.pools {
		p.Close()
	}
	c.pools = make(map[string]*Pool)
}

func (c *Client) poolFor(baseURL string) *Pool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if p, ok := c.pools[baseURL]; ok {
		return p
	}
	p := NewPool(c.name, baseURL, c.poolCfg)
	c.pools[baseURL] = p
	return p
}

// call runs one enveloped agent request with retry.
func (c *Client) call(ctx context.Context, method, path string, body, payload any) error {
	return Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.callOnce(ctx, method, path, body, payload)
	})
}

func (c *Client) callOnce(ctx context.Context, method, path string, body, payload any) error {
	ep, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		return err
	}
	pool := c.poolFor(ep.BaseURL)
	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			pool.Put(conn)
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, reqBody)
	if err != nil {
		pool.Put(conn)
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := conn.HTTP.Do(req)
	if err != nil {
		pool.Discard(conn)
		c.resolver.Invalidate(c.name)
		return protocol.NewError(protocol.CodeConnectionFailed,
			"request to %s failed: %v", c.name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		pool.Discard(conn)
		return protocol.NewError(protocol.CodeConnectionFailed,
			"reading response from %s: %v", c.name, err)
	}
	pool.Put(conn)

	return protocol.DecodeEnvelope(raw, payload)
}

// rawRequest issues one non-enveloped request (tar download, uploads,
// streaming exec). The caller owns the response body. No retry: these
// carry streaming bodies that cannot be replayed.
func (c *Client) rawRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	ep, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		return nil, err
	}
	pool := c.poolFor(ep.BaseURL)
	conn, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, body)
	if err != nil {
		pool.Put(conn)
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := conn.HTTP.Do(req)
	if err != nil {
		pool.Discard(conn)
		c.resolver.Invalidate(c.name)
		return nil, protocol.NewError(protocol.CodeConnectionFailed,
			"request to %s failed: %v", c.name, err)
	}
	pool.Put(conn)
	return resp, nil
}

// File operations

func (c *Client) WriteFile(ctx context.Context, req protocol.WriteFileRequest) (*protocol.WriteFileResponse, error) {
	var resp protocol.WriteFileResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/files/write", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReadFile(ctx context.Context, req protocol.ReadFileRequest) (*protocol.ReadFileResponse, error) {
	var resp protocol.ReadFileResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/files/read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteFile(ctx context.Context, path string, recursive bool) error {
	req := protocol.DeleteFileRequest{Path: path, Recursive: recursive}
	return c.call(ctx, http.MethodPost, "/api/v1/files/delete", req, nil)
}

func (c *Client) MoveFile(ctx context.Context, from, to string) error {
	req := protocol.MoveFileRequest{From: from, To: to}
	return c.call(ctx, http.MethodPost, "/api/v1/files/move", req, nil)
}

func (c *Client) RenameFile(ctx context.Context, path, newName string) error {
	req := protocol.RenameFileRequest{Path: path, NewName: newName}
	return c.call(ctx, http.MethodPost, "/api/v1/files/rename", req, nil)
}

func (c *Client) ListFiles(ctx context.Context, path string) (*protocol.ListFilesResponse, error) {
	var resp protocol.ListFilesResponse
	p := "/api/v1/files/list"
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	if err := c.call(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadFiles streams a tar archive of the given workspace paths into w.
func (c *Client) DownloadFiles(ctx context.Context, paths []string, w io.Writer) error {
	body, err := json.Marshal(protocol.DownloadFilesRequest{Paths: paths})
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	resp, err := c.rawRequest(ctx, http.MethodPost, "/api/v1/files/download",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Validation failures arrive as a JSON envelope instead of a tar body.
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return protocol.NewError(protocol.CodeConnectionFailed,
				"reading response from %s: %v", c.name, err)
		}
		return protocol.DecodeEnvelope(raw, nil)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed,
			"streaming archive from %s: %v", c.name, err)
	}
	return nil
}

// UploadFiles sends a tar archive for extraction into the workspace.
func (c *Client) UploadFiles(ctx context.Context, archive io.Reader) (*protocol.BatchUploadResponse, error) {
	resp, err := c.rawRequest(ctx, http.MethodPost, "/api/v1/files/batch-upload",
		"application/x-tar", archive)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeConnectionFailed,
			"reading response from %s: %v", c.name, err)
	}
	var result protocol.BatchUploadResponse
	if err := protocol.DecodeEnvelope(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Process operations

func (c *Client) Exec(ctx context.Context, req protocol.ExecRequest) (*protocol.ExecResponse, error) {
	var resp protocol.ExecResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/process/exec", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ExecSync(ctx context.Context, req protocol.ExecRequest) (*protocol.ExecSyncResponse, error) {
	var resp protocol.ExecSyncResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/process/exec-sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListProcesses(ctx context.Context) (*protocol.ProcessListResponse, error) {
	var resp protocol.ProcessListResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/process/list", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ProcessStatus(ctx context.Context, processID string) (*types.ProcessStatus, error) {
	var resp types.ProcessStatus
	path := "/api/v1/process/" + url.PathEscape(processID) + "/status"
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) KillProcess(ctx context.Context, processID, signal string) error {
	path := "/api/v1/process/" + url.PathEscape(processID) + "/kill"
	return c.call(ctx, http.MethodPost, path, protocol.KillRequest{Signal: signal}, nil)
}

func (c *Client) ProcessLogs(ctx context.Context, processID string, lines int, levels []string) (*protocol.LogsResponse, error) {
	var resp protocol.LogsResponse
	path := "/api/v1/process/" + url.PathEscape(processID) + "/logs" + logsQuery(lines, levels)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session operations

func (c *Client) CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (*protocol.CreateSessionResponse, error) {
	var resp protocol.CreateSessionResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions/create", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListSessions(ctx context.Context) (*protocol.SessionListResponse, error) {
	var resp protocol.SessionListResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*types.SessionStatus, error) {
	var resp types.SessionStatus
	path := "/api/v1/sessions/" + url.PathEscape(sessionID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SessionExec(ctx context.Context, sessionID, command string) (*protocol.SessionExecResponse, error) {
	var resp protocol.SessionExecResponse
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/exec"
	if err := c.call(ctx, http.MethodPost, path, protocol.SessionExecRequest{Command: command}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SessionCd(ctx context.Context, sessionID, path string) (*protocol.SessionCdResponse, error) {
	var resp protocol.SessionCdResponse
	p := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/cd"
	if err := c.call(ctx, http.MethodPost, p, protocol.SessionCdRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateSessionEnv(ctx context.Context, sessionID string, env map[string]string) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/env"
	return c.call(ctx, http.MethodPost, path, protocol.SessionEnvRequest{Env: env}, nil)
}

func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/terminate"
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) SessionLogs(ctx context.Context, sessionID string, lines int, levels []string) (*protocol.LogsResponse, error) {
	var resp protocol.LogsResponse
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/logs" + logsQuery(lines, levels)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ports and health

func (c *Client) Ports(ctx context.Context) (*types.PortSnapshot, error) {
	var resp types.PortSnapshot
	if err := c.call(ctx, http.MethodGet, "/api/v1/ports", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var resp protocol.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lifecycle operations are proxied to the upstream cluster API; the
// cached endpoint is invalidated since the agent address may change.

func (c *Client) Start(ctx context.Context) error {
	defer c.resolver.Invalidate(c.name)
	return c.api.StartDevbox(ctx, c.name)
}

func (c *Client) Pause(ctx context.Context) error {
	defer c.resolver.Invalidate(c.name)
	return c.api.PauseDevbox(ctx, c.name)
}

func (c *Client) Restart(ctx context.Context) error {
	defer c.resolver.Invalidate(c.name)
	return c.api.RestartDevbox(ctx, c.name)
}

func (c *Client) Shutdown(ctx context.Context) error {
	defer c.resolver.Invalidate(c.name)
	return c.api.ShutdownDevbox(ctx, c.name)
}

func (c *Client) Delete(ctx context.Context) error {
	defer c.resolver.Invalidate(c.name)
	return c.api.DeleteDevbox(ctx, c.name)
}

func logsQuery(lines int, levels []string) string {
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	if len(levels) > 0 {
		q.Set("levels", strings.Join(levels, ","))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
