package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// API is the read plus lifecycle surface of the cluster's devbox API.
// The resolver only needs GetDevbox; the client façade proxies the
// lifecycle operations here because they act on the devbox from
// outside, not through its agent.
type API interface {
	GetDevbox(ctx context.Context, name string) (*types.Devbox, error)
	StartDevbox(ctx context.Context, name string) error
	PauseDevbox(ctx context.Context, name string) error
	RestartDevbox(ctx context.Context, name string) error
	ShutdownDevbox(ctx context.Context, name string) error
	DeleteDevbox(ctx context.Context, name string) error
}

// Client talks to the cluster API over HTTP with a bearer token.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  zerolog.Logger
}

// NewClient creates an upstream client. timeout <= 0 picks 30s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		logger:  log.WithComponent("upstream"),
	}
}

// GetDevbox fetches the descriptor for one devbox.
func (c *Client) GetDevbox(ctx context.Context, name string) (*types.Devbox, error) {
	var devbox types.Devbox
	if err := c.do(ctx, http.MethodGet, "/api/v1/devboxes/"+name, &devbox); err != nil {
		return nil, err
	}
	return &devbox, nil
}

func (c *Client) StartDevbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devboxes/"+name+"/start", nil)
}

func (c *Client) PauseDevbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devboxes/"+name+"/pause", nil)
}

func (c *Client) RestartDevbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devboxes/"+name+"/restart", nil)
}

func (c *Client) ShutdownDevbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devboxes/"+name+"/shutdown", nil)
}

func (c *Client) DeleteDevbox(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/devboxes/"+name, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed,
			"upstream request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return protocol.NewError(protocol.CodeDevboxNotFound, "devbox not found").
			WithContext("path", path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return protocol.NewError(protocol.CodeUnauthorized, "upstream rejected credentials")
	case resp.StatusCode >= 500:
		return protocol.NewError(protocol.CodeServiceUnavailable,
			"upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return protocol.NewError(protocol.CodeInvalidRequest,
			"upstream returned %d", resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed,
			"malformed upstream response: %v", err)
	}
	return nil
}
