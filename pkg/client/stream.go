package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuemby/burrow/pkg/protocol"
)

// ExecStream runs a command on the agent and delivers its output as
// events in arrival order, ending with an exit event. emit returning an
// error aborts the stream. Streaming requests are never retried.
func (c *Client) ExecStream(ctx context.Context, req protocol.ExecRequest, emit func(protocol.StreamEvent) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	resp, err := c.rawRequest(ctx, http.MethodPost, "/api/v1/process/sync-stream",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// A validation failure arrives as an envelope, not an event stream.
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return protocol.NewError(protocol.CodeConnectionFailed,
				"reading response from %s: %v", c.name, err)
		}
		if err := protocol.DecodeEnvelope(raw, nil); err != nil {
			return err
		}
		return protocol.NewError(protocol.CodeConnectionFailed,
			"expected event stream, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return protocol.NewError(protocol.CodeConnectionFailed,
				"malformed stream event: %v", err)
		}
		if err := emit(ev); err != nil {
			return err
		}
		if ev.Type == "exit" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return protocol.NewError(protocol.CodeConnectionFailed,
			"event stream from %s broke: %v", c.name, err)
	}
	return protocol.NewError(protocol.CodeConnectionFailed,
		"event stream from %s ended without an exit event", c.name)
}
