package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// SubscribeLogs opens the agent's log socket and subscribes to one
// target. History entries arrive before live ones; fn returning an
// error or ctx cancellation ends the subscription. Ack and list frames
// are consumed internally.
func (c *Client) SubscribeLogs(ctx context.Context, kind types.TargetKind, targetID string, opts protocol.SubscribeOptions, fn func(protocol.LogMessage) error) error {
	ep, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+ep.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL(ep.BaseURL), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.resolver.Invalidate(c.name)
		return protocol.NewError(protocol.CodeConnectionFailed,
			"dialing log socket of %s: %v", c.name, err)
	}
	defer conn.Close()

	sub := protocol.SubscriptionRequest{
		Action:   "subscribe",
		Type:     string(kind),
		TargetID: targetID,
		Options:  opts,
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed,
			"subscribing on %s: %v", c.name, err)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	g, ctx := errgroup.WithContext(ctx)

	// Ping until the context ends, then close the socket to unblock the
	// reader.
	g.Go(func() error {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return ctx.Err()
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return protocol.NewError(protocol.CodeConnectionFailed,
						"pinging %s: %v", c.name, err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return protocol.NewError(protocol.CodeConnectionFailed,
					"log socket of %s closed: %v", c.name, err)
			}
			if err := dispatchFrame(raw, fn); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil && err == ctx.Err() {
		// Caller-driven shutdown, not a failure.
		return nil
	}
	return err
}

// dispatchFrame routes one socket frame by its type field.
func dispatchFrame(raw []byte, fn func(protocol.LogMessage) error) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed,
			"malformed socket frame: %v", err)
	}
	switch head.Type {
	case "log":
		var msg protocol.LogMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return protocol.NewError(protocol.CodeConnectionFailed,
				"malformed log frame: %v", err)
		}
		return fn(msg)
	case "error":
		var wsErr protocol.WSError
		if err := json.Unmarshal(raw, &wsErr); err != nil {
			return protocol.NewError(protocol.CodeConnectionFailed,
				"malformed error frame: %v", err)
		}
		return &protocol.Error{
			Status:  wsErr.Status,
			Code:    protocol.Code(wsErr.Status.String()),
			Message: wsErr.Message,
		}
	default:
		// Acks and list replies need no caller action.
		return nil
	}
}

func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}
