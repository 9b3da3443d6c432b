package hub

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds one socket write.
	writeWait = 10 * time.Second
	// sendBuffer is the per-client outbound frame queue.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth already ran in the middleware chain; origin checks add
	// nothing for a non-browser API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one WebSocket connection and its subscriptions. All writes
// to the socket funnel through the send channel so the writer goroutine
// is the only one touching the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	subs map[subKey]*subscription

	send     chan []byte
	closed   chan struct{}
	lastSeen atomic.Int64 // unix nanos of the last inbound frame or pong
	logger   zerolog.Logger
}

// ServeWS upgrades an HTTP request and runs the client until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		subs:   make(map[subKey]*subscription),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: h.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	c.lastSeen.Store(time.Now().UnixNano())

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.HubClients.Inc()
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	go c.writePump()
	c.readPump()
}

func (c *Client) close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	_ = c.conn.Close()
}

// trySend queues a frame for the writer. A full queue drops the frame;
// a closed client reports false so pumps can stop.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return false
	default:
		c.hub.dropped()
		return true
	}
}

// sendLog serializes one log frame for a subscription.
func (c *Client) sendLog(sub *subscription, entry types.LogEntry, isHistory bool) bool {
	msg := protocol.LogMessage{
		Type:      "log",
		DataType:  string(sub.key.kind),
		TargetID:  sub.key.targetID,
		Log:       entry,
		IsHistory: isHistory,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	return c.trySend(data)
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(err error) {
	pe := protocol.AsError(err)
	c.sendJSON(protocol.WSError{Type: "error", Status: pe.Status, Message: pe.Error()})
}

// readPump consumes control frames until the peer goes away, then tears
// the client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.dropClient(c)
		c.close()
		c.logger.Debug().Msg("websocket client disconnected")
	}()

	readTimeout := c.hub.cfg.ReadTimeout
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.lastSeen.Store(time.Now().UnixNano())
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		c.lastSeen.Store(time.Now().UnixNano())
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var req protocol.SubscriptionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError(protocol.NewError(protocol.CodeInvalidRequest,
				"malformed control frame: %v", err))
			continue
		}
		c.handleControl(req)
	}
}

func (c *Client) handleControl(req protocol.SubscriptionRequest) {
	switch req.Action {
	case "subscribe":
		kind, err := parseTargetKind(req.Type)
		if err != nil {
			c.sendError(err)
			return
		}
		if req.TargetID == "" {
			c.sendError(protocol.NewError(protocol.CodeValidation, "targetId is required"))
			return
		}
		sub, err := c.hub.subscribe(c, kind, req.TargetID, req.Options)
		if err != nil {
			c.sendError(err)
			return
		}
		c.sendJSON(protocol.SubscriptionResult{
			Action:    "subscribed",
			Type:      string(kind),
			TargetID:  req.TargetID,
			Levels:    ackLevels(sub.levels),
			Timestamp: types.Now(),
		})

	case "unsubscribe":
		kind, err := parseTargetKind(req.Type)
		if err != nil {
			c.sendError(err)
			return
		}
		c.hub.unsubscribe(c, kind, req.TargetID)
		c.sendJSON(protocol.SubscriptionResult{
			Action:    "unsubscribed",
			Type:      string(kind),
			TargetID:  req.TargetID,
			Timestamp: types.Now(),
		})

	case "list":
		c.sendJSON(c.listSubscriptions())

	default:
		c.sendError(protocol.NewError(protocol.CodeValidation,
			"unknown action %q", req.Action))
	}
}

func (c *Client) listSubscriptions() protocol.SubscriptionList {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	list := protocol.SubscriptionList{Type: "list", Subscriptions: []protocol.SubscriptionInfo{}}
	for key, sub := range c.subs {
		levels := make([]string, 0, len(sub.levels))
		for l := range sub.levels {
			levels = append(levels, l)
		}
		list.Subscriptions = append(list.Subscriptions, protocol.SubscriptionInfo{
			ID:        sub.id,
			Type:      string(key.kind),
			TargetID:  key.targetID,
			LogLevels: levels,
			CreatedAt: sub.createdAt,
			Active:    true,
		})
	}
	return list
}

// writePump owns the connection's write side: queued frames plus
// keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTargetKind(s string) (types.TargetKind, error) {
	switch types.TargetKind(s) {
	case types.TargetProcess:
		return types.TargetProcess, nil
	case types.TargetSession:
		return types.TargetSession, nil
	default:
		return "", protocol.NewError(protocol.CodeValidation,
			"type must be %q or %q", types.TargetProcess, types.TargetSession)
	}
}

func ackLevels(levels map[string]bool) map[string]bool {
	if len(levels) > 0 {
		return levels
	}
	return map[string]bool{"stdout": true, "stderr": true, "system": true}
}
