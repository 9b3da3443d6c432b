package hub

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logring"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// historyBatch bounds how many replayed lines go out per write.
	historyBatch = 100
	// historyDelay paces replay batches so one subscriber with a deep
	// tail cannot monopolize the socket.
	historyDelay = 10 * time.Millisecond
	// queueSize is the per-subscription live buffer. A subscriber that
	// falls further behind than this loses lines, not the connection.
	queueSize = 256
)

// Config tunes the hub's socket keepalive and housekeeping behavior.
// Zero values fall back to the defaults.
type Config struct {
	// PingPeriod is how often the writer pings a client. Must stay
	// shorter than ReadTimeout.
	PingPeriod time.Duration
	// ReadTimeout is how long a client may stay silent (no frames, no
	// pongs) before it is disconnected.
	ReadTimeout time.Duration
	// MaxMessageSize caps inbound control frames.
	MaxMessageSize int64
	// HealthCheckInterval paces the sweep that closes silent clients.
	HealthCheckInterval time.Duration
	// CleanupInterval paces the reaper for subscriptions whose target
	// has been garbage collected.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

// RingProvider resolves a target id to its log ring. The process
// registry and the session manager both satisfy it.
type RingProvider interface {
	Ring(id string) (*logring.Ring, error)
}

type subKey struct {
	kind     types.TargetKind
	targetID string
}

// subscription is one (client, target) binding with its own live queue
// and pump goroutine.
type subscription struct {
	id        string
	key       subKey
	levels    map[string]bool // empty means all
	tail      int
	createdAt int64
	client    *Client

	queue    chan types.LogEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *subscription) wants(level types.LogLevel) bool {
	if len(s.levels) == 0 {
		return true
	}
	return s.levels[string(level)]
}

// Hub fans log lines out to WebSocket subscribers. Producers call
// Publish after appending to a ring; the hub never blocks them: a full
// subscriber queue drops the line for that subscriber only.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	subs    map[subKey]map[*Client]*subscription

	providers map[types.TargetKind]RingProvider
	cfg       Config
	logger    zerolog.Logger

	dropped  func() // metrics hook, called once per dropped line
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a hub. Providers map target kinds to their ring lookup.
func New(providers map[types.TargetKind]RingProvider, cfg Config) *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		subs:      make(map[subKey]map[*Client]*subscription),
		providers: providers,
		cfg:       cfg.withDefaults(),
		logger:    log.WithComponent("hub"),
		dropped:   func() { metrics.HubDroppedFrames.Inc() },
		stopCh:    make(chan struct{}),
	}
}

// OnDrop installs a hook invoked whenever a slow subscriber loses a line.
func (h *Hub) OnDrop(fn func()) {
	if fn != nil {
		h.dropped = fn
	}
}

// Start launches the stale-subscription reaper and the client health
// sweep.
func (h *Hub) Start() {
	go h.cleanupLoop()
	go h.healthLoop()
}

// Stop closes every client and halts the reaper.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Publish delivers one log line to every matching subscription. Called
// by the process registry and session manager on every appended line.
func (h *Hub) Publish(kind types.TargetKind, targetID string, entry types.LogEntry) {
	key := subKey{kind: kind, targetID: targetID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[key] {
		if !sub.wants(entry.Level) {
			continue
		}
		select {
		case sub.queue <- entry:
		default:
			h.dropped()
		}
	}
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount returns the number of live subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

// subscribe registers a (client, target) binding and starts its pump.
// Subscribing twice to the same target is a no-op returning the
// existing subscription.
func (h *Hub) subscribe(c *Client, kind types.TargetKind, targetID string, opts protocol.SubscribeOptions) (*subscription, error) {
	provider, ok := h.providers[kind]
	if !ok {
		return nil, protocol.NewError(protocol.CodeValidation,
			"unknown subscription type %q", kind)
	}
	ring, err := provider.Ring(targetID)
	if err != nil {
		return nil, err
	}

	key := subKey{kind: kind, targetID: targetID}

	h.mu.Lock()
	if existing, ok := h.subs[key][c]; ok {
		h.mu.Unlock()
		return existing, nil
	}

	levels := make(map[string]bool, len(opts.Levels))
	for _, l := range opts.Levels {
		levels[l] = true
	}
	sub := &subscription{
		id:        uuid.NewString(),
		key:       key,
		levels:    levels,
		tail:      opts.Tail,
		createdAt: types.Now(),
		client:    c,
		queue:     make(chan types.LogEntry, queueSize),
		stopCh:    make(chan struct{}),
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*Client]*subscription)
	}
	h.subs[key][c] = sub
	c.subs[key] = sub
	h.mu.Unlock()
	metrics.HubSubscriptions.Inc()

	go h.pump(sub, ring)

	h.logger.Debug().Str("type", string(kind)).Str("targetId", targetID).
		Str("subscriptionId", sub.id).Msg("subscribed")
	return sub, nil
}

// unsubscribe removes one binding. Unknown bindings are a no-op.
func (h *Hub) unsubscribe(c *Client, kind types.TargetKind, targetID string) {
	key := subKey{kind: kind, targetID: targetID}

	h.mu.Lock()
	sub, ok := h.subs[key][c]
	if ok {
		delete(h.subs[key], c)
		if len(h.subs[key]) == 0 {
			delete(h.subs, key)
		}
		delete(c.subs, key)
	}
	h.mu.Unlock()

	if ok {
		sub.stop()
		metrics.HubSubscriptions.Dec()
	}
}

// dropClient tears down a disconnected client and all its subscriptions.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	var stopped []*subscription
	for key, sub := range c.subs {
		delete(h.subs[key], c)
		if len(h.subs[key]) == 0 {
			delete(h.subs, key)
		}
		delete(c.subs, key)
		stopped = append(stopped, sub)
	}
	h.mu.Unlock()

	metrics.HubClients.Dec()
	for _, sub := range stopped {
		sub.stop()
		metrics.HubSubscriptions.Dec()
	}
}

// pump replays history, then forwards live lines. Lines that arrived on
// the queue while history was replaying are deduplicated by sequence, so
// history strictly precedes live and nothing is sent twice.
func (h *Hub) pump(sub *subscription, ring *logring.Ring) {
	var levels []string
	for l := range sub.levels {
		levels = append(levels, l)
	}

	tail := sub.tail
	if tail <= 0 {
		tail = logring.DefaultCapacity
	}
	history := ring.Tail(tail, levels)

	lastSeq := int64(-1)
	for start := 0; start < len(history); start += historyBatch {
		end := start + historyBatch
		if end > len(history) {
			end = len(history)
		}
		for _, entry := range history[start:end] {
			if !sub.client.sendLog(sub, entry, true) {
				return
			}
			lastSeq = entry.Sequence
		}
		if end < len(history) {
			select {
			case <-time.After(historyDelay):
			case <-sub.stopCh:
				return
			}
		}
	}

	for {
		select {
		case <-sub.stopCh:
			return
		case entry := <-sub.queue:
			if entry.Sequence <= lastSeq {
				continue // already sent during replay
			}
			if !sub.client.sendLog(sub, entry, false) {
				return
			}
		}
	}
}

// cleanupLoop reaps subscriptions whose target has been garbage
// collected, so a socket watching a long-dead process does not hold
// buffers forever.
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

// healthLoop closes clients that have gone silent past the read
// timeout. The read deadline catches most of these; the sweep also
// covers a reader wedged mid-frame.
func (h *Hub) healthLoop() {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.dropSilent()
		}
	}
}

func (h *Hub) dropSilent() {
	cutoff := time.Now().Add(-h.cfg.ReadTimeout).UnixNano()

	h.mu.RLock()
	var silent []*Client
	for c := range h.clients {
		if c.lastSeen.Load() < cutoff {
			silent = append(silent, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range silent {
		c.logger.Warn().Msg("closing silent websocket client")
		c.close()
	}
}

func (h *Hub) reapStale() {
	h.mu.Lock()
	var stale []*subscription
	for key, bindings := range h.subs {
		provider, ok := h.providers[key.kind]
		if !ok {
			continue
		}
		if _, err := provider.Ring(key.targetID); err == nil {
			continue
		}
		for c, sub := range bindings {
			stale = append(stale, sub)
			delete(c.subs, key)
		}
		delete(h.subs, key)
	}
	h.mu.Unlock()

	for _, sub := range stale {
		sub.stop()
		metrics.HubSubscriptions.Dec()
		h.logger.Debug().Str("targetId", sub.key.targetID).
			Msg("reaped subscription to vanished target")
	}
}
