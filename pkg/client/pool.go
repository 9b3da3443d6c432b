package client

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultPoolMaxSize caps the connections kept per devbox endpoint.
	DefaultPoolMaxSize = 15

	// DefaultKeepAliveInterval is how long a connection stays fresh after
	// its last use before a handout re-probes it.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultHealthCheckInterval paces the background probe loop.
	DefaultHealthCheckInterval = 60 * time.Second

	// DefaultMaxIdleTime is the idle age past which the background loop
	// reaps a connection.
	DefaultMaxIdleTime = 5 * time.Minute

	// DefaultHTTPTimeout bounds one agent request on a pooled connection.
	DefaultHTTPTimeout = 30 * time.Second

	probeTimeout = 5 * time.Second
)

// Strategy selects which free connection a handout prefers.
type Strategy string

const (
	StrategyLeastUsed  Strategy = "least-used"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"
)

// PoolConfig tunes one connection pool. Zero values pick the defaults.
type PoolConfig struct {
	MaxSize             int
	Strategy            Strategy
	KeepAliveInterval   time.Duration
	HealthCheckInterval time.Duration
	MaxIdleTime         time.Duration
	HTTPTimeout         time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultPoolMaxSize
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLeastUsed
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return c
}

// Conn is one pooled HTTP transport to an agent.
type Conn struct {
	HTTP *http.Client

	health      types.ConnHealth
	inUse       bool
	useCount    int64
	lastUsedAt  time.Time
	lastProbeAt time.Time
}

// Pool keeps health-checked HTTP connections to a single agent endpoint.
// Handouts re-probe stale connections; a background loop probes idle
// ones and reaps those idle too long. Probes go through a dedicated
// transport so checking health can never consume a pool slot.
type Pool struct {
	devbox  string
	baseURL string
	cfg     PoolConfig
	probe   *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu     sync.Mutex
	conns  []*Conn
	rrNext int
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool for one (devbox, baseURL) pair and starts its
// background health loop.
func NewPool(devbox, baseURL string, cfg PoolConfig) *Pool {
	p := &Pool{
		devbox:  devbox,
		baseURL: baseURL,
		cfg:     cfg.withDefaults(),
		probe:   &http.Client{Timeout: probeTimeout},
		// Probes are cheap but not free; cap the background rate so a
		// large pool cannot hammer the agent's health endpoint.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		logger: log.WithComponent("pool").With().
			Str("devbox", devbox).Logger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go p.healthLoop()
	return p
}

// Get hands out a connection, creating one when all existing slots are
// busy and the pool is under its max size. A connection unused for
// longer than the keep-alive interval is re-probed before handout.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		conn := p.pickLocked()
		if conn == nil {
			break
		}
		if p.freshLocked(conn) {
			return p.handOutLocked(conn), nil
		}

		// Probe outside the lock; other handouts may proceed meanwhile.
		conn.inUse = true
		p.mu.Unlock()
		err := p.probeHealth(ctx)
		p.mu.Lock()
		conn.inUse = false
		if err == nil {
			conn.health = types.ConnHealthy
			conn.lastProbeAt = p.now()
			return p.handOutLocked(conn), nil
		}
		conn.health = types.ConnUnhealthy
		p.removeLocked(conn)
	}

	if len(p.conns) >= p.cfg.MaxSize {
		return nil, protocol.NewError(protocol.CodePoolExhausted,
			"all %d connections to %s are busy", p.cfg.MaxSize, p.devbox)
	}

	p.mu.Unlock()
	err := p.probeHealth(ctx)
	p.mu.Lock()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeConnectionFailed,
			"agent %s unreachable: %v", p.devbox, err)
	}
	if len(p.conns) >= p.cfg.MaxSize {
		return nil, protocol.NewError(protocol.CodePoolExhausted,
			"all %d connections to %s are busy", p.cfg.MaxSize, p.devbox)
	}

	conn := &Conn{
		HTTP:        &http.Client{Timeout: p.cfg.HTTPTimeout},
		health:      types.ConnHealthy,
		lastProbeAt: p.now(),
	}
	p.conns = append(p.conns, conn)
	return p.handOutLocked(conn), nil
}

// Put returns a connection after a successful operation.
func (p *Pool) Put(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.inUse = false
	conn.health = types.ConnHealthy
	conn.lastUsedAt = p.now()
}

// Discard drops a connection whose operation failed at the transport
// level.
func (p *Pool) Discard(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.inUse = false
	conn.health = types.ConnUnhealthy
	p.removeLocked(conn)
}

// Size reports the current number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops the background health loop.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) pickLocked() *Conn {
	free := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.inUse {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return nil
	}
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		conn := free[p.rrNext%len(free)]
		p.rrNext++
		return conn
	case StrategyRandom:
		return free[int(p.now().UnixNano())%len(free)]
	default: // least-used
		best := free[0]
		for _, c := range free[1:] {
			if c.useCount < best.useCount {
				best = c
			}
		}
		return best
	}
}

func (p *Pool) freshLocked(conn *Conn) bool {
	return conn.health == types.ConnHealthy &&
		p.now().Sub(conn.lastUsedAt) < p.cfg.KeepAliveInterval
}

func (p *Pool) handOutLocked(conn *Conn) *Conn {
	conn.inUse = true
	conn.useCount++
	conn.lastUsedAt = p.now()
	return conn
}

func (p *Pool) removeLocked(conn *Conn) {
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// probeHealth checks the agent's health endpoint on the dedicated probe
// transport.
func (p *Pool) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return protocol.NewError(protocol.CodeServiceUnavailable,
			"health probe returned %d", resp.StatusCode)
	}
	return nil
}

// healthLoop periodically probes idle connections and reaps those idle
// past the max idle time.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkIdle(ctx)
		}
	}
}

func (p *Pool) checkIdle(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	stale := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		if now.Sub(c.lastUsedAt) >= p.cfg.MaxIdleTime {
			p.removeLocked(c)
			p.logger.Debug().Msg("reaped idle connection")
			continue
		}
		if now.Sub(c.lastUsedAt) >= p.cfg.KeepAliveInterval {
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		err := p.probeHealth(ctx)

		p.mu.Lock()
		if err != nil {
			c.health = types.ConnUnhealthy
			p.removeLocked(c)
		} else {
			c.health = types.ConnHealthy
			c.lastProbeAt = p.now()
		}
		p.mu.Unlock()
	}
}
