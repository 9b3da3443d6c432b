package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/upstream"
	"github.com/rs/zerolog"
)

const (
	// DefaultResolverTTL bounds how long a resolved endpoint is reused
	// before the upstream API is consulted again.
	DefaultResolverTTL = 60 * time.Second

	// FallbackAgentPort is assumed when only the pod IP is known.
	FallbackAgentPort = 3000
)

// Endpoint is a resolved agent address plus the bearer token to use
// against it.
type Endpoint struct {
	BaseURL string
	Token   string
}

type resolved struct {
	ep       Endpoint
	cachedAt time.Time
}

// Resolver maps devbox names to agent endpoints through the upstream
// cluster API, caching results for a TTL.
type Resolver struct {
	api    upstream.API
	domain string
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]resolved
	now   func() time.Time
}

// NewResolver creates a resolver. domain is the cluster's agent domain
// suffix, joined with service-name agent URLs; ttl <= 0 picks the
// default.
func NewResolver(api upstream.API, domain string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultResolverTTL
	}
	return &Resolver{
		api:    api,
		domain: domain,
		ttl:    ttl,
		logger: log.WithComponent("resolver"),
		cache:  make(map[string]resolved),
		now:    time.Now,
	}
}

// Resolve returns the agent endpoint for a devbox, from cache when the
// entry is still within the TTL.
func (r *Resolver) Resolve(ctx context.Context, name string) (Endpoint, error) {
	r.mu.Lock()
	if entry, ok := r.cache[name]; ok && r.now().Sub(entry.cachedAt) < r.ttl {
		r.mu.Unlock()
		return entry.ep, nil
	}
	r.mu.Unlock()

	devbox, err := r.api.GetDevbox(ctx, name)
	if err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{BaseURL: r.baseURL(devbox)}
	if devbox.AgentServer != nil {
		ep.Token = devbox.AgentServer.Token
	}
	if ep.BaseURL == "" || ep.Token == "" {
		return Endpoint{}, protocol.NewError(protocol.CodeDevboxNotReady,
			"devbox %q has no reachable agent endpoint", name).
			WithContext("devboxStatus", string(devbox.Status))
	}

	r.mu.Lock()
	r.cache[name] = resolved{ep: ep, cachedAt: r.now()}
	r.mu.Unlock()

	r.logger.Debug().Str("devbox", name).Str("base_url", ep.BaseURL).
		Msg("resolved agent endpoint")
	return ep, nil
}

// Invalidate drops the cached endpoint for a devbox, forcing the next
// Resolve to hit the upstream API. Called after connection failures and
// lifecycle operations.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

// baseURL picks the agent address from a descriptor: agent server URL
// first, then public and private port addresses, then the pod IP on the
// fallback port.
func (r *Resolver) baseURL(d *types.Devbox) string {
	if d.AgentServer != nil && d.AgentServer.URL != "" {
		u := d.AgentServer.URL
		if strings.Contains(u, "://") {
			return u
		}
		if r.domain != "" {
			return "https://" + u + "." + r.domain
		}
		return "http://" + u
	}
	for _, p := range d.Ports {
		if p.PublicAddress != "" {
			return ensureScheme(p.PublicAddress)
		}
	}
	for _, p := range d.Ports {
		if p.PrivateAddress != "" {
			return ensureScheme(p.PrivateAddress)
		}
	}
	if d.PodIP != "" {
		return fmt.Sprintf("http://%s:%d", d.PodIP, FallbackAgentPort)
	}
	return ""
}

func ensureScheme(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}
