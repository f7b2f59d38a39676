package weblounge

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
)

type registration struct {
	pool *ActionPool
	seq  uint64
}

// Resolver maps request paths to action pools. When several mountpoints
// match a path the longest wins, and among equal mountpoints the one
// registered first. Resolved paths are remembered in a bounded cache that
// register and unregister keep consistent.
type Resolver struct {
	logger logr.Logger

	mu       sync.RWMutex
	seq      uint64
	registry map[string]*registration
	urls     *ttlcache.Cache[string, *registration]
}

// NewResolver returns an empty resolver remembering up to capacity paths.
// Zero means no bound.
func NewResolver(capacity uint64, logger logr.Logger) *Resolver {
	opts := []ttlcache.Option[string, *registration]{
		ttlcache.WithTTL[string, *registration](ttlcache.NoTTL),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *registration](capacity))
	}
	return &Resolver{
		logger:   logger,
		registry: map[string]*registration{},
		urls:     ttlcache.New[string, *registration](opts...),
	}
}

func urlKey(site, p string) string { return site + "\x00" + p }

func splitURLKey(k string) (site, p string) {
	site, p, _ = strings.Cut(k, "\x00")
	return site, p
}

// Register adds pool. Claiming a URL space that is already registered is
// a configuration error.
func (r *Resolver) Register(pool *ActionPool) error {
	cfg := pool.Config()
	sig := cfg.Signature()

	r.mu.Lock()
	defer r.mu.Unlock()
	if have, ok := r.registry[sig]; ok {
		return &ConfigurationError{
			Field: "mountpoint",
			Err:   fmt.Errorf("%s on site %s is already served by %s", cfg.mountpoint, cfg.site, have.pool.Config()),
		}
	}
	r.seq++
	reg := &registration{pool: pool, seq: r.seq}
	r.registry[sig] = reg

	// cached paths the new action also matches may now resolve to it
	dropped := 0
	for k := range r.urls.Items() {
		site, p := splitURLKey(k)
		if site == cfg.site && cfg.Matches(p) {
			r.urls.Delete(k)
			dropped++
		}
	}
	r.logger.V(VERBOSE).Info("Registered action", "action", cfg.String(), "site", cfg.site, "mountpoint", cfg.mountpoint, "evicted", dropped)
	return nil
}

// Unregister removes the action claiming the URL space of cfg and returns
// its pool.
func (r *Resolver) Unregister(cfg *ActionConfig) (*ActionPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registry[cfg.Signature()]
	if !ok {
		return nil, false
	}
	delete(r.registry, cfg.Signature())
	dropped := 0
	for k, it := range r.urls.Items() {
		if it.Value() == reg {
			r.urls.Delete(k)
			dropped++
		}
	}
	r.logger.V(VERBOSE).Info("Unregistered action", "action", cfg.String(), "site", cfg.site, "mountpoint", cfg.mountpoint, "evicted", dropped)
	return reg.pool, true
}

// Resolve returns the pool serving p on site.
func (r *Resolver) Resolve(site, p string) (*ActionPool, bool) {
	key := urlKey(site, p)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if it := r.urls.Get(key); it != nil {
		return it.Value().pool, true
	}

	var best *registration
	for _, reg := range r.registry {
		cfg := reg.pool.Config()
		if cfg.site != site || !cfg.Matches(p) {
			continue
		}
		if best == nil || better(reg, best) {
			best = reg
		}
	}
	if best == nil {
		return nil, false
	}
	// writers hold the exclusive lock, so this cannot race a register
	r.urls.Set(key, best, ttlcache.DefaultTTL)
	return best.pool, true
}

func better(a, b *registration) bool {
	la, lb := len(a.pool.cfg.mountpoint), len(b.pool.cfg.mountpoint)
	if la != lb {
		return la > lb
	}
	return a.seq < b.seq
}

// Pools returns the registered pools in registration order.
func (r *Resolver) Pools() []*ActionPool {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.registry))
	for _, reg := range r.registry {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	out := make([]*ActionPool, len(regs))
	for i, reg := range regs {
		out[i] = reg.pool
	}
	return out
}

// CachedURLs is the number of remembered paths.
func (r *Resolver) CachedURLs() int { return r.urls.Len() }
