package weblounge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

var errPoolClosed = errors.New("pool closed")

// PoolOptions tunes an ActionPool.
type PoolOptions struct {
	// BorrowTimeout bounds how long Borrow waits for a free instance when
	// the pool is at its active limit. Zero fails at once.
	BorrowTimeout   time.Duration
	MaxUploadMemory int64
	Metrics         *Metrics
	Logger          logr.Logger
}

// ActionPool owns the instances of one action. Instances are handed out
// by Borrow and must come back through Return.
type ActionPool struct {
	cfg     *ActionConfig
	site    Site
	module  Module
	factory HandlerFactory
	opts    PoolOptions
	logger  logr.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    []*Action
	active  map[*Action]struct{}
	serial  uint64
	retired int
	closed  bool
}

// PoolStats is a point in time view of a pool.
type PoolStats struct {
	Idle    int `json:"idle"`
	Active  int `json:"active"`
	Created int `json:"created"`
	Retired int `json:"retired"`
}

func NewActionPool(cfg *ActionConfig, site Site, factory HandlerFactory, opts PoolOptions) (*ActionPool, error) {
	if factory == nil {
		return nil, configErrorf("handler", "no handler factory for action %s", cfg)
	}
	m, ok := site.Module(cfg.module)
	if !ok {
		return nil, configErrorf("module", "site %s has no module %q", site.ID(), cfg.module)
	}
	p := &ActionPool{
		cfg:     cfg,
		site:    site,
		module:  m,
		factory: factory,
		opts:    opts,
		logger:  opts.Logger.WithValues("action", cfg.String()),
		active:  map[*Action]struct{}{},
	}
	if cfg.maxActive > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.maxActive))
	}
	return p, nil
}

func (p *ActionPool) Config() *ActionConfig { return p.cfg }
func (p *ActionPool) Site() Site             { return p.site }

// Borrow hands out an idle instance or creates one. Instances are not
// validated on the way out.
func (p *ActionPool) Borrow(ctx context.Context) (*Action, error) {
	if p.sem != nil {
		if err := p.acquire(ctx); err != nil {
			p.opts.Metrics.exhausted(p.cfg.String())
			return nil, &PoolExhaustedError{Action: p.cfg.String(), Err: err}
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release()
		return nil, &PoolExhaustedError{Action: p.cfg.String(), Err: errPoolClosed}
	}
	var a *Action
	if n := len(p.idle); n > 0 {
		a = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		p.serial++
		a = &Action{
			cfg:             p.cfg,
			site:            p.site,
			module:          p.module,
			handler:         p.factory(p.cfg),
			serial:          p.serial,
			maxUploadMemory: p.opts.MaxUploadMemory,
		}
		p.logger.V(TRACE).Info("Created action instance", "serial", a.serial)
	}
	a.state = stateBorrowed
	p.active[a] = struct{}{}
	p.mu.Unlock()

	p.opts.Metrics.borrowed(p.cfg.String(), 1)
	return a, nil
}

func (p *ActionPool) acquire(ctx context.Context) error {
	if p.opts.BorrowTimeout <= 0 {
		if p.sem.TryAcquire(1) {
			return nil
		}
		return errors.New("no free instance")
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.BorrowTimeout)
	defer cancel()
	return p.sem.Acquire(ctx, 1)
}

func (p *ActionPool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// Return passivates a and keeps it for reuse unless it asks to be disposed,
// the idle list is full or the pool is closed.
func (p *ActionPool) Return(a *Action) error {
	p.mu.Lock()
	if _, ok := p.active[a]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("action %s instance %d was not borrowed from this pool", p.cfg, a.serial)
	}
	delete(p.active, a)
	p.mu.Unlock()

	a.Passivate()
	dispose := a.Dispose()

	p.mu.Lock()
	if dispose || p.closed || len(p.idle) >= p.cfg.maxIdle {
		a.state = stateRetired
		p.retired++
	} else {
		a.state = stateIdle
		p.idle = append(p.idle, a)
	}
	p.mu.Unlock()

	p.release()
	p.opts.Metrics.borrowed(p.cfg.String(), -1)
	return nil
}

func (p *ActionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:    len(p.idle),
		Active:  len(p.active),
		Created: int(p.serial),
		Retired: p.retired,
	}
}

// Close retires the idle instances. Borrowed instances are retired when
// they are returned.
func (p *ActionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, a := range p.idle {
		a.state = stateRetired
		p.retired++
	}
	p.idle = nil
	p.logger.V(VERBOSE).Info("Closed action pool", "active", len(p.active))
}
