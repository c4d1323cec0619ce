// Package pool provides warm resource pools for provider connections.
//
// Speech and language provider sessions are expensive to establish (TLS,
// auth, websocket upgrade), so each provider kind gets a pool that keeps a
// configurable number of warm handles ready. A session leases a handle for
// its lifetime; the handle is exclusive to that session until released.
//
// Pools are built on puddle/v2, the same pool core that backs pgxpool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/parlancehq/parlance/pkg/fault"
)

// Factory creates a fresh pooled resource. Called while warming the pool and
// whenever demand exceeds the warm set.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer releases a pooled resource's underlying connection. Called when a
// handle is destroyed, never while it is leased.
type Closer[T any] func(res T)

// Config controls pool sizing and lease behavior.
type Config struct {
	// Warm is the number of resources created up front and kept alive by
	// the reaper. Defaults to 1.
	Warm int

	// Max caps concurrently live resources, leased or idle. Defaults to
	// Warm*4 (minimum 4).
	Max int

	// LeaseTimeout bounds how long Acquire waits for a free resource when
	// the pool is at Max. Defaults to 5s.
	LeaseTimeout time.Duration

	// IdleTimeout is how long a resource beyond the warm set may sit idle
	// before the reaper evicts it. Defaults to 90s.
	IdleTimeout time.Duration

	// ReapInterval is the reaper's scan period. Defaults to 15s.
	ReapInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Warm <= 0 {
		c.Warm = 1
	}
	if c.Max <= 0 {
		c.Max = c.Warm * 4
		if c.Max < 4 {
			c.Max = 4
		}
	}
	if c.Max < c.Warm {
		c.Max = c.Warm
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool keeps warm handles of a single provider kind.
type Pool[T any] struct {
	name  string
	cfg   Config
	inner *puddle.Pool[T]

	stop chan struct{}
	done chan struct{}
}

// Lease is an exclusive claim on a pooled resource. Exactly one of Release
// or Destroy must be called when the session is done with it.
type Lease[T any] struct {
	res      *puddle.Resource[T]
	returned bool
}

// Value returns the leased resource.
func (l *Lease[T]) Value() T { return l.res.Value() }

// Release returns a healthy resource to the pool for reuse.
func (l *Lease[T]) Release() {
	if l.returned {
		return
	}
	l.returned = true
	l.res.Release()
}

// Destroy closes the resource instead of returning it. Use after any error
// that leaves the handle's state unknown.
func (l *Lease[T]) Destroy() {
	if l.returned {
		return
	}
	l.returned = true
	l.res.Destroy()
}

// New creates a pool and synchronously warms it to cfg.Warm resources.
// A warm-up failure closes the pool and returns the error.
func New[T any](ctx context.Context, name string, cfg Config, factory Factory[T], closer Closer[T]) (*Pool[T], error) {
	cfg.withDefaults()

	inner, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: func(ctx context.Context) (T, error) { return factory(ctx) },
		Destructor:  func(res T) { closer(res) },
		MaxSize:     int32(cfg.Max),
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}

	p := &Pool[T]{
		name:  name,
		cfg:   cfg,
		inner: inner,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	for i := 0; i < cfg.Warm; i++ {
		if err := inner.CreateResource(ctx); err != nil {
			inner.Close()
			return nil, fault.Errorf(fault.TransientUpstream, "pool %s: warm-up: %v", name, err)
		}
	}

	go p.reapLoop()
	return p, nil
}

// Acquire leases a resource, waiting up to the configured lease timeout when
// the pool is saturated. A timeout yields a PoolExhausted fault so callers
// can reject the session at connect time.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTimeout)
	defer cancel()

	res, err := p.inner.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Errorf(fault.PoolExhausted,
				"pool %s: no resource within %s", p.name, p.cfg.LeaseTimeout)
		}
		return nil, fault.Errorf(fault.TransientUpstream, "pool %s: acquire: %v", p.name, err)
	}
	return &Lease[T]{res: res}, nil
}

// Stats reports current pool occupancy.
type Stats struct {
	Total    int
	Acquired int
	Idle     int
}

// Stats returns a snapshot of pool occupancy for metrics and readiness.
func (p *Pool[T]) Stats() Stats {
	s := p.inner.Stat()
	return Stats{
		Total:    int(s.TotalResources()),
		Acquired: int(s.AcquiredResources()),
		Idle:     int(s.IdleResources()),
	}
}

// Close stops the reaper and destroys all idle resources. Outstanding leases
// are destroyed as they are returned.
func (p *Pool[T]) Close() error {
	close(p.stop)
	<-p.done
	p.inner.Close()
	return nil
}

// reapLoop periodically evicts resources beyond the warm set that have been
// idle past the idle timeout.
func (p *Pool[T]) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool[T]) reap() {
	idle := p.inner.AcquireAllIdle()
	excess := int(p.inner.Stat().TotalResources()) - p.cfg.Warm

	destroyed := 0
	for _, res := range idle {
		if excess > 0 && res.IdleDuration() >= p.cfg.IdleTimeout {
			res.Destroy()
			excess--
			destroyed++
			continue
		}
		res.Release()
	}
	if destroyed > 0 {
		p.cfg.Logger.Debug("evicted idle pool resources",
			"pool", p.name, "count", destroyed)
	}
}
