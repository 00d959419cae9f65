package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wasmic/wasmic/errors"
)

// DefaultMaxInstances bounds concurrent instances per component when
// the configuration does not say otherwise.
const DefaultMaxInstances = 4

// DefaultIdleTimeout is how long an instance may sit unused before the
// sweeper destroys it.
const DefaultIdleTimeout = 60 * time.Second

// Instance is what the pool manages. The engine's sandbox instances
// satisfy it; tests use fakes.
type Instance interface {
	Faulted() bool
	Close(ctx context.Context) error
}

// Factory creates a fresh instance on demand.
type Factory func(ctx context.Context) (Instance, error)

// Config sizes a pool.
type Config struct {
	// MaxInstances is the hard ceiling on live instances, leased plus
	// idle. 0 uses DefaultMaxInstances.
	MaxInstances int
	// IdleTimeout evicts instances unused for this long. 0 uses
	// DefaultIdleTimeout; negative disables eviction.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type idleEntry struct {
	inst  Instance
	since time.Time
}

// Pool keeps warm instances of one compiled component. Acquire blocks
// when the ceiling is reached until a lease is returned or the caller's
// context ends. Instances are reused most-recently-released first so
// idle ones age out.
type Pool struct {
	factory Factory
	max     int
	idleTTL time.Duration
	log     *zap.Logger

	permits chan struct{}

	mu     sync.Mutex
	idle   []idleEntry
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a pool around a factory.
func New(factory Factory, cfg Config) *Pool {
	max := cfg.MaxInstances
	if max <= 0 {
		max = DefaultMaxInstances
	}
	ttl := cfg.IdleTimeout
	if ttl == 0 {
		ttl = DefaultIdleTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		factory:   factory,
		max:       max,
		idleTTL:   ttl,
		log:       log,
		permits:   make(chan struct{}, max),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if ttl > 0 {
		go p.sweep()
	} else {
		close(p.sweepDone)
	}
	return p
}

// Acquire returns a leased instance. The caller must hand it back with
// Release exactly once. Waiting for a free slot respects ctx.
func (p *Pool) Acquire(ctx context.Context) (Instance, error) {
	select {
	case p.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.permits
		return nil, errors.New(errors.StageAcquire, errors.KindInternal).
			Detail("pool is closed").Build()
	}
	if n := len(p.idle); n > 0 {
		entry := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return entry.inst, nil
	}
	p.mu.Unlock()

	inst, err := p.factory(ctx)
	if err != nil {
		<-p.permits
		return nil, err
	}
	return inst, nil
}

// Release returns a leased instance. Faulted instances and releases
// into a closed pool destroy the instance instead of recycling it.
func (p *Pool) Release(ctx context.Context, inst Instance) {
	defer func() { <-p.permits }()

	if inst.Faulted() {
		p.log.Debug("destroying faulted instance")
		inst.Close(ctx)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		inst.Close(ctx)
		return
	}
	p.idle = append(p.idle, idleEntry{inst: inst, since: time.Now()})
	p.mu.Unlock()
}

// Idle reports how many instances are parked.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close destroys idle instances and stops recycling. Leased instances
// are destroyed as they are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	var firstErr error
	for _, entry := range idle {
		if err := entry.inst.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sweep evicts instances that sat idle past the quiet period.
func (p *Pool) sweep() {
	defer close(p.sweepDone)

	interval := p.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case now := <-ticker.C:
			p.evictIdle(now)
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	cutoff := now.Add(-p.idleTTL)

	p.mu.Lock()
	// LIFO reuse keeps the stale entries at the bottom of the stack.
	n := 0
	var evicted []Instance
	for _, entry := range p.idle {
		if entry.since.Before(cutoff) {
			evicted = append(evicted, entry.inst)
			continue
		}
		p.idle[n] = entry
		n++
	}
	p.idle = p.idle[:n]
	p.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	p.log.Debug("evicting idle instances", zap.Int("count", len(evicted)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, inst := range evicted {
		inst.Close(ctx)
	}
}
