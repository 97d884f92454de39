// Package session manages computer instances across runs: a bounded pool
// of provisioned computers and the sessions that lease them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuahq/conductor/pkg/computer"
)

// ErrPoolExhausted is returned when no computer becomes available within
// the acquire timeout.
var ErrPoolExhausted = errors.New("computer pool exhausted")

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size           int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	SweepInterval  time.Duration
	Logger         *slog.Logger
}

type poolEntry struct {
	comp     computer.Computer
	inUse    bool
	reserved bool
	lastUsed time.Time
}

// Pool is a bounded set of provisioned computers. Acquire prefers an idle
// instance matching the spec, provisions a new one while capacity remains,
// and otherwise waits until the acquire timeout. The mutex is never held
// across provisioning, probing, or teardown.
type Pool struct {
	provisioner computer.Provisioner
	opts        PoolOptions
	logger      *slog.Logger

	mu      sync.Mutex
	entries []*poolEntry
	notify  chan struct{}
	closed  bool

	stopSweep chan struct{}
	downOnce  sync.Once
}

// NewPool builds a pool over the provisioner.
func NewPool(p computer.Provisioner, opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = 5
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 300 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pool := &Pool{
		provisioner: p,
		opts:        opts,
		logger:      opts.Logger.With("component", "pool"),
		notify:      make(chan struct{}),
		stopSweep:   make(chan struct{}),
	}
	go pool.sweep()
	return pool
}

// Acquire leases a computer satisfying spec. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context, spec computer.Spec) (computer.Computer, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)

	for {
		comp, placeholder, err := p.tryAcquire(spec)
		if err != nil {
			return nil, err
		}

		if comp != nil {
			// Health-check the idle instance before handing it out.
			if probeErr := p.provisioner.Probe(ctx, comp); probeErr != nil {
				p.logger.Warn("evicting unhealthy computer",
					"name", comp.Info().Name, "error", probeErr)
				p.evict(comp)
				p.teardown(comp)
				continue
			}
			return comp, nil
		}

		if placeholder != nil {
			newComp, provErr := p.provisioner.Provision(ctx, spec)
			if provErr != nil {
				p.dropPlaceholder(placeholder)
				return nil, fmt.Errorf("provision computer: %w", provErr)
			}
			p.fillPlaceholder(placeholder, newComp)
			p.logger.Info("provisioned computer", "name", newComp.Info().Name)
			return newComp, nil
		}

		// Full: wait for a release.
		if err := p.waitForRelease(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// tryAcquire claims an idle matching entry or reserves a new slot. Both
// nil means the pool is full and the caller should wait.
func (p *Pool) tryAcquire(spec computer.Spec) (computer.Computer, *poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, errors.New("pool is shut down")
	}

	for _, e := range p.entries {
		if !e.inUse && !e.reserved && spec.Matches(e.comp.Info()) {
			e.inUse = true
			return e.comp, nil, nil
		}
	}

	if len(p.entries) < p.opts.Size {
		e := &poolEntry{reserved: true, inUse: true}
		p.entries = append(p.entries, e)
		return nil, e, nil
	}
	return nil, nil, nil
}

func (p *Pool) fillPlaceholder(e *poolEntry, comp computer.Computer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.comp = comp
	e.reserved = false
}

func (p *Pool) dropPlaceholder(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, entry := range p.entries {
		if entry == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.broadcastLocked()
}

// Release returns a leased computer to the pool.
func (p *Pool) Release(comp computer.Computer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.comp == comp {
			e.inUse = false
			e.lastUsed = time.Now()
			break
		}
	}
	p.broadcastLocked()
}

func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) waitForRelease(ctx context.Context, deadline time.Time) error {
	p.mu.Lock()
	ch := p.notify
	p.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrPoolExhausted
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPoolExhausted
	case <-ch:
		return nil
	}
}

// evict removes comp from the pool without closing it.
func (p *Pool) evict(comp computer.Computer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.comp == comp {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.broadcastLocked()
}

func (p *Pool) teardown(comp computer.Computer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := comp.Close(ctx); err != nil {
		p.logger.Warn("computer close failed", "name", comp.Info().Name, "error", err)
	}
}

// sweep periodically evicts instances idle past the idle timeout.
func (p *Pool) sweep() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			for _, comp := range p.expiredIdle() {
				p.logger.Info("closing idle computer", "name", comp.Info().Name)
				p.teardown(comp)
			}
		}
	}
}

// expiredIdle removes and returns entries idle past the timeout.
func (p *Pool) expiredIdle() []computer.Computer {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []computer.Computer
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !e.inUse && !e.reserved && e.lastUsed.Before(cutoff) {
			expired = append(expired, e.comp)
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	if len(expired) > 0 {
		p.broadcastLocked()
	}
	return expired
}

// Stats reports pool occupancy.
func (p *Pool) Stats() (total, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		total++
		if e.inUse {
			inUse++
		}
	}
	return total, inUse
}

// Shutdown stops the sweeper and closes every instance. Idempotent; the
// deadline in ctx bounds the teardown.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.downOnce.Do(func() {
		close(p.stopSweep)

		p.mu.Lock()
		p.closed = true
		entries := p.entries
		p.entries = nil
		p.mu.Unlock()

		for _, e := range entries {
			if e.comp == nil {
				continue
			}
			if closeErr := e.comp.Close(ctx); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}
