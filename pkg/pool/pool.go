// Package pool manages a set of pooled *conn.Conn for one attached catalog:
// idle/active bookkeeping behind a single mutex, a background reaper that
// evicts long-idle connections down to a configured minimum, and validation
// of idle connections that have sat around long enough to be suspect.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
	"github.com/tdscatalog/mssqlclient/pkg/errors"
	"github.com/tdscatalog/mssqlclient/pkg/log"
	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// Config carries the knobs one catalog's pool is sized and timed by.
type Config struct {
	Min               int
	Max               int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	LongIdleThreshold time.Duration
	ValidationQuery   string

	Dial func(ctx context.Context) (*conn.Conn, error)

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Max == 0 {
		c.Max = 10
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.LongIdleThreshold == 0 {
		c.LongIdleThreshold = 30 * time.Second
	}
	if c.ValidationQuery == "" {
		c.ValidationQuery = "SELECT 1"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Stats is a point-in-time snapshot of pool occupancy, exposed for
// observability.
type Stats struct {
	Idle               int
	Active             int
	Pinned             int
	Total              int
	AcquireWaits       int64
	ValidationFailures int64
}

// Pool hands out exclusive ownership of pooled connections to callers and
// takes them back. All state lives behind mu; the connections themselves
// are serialized per-connection by whoever holds them.
type Pool struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	idle   []*conn.Conn
	active map[*conn.Conn]struct{}
	total  int

	acquireWaits       int64
	validationFailures int64

	closed bool
	stopCh chan struct{}

	poolLog *log.CategoryLogger
}

// New creates a Pool. The reaper goroutine starts immediately; Close stops
// it and drains every connection the pool holds.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		active:  make(map[*conn.Conn]struct{}),
		stopCh:  make(chan struct{}),
		poolLog: cfg.Logger.Pool(),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Acquire returns a ready Conn: an idle one (validated if it has sat around
// past LongIdleThreshold), a freshly dialed one if the pool has room, or
// whichever comes free first if the pool is already at Max. A pinned
// connection for the caller's transaction is the connection provider's
// concern (pkg/provider), not this pool's — Acquire always hands out a
// connection with no notion of which transaction, if any, owns it.
func (p *Pool) Acquire(ctx context.Context) (*conn.Conn, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrCodeResourceExhausted, "pool is closed").Build()
		}

		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if time.Since(c.LastUsed()) > p.cfg.LongIdleThreshold {
				p.mu.Unlock()
				if err := p.validate(ctx, c); err != nil {
					p.validationFailures++
					c.Close()
					p.mu.Lock()
					p.total--
					p.poolLog.Debug("discarded idle connection failing validation", "error", err)
					continue
				}
				p.mu.Lock()
			}

			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()

			c, err := p.cfg.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "dialing new pooled connection").Build()
			}

			p.mu.Lock()
			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		p.acquireWaits++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrCodePoolWaitTimeout, "pool acquire timed out").
				WithField("acquire_timeout", p.cfg.AcquireTimeout).Build()
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()

		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrCodeResourceExhausted, "pool closed while waiting").Build()
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrCodePoolWaitTimeout, "pool acquire timed out").
				WithField("acquire_timeout", p.cfg.AcquireTimeout).Build()
		}
	}
}

// Release returns a connection to the idle list, leaves a pinned one
// untouched (the transaction owner keeps it), or closes it if it is in an
// unexpected state.
// Pinned connections are never released here — the provider holds onto
// those until the transaction ends and calls Release only then.
func (p *Pool) Release(c *conn.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, c)

	if c.Pinned() {
		p.active[c] = struct{}{}
		return
	}

	if p.closed || c.State() != conn.StateIdle {
		c.Close()
		p.total--
		p.cond.Signal()
		return
	}

	p.idle = append(p.idle, c)
	p.cond.Signal()
}

func (p *Pool) validate(ctx context.Context, c *conn.Conn) error {
	vctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.ExecuteBatch(vctx, p.cfg.ValidationQuery, discardToken)
}

// discardToken is the validation query's token callback: it only needs to
// know whether the batch completed without an ERROR token, which
// ExecuteBatch's return value already reports, so every token is ignored.
func discardToken(tds.Token) error { return nil }

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pinned := 0
	for c := range p.active {
		if c.Pinned() {
			pinned++
		}
	}

	return Stats{
		Idle:               len(p.idle),
		Active:             len(p.active) - pinned,
		Pinned:             pinned,
		Total:              p.total,
		AcquireWaits:       p.acquireWaits,
		ValidationFailures: p.validationFailures,
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.Min {
		return
	}

	kept := make([]*conn.Conn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.Min
	for i, c := range p.idle {
		if i < excess && time.Since(c.LastUsed()) > p.cfg.IdleTimeout {
			c.Close()
			p.total--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
}

// Close stops the reaper and closes every connection the pool currently
// holds, idle or active. Safe to call once; a second call is a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()

	for _, c := range p.idle {
		c.Close()
		p.total--
	}
	p.idle = nil

	for c := range p.active {
		c.Close()
		p.total--
	}
	p.active = make(map[*conn.Conn]struct{})
	p.mu.Unlock()
}
