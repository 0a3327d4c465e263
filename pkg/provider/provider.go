// Package provider hands callers a connection for a catalog: the
// transaction-pinned one if the caller's context already holds one, or a
// fresh acquire from the catalog's pool otherwise. It is the only thing in
// this module that knows how to find "the" connection for an operation.
package provider

import (
	"context"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
	"github.com/tdscatalog/mssqlclient/pkg/pool"
)

type pinnedKey struct{ catalog string }

// WithPinned returns a context carrying conn as the pinned connection for
// catalog — set by BeginTransaction, cleared by Commit/Rollback.
func WithPinned(ctx context.Context, catalog string, c *conn.Conn) context.Context {
	return context.WithValue(ctx, pinnedKey{catalog}, c)
}

// WithoutPinned strips any pinned connection for catalog from ctx,
// returning a context an ended transaction should use going forward.
func WithoutPinned(ctx context.Context, catalog string) context.Context {
	return context.WithValue(ctx, pinnedKey{catalog}, (*conn.Conn)(nil))
}

func pinnedFrom(ctx context.Context, catalog string) *conn.Conn {
	c, _ := ctx.Value(pinnedKey{catalog}).(*conn.Conn)
	return c
}

// Handle is a connection obtained through a Provider; Release returns it
// the right way depending on whether it came from a pin or a pool acquire.
type Handle struct {
	Conn   *conn.Conn
	pinned bool
	pool   *pool.Pool
}

// Release is a no-op for a pinned connection (the transaction still owns
// it) and a pool return otherwise.
func (h Handle) Release() {
	if h.pinned {
		return
	}
	h.pool.Release(h.Conn)
}

// Provider resolves connections for one attached catalog's pool.
type Provider struct {
	catalog string
	pool    *pool.Pool
}

// New creates a Provider bound to one catalog's pool.
func New(catalog string, p *pool.Pool) *Provider {
	return &Provider{catalog: catalog, pool: p}
}

// Acquire returns the ctx's pinned connection for this catalog if one is
// set, else acquires a fresh one from the pool.
func (pr *Provider) Acquire(ctx context.Context) (Handle, error) {
	if c := pinnedFrom(ctx, pr.catalog); c != nil {
		return Handle{Conn: c, pinned: true}, nil
	}
	c, err := pr.pool.Acquire(ctx)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Conn: c, pool: pr.pool}, nil
}

// IsInTransaction reports whether ctx currently holds a pinned connection
// for this catalog. Scan uses this to refuse outright, and the DML paths
// use it to defer execution.
func (pr *Provider) IsInTransaction(ctx context.Context) bool {
	return pinnedFrom(ctx, pr.catalog) != nil
}
