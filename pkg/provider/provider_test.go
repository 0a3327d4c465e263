package provider

import (
	"context"
	"testing"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
)

func TestWithPinned_RoundTrip(t *testing.T) {
	c := &conn.Conn{}
	ctx := WithPinned(context.Background(), "cat1", c)

	if got := pinnedFrom(ctx, "cat1"); got != c {
		t.Errorf("pinnedFrom returned %v, want %v", got, c)
	}
}

func TestWithPinned_IsolatedPerCatalog(t *testing.T) {
	c := &conn.Conn{}
	ctx := WithPinned(context.Background(), "cat1", c)

	if got := pinnedFrom(ctx, "cat2"); got != nil {
		t.Errorf("expected no pinned connection for a different catalog, got %v", got)
	}
}

func TestWithoutPinned_Clears(t *testing.T) {
	c := &conn.Conn{}
	ctx := WithPinned(context.Background(), "cat1", c)
	ctx = WithoutPinned(ctx, "cat1")

	if got := pinnedFrom(ctx, "cat1"); got != nil {
		t.Errorf("expected pinned connection cleared, got %v", got)
	}
}

func TestProvider_IsInTransaction(t *testing.T) {
	pr := New("cat1", nil)
	ctx := context.Background()

	if pr.IsInTransaction(ctx) {
		t.Errorf("expected no transaction on a bare context")
	}

	c := &conn.Conn{}
	ctx = WithPinned(ctx, "cat1", c)
	if !pr.IsInTransaction(ctx) {
		t.Errorf("expected transaction detected once pinned")
	}
}

func TestProvider_Acquire_ReturnsPinnedWithoutTouchingPool(t *testing.T) {
	pr := New("cat1", nil) // nil pool: a pool.Acquire call here would panic
	c := &conn.Conn{}
	ctx := WithPinned(context.Background(), "cat1", c)

	h, err := pr.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Conn != c {
		t.Errorf("expected pinned connection returned, got %v", h.Conn)
	}

	// Release on a pinned handle must not dereference the nil pool.
	h.Release()
}
