package conn

import (
	"context"
	"errors"
	"testing"
)

func TestFedAuthTokenCache_CachesAcrossCalls(t *testing.T) {
	calls := 0
	cache := NewFedAuthTokenCache(func(ctx context.Context) (string, error) {
		calls++
		return "jwt-token", nil
	})
	provider := cache.Provider()

	for i := 0; i < 3; i++ {
		tok, err := provider(context.Background())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if tok != "jwt-token" {
			t.Errorf("call %d: got %q", i, tok)
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 underlying acquire call, got %d", calls)
	}
}

func TestFedAuthTokenCache_InvalidateForcesReacquire(t *testing.T) {
	calls := 0
	cache := NewFedAuthTokenCache(func(ctx context.Context) (string, error) {
		calls++
		return "jwt-token", nil
	})
	provider := cache.Provider()

	if _, err := provider(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	cache.Invalidate()
	if _, err := provider(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected invalidate to force a second acquire, got %d calls", calls)
	}
}

func TestFedAuthTokenCache_AcquireErrorNotCached(t *testing.T) {
	calls := 0
	wantErr := errors.New("sts unavailable")
	cache := NewFedAuthTokenCache(func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", wantErr
		}
		return "jwt-token", nil
	})
	provider := cache.Provider()

	if _, err := provider(context.Background()); err != wantErr {
		t.Fatalf("expected acquire error to propagate, got %v", err)
	}
	tok, err := provider(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tok != "jwt-token" {
		t.Errorf("got %q", tok)
	}
	if calls != 2 {
		t.Errorf("expected a failed acquire to not be cached, got %d calls", calls)
	}
}
