package pool

import (
	"context"
	"testing"
	"time"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
	"github.com/tdscatalog/mssqlclient/pkg/errors"
	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// discardToken is the validation query's token callback. It used to be a nil
// func passed straight to ExecuteBatch, which panics the first time the
// parser hands it a token. Every token kind ExecuteBatch can produce must be
// safe to hand it.
func TestDiscardToken_NeverErrors(t *testing.T) {
	kinds := []tds.TokenKind{
		tds.KindColMetadata, tds.KindRow, tds.KindNbcRow,
		tds.KindDone, tds.KindError, tds.KindInfo, tds.KindEnvChange,
	}
	for _, k := range kinds {
		if err := discardToken(tds.Token{Kind: k}); err != nil {
			t.Errorf("discardToken(%v) = %v, want nil", k, err)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.Max != 10 {
		t.Errorf("Max = %d, want 10", c.Max)
	}
	if c.AcquireTimeout != 10*time.Second {
		t.Errorf("AcquireTimeout = %v, want 10s", c.AcquireTimeout)
	}
	if c.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", c.IdleTimeout)
	}
	if c.LongIdleThreshold != 30*time.Second {
		t.Errorf("LongIdleThreshold = %v, want 30s", c.LongIdleThreshold)
	}
	if c.ValidationQuery != "SELECT 1" {
		t.Errorf("ValidationQuery = %q, want %q", c.ValidationQuery, "SELECT 1")
	}
	if c.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestConfig_WithDefaults_LeavesExplicitValues(t *testing.T) {
	c := Config{Max: 3, IdleTimeout: time.Minute}.withDefaults()
	if c.Max != 3 {
		t.Errorf("Max = %d, want 3 (explicit value overwritten)", c.Max)
	}
	if c.IdleTimeout != time.Minute {
		t.Errorf("IdleTimeout = %v, want 1m (explicit value overwritten)", c.IdleTimeout)
	}
}

func TestAcquire_ClosedPoolReturnsError(t *testing.T) {
	p := New(Config{
		Dial: func(ctx context.Context) (*conn.Conn, error) { return nil, nil },
	})
	p.Close()

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected an error acquiring from a closed pool")
	}
	if !errors.IsCode(err, errors.ErrCodeResourceExhausted) {
		t.Errorf("expected ErrCodeResourceExhausted, got %v", err)
	}
}

func TestAcquire_DialErrorDecrementsTotalAndIsWrapped(t *testing.T) {
	dialErr := errors.New(errors.ErrCodeConnectionFailed, "boom").Build()
	p := New(Config{
		Max: 1,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			return nil, dialErr
		},
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected dial failure to propagate")
	}
	if !errors.IsCode(err, errors.ErrCodeConnectionFailed) {
		t.Errorf("expected ErrCodeConnectionFailed, got %v", err)
	}

	stats := p.Stats()
	if stats.Total != 0 {
		t.Errorf("Total = %d after failed dial, want 0 (slot released)", stats.Total)
	}

	// A pool that correctly released its slot on a failed dial can try again.
	_, err2 := p.Acquire(context.Background())
	if err2 == nil {
		t.Fatal("expected second dial attempt to also fail with the same stub")
	}
}

func TestAcquire_ContextAlreadyCancelled(t *testing.T) {
	p := New(Config{
		Dial: func(ctx context.Context) (*conn.Conn, error) { return nil, nil },
	})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	if err != ctx.Err() {
		t.Errorf("got %v, want %v", err, ctx.Err())
	}
}

func TestStats_EmptyPool(t *testing.T) {
	p := New(Config{Dial: func(ctx context.Context) (*conn.Conn, error) { return nil, nil }})
	defer p.Close()

	s := p.Stats()
	if s.Idle != 0 || s.Active != 0 || s.Pinned != 0 || s.Total != 0 {
		t.Errorf("expected a zeroed Stats for a fresh pool, got %+v", s)
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := New(Config{Dial: func(ctx context.Context) (*conn.Conn, error) { return nil, nil }})
	p.Close()
	p.Close() // must not panic or block on an already-closed stopCh
}

func TestReapIdle_NoopBelowMin(t *testing.T) {
	p := New(Config{Min: 2, Dial: func(ctx context.Context) (*conn.Conn, error) { return nil, nil }})
	defer p.Close()

	// idle is empty, well below Min; reapIdle must return without touching
	// anything it can't safely touch (no connections to close).
	p.reapIdle()
	if len(p.idle) != 0 {
		t.Errorf("expected idle to remain empty, got %d", len(p.idle))
	}
}
