package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCreateComputesOnce(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		return "value", nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrCreate(ctx, c, "k", time.Hour, compute)
			if err != nil || v != "value" {
				t.Errorf("got %q, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("compute called %d times, want 1", calls.Load())
	}
}

func TestExpiryTriggersRecompute(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if v, _ := GetOrCreate(ctx, c, "k", time.Minute, compute); v != 1 {
		t.Fatalf("got %d", v)
	}
	if v, _ := GetOrCreate(ctx, c, "k", time.Minute, compute); v != 1 {
		t.Fatalf("cached read got %d, want 1", v)
	}

	now = now.Add(2 * time.Minute)
	if v, _ := GetOrCreate(ctx, c, "k", time.Minute, compute); v != 2 {
		t.Fatalf("post-expiry got %d, want 2", v)
	}
}

func TestNeverExpire(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, _ = GetOrCreate(ctx, c, "k", NeverExpire, compute)
	now = now.Add(1000 * time.Hour)
	if v, _ := GetOrCreate(ctx, c, "k", NeverExpire, compute); v != 1 {
		t.Fatalf("got %d, want original value", v)
	}

	c.Delete("k")
	if v, _ := GetOrCreate(ctx, c, "k", NeverExpire, compute); v != 2 {
		t.Fatalf("after delete got %d, want 2", v)
	}
}

func TestFailedComputeNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	_, err := GetOrCreate(ctx, c, "k", time.Hour, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if _, ok := c.Peek("k"); ok {
		t.Fatal("failed compute was cached")
	}

	v, err := GetOrCreate(ctx, c, "k", time.Hour, func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("retry got %d, %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
