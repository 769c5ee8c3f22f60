package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
)

func TestDisabledCacheIsInert(t *testing.T) {
	c := New(Options{}, nil)
	ctx := context.Background()

	if c.Enabled() {
		t.Fatal("cache without an address should be disabled")
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("disabled ping should succeed: %v", err)
	}

	c.Put(ctx, "P001", []study.Metric{{Patient: "P001", Label: "ET"}})
	if rows, ok := c.Get(ctx, "P001"); ok || rows != nil {
		t.Fatal("disabled cache must always miss")
	}

	c.Invalidate(ctx, "P001")
	if err := c.Close(); err != nil {
		t.Fatalf("disabled close should succeed: %v", err)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	c := New(Options{TTL: -time.Second}, nil)
	if c.ttl != DefaultTTL {
		t.Fatalf("expected default TTL %v, got %v", DefaultTTL, c.ttl)
	}
}

// TestRedisRoundTrip exercises a real Redis instance. Set TEST_REDIS_ADDR
// (for example localhost:6379) to enable it.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run Redis integration tests")
	}

	c := New(Options{Addr: addr, TTL: time.Minute}, nil)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	vol := 12.5
	rows := []study.Metric{{Patient: "P001", Label: "WT", VolumeML: vol, AsymmetryIndex: 0.2}}
	c.Put(ctx, "P001", rows)

	got, ok := c.Get(ctx, "P001")
	if !ok {
		t.Fatal("expected cache hit after put")
	}
	if len(got) != 1 || got[0].Label != "WT" || got[0].VolumeML != vol {
		t.Fatalf("unexpected cached rows: %+v", got)
	}

	c.Invalidate(ctx, "P001")
	if _, ok := c.Get(ctx, "P001"); ok {
		t.Fatal("expected miss after invalidation")
	}
}
