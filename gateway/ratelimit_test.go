package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(60, time.Minute, 2)
	rl.clock = func() time.Time { return now }

	if !rl.allow("u1") || !rl.allow("u1") {
		t.Fatal("burst tokens not granted")
	}
	if rl.allow("u1") {
		t.Fatal("allowed past burst")
	}

	// One token refills per second at 60/min.
	now = now.Add(time.Second)
	if !rl.allow("u1") {
		t.Error("token did not refill")
	}
	if rl.allow("u1") {
		t.Error("over-refilled")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := newRateLimiter(1, time.Hour, 1)
	if !rl.allow("a") {
		t.Fatal("first key denied")
	}
	if !rl.allow("b") {
		t.Error("second key shares the first key's bucket")
	}
}

func TestAllowSweepsIdleBuckets(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(60, time.Minute, 2)
	rl.clock = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		rl.allow(fmt.Sprintf("old-%d", i))
	}

	// Long past refillAge; the sweep triggered by ongoing traffic must
	// drop every idle bucket without external prune calls.
	now = now.Add(time.Minute)
	for i := 0; i < pruneEvery; i++ {
		rl.allow("active")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) != 1 {
		t.Errorf("bucket count = %d, want 1", len(rl.buckets))
	}
	if _, ok := rl.buckets["active"]; !ok {
		t.Error("active bucket swept")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(1, time.Hour, 1)
	rl.clock = func() time.Time { return now }

	rl.allow("stale")
	now = now.Add(2 * time.Hour)
	rl.allow("fresh")
	rl.prune(time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["stale"]; ok {
		t.Error("stale bucket survived prune")
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Error("fresh bucket pruned")
	}
}
