package gateway

import (
	"sync"
	"time"
)

// rateLimiter is a per-key token bucket. Buckets refill continuously at
// rate tokens per interval up to burst, and are created on first use.
// pruneEvery is how many allow calls pass between idle-bucket sweeps.
const pruneEvery = 256

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ops     int

	rate     float64
	burst    float64
	interval time.Duration
	clock    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rate int, interval time.Duration, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     float64(rate),
		burst:    float64(burst),
		interval: interval,
		clock:    time.Now,
	}
}

// allow consumes one token for the key if available. Every pruneEvery
// calls it sweeps out fully refilled idle buckets so the map does not
// grow with every key ever seen.
func (rl *rateLimiter) allow(key string) bool {
	now := rl.clock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.ops++
	if rl.ops >= pruneEvery {
		rl.ops = 0
		rl.pruneLocked(now.Add(-rl.refillAge()))
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.last)
	b.tokens += rl.rate * float64(elapsed) / float64(rl.interval)
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle longer than age.
func (rl *rateLimiter) prune(age time.Duration) {
	cutoff := rl.clock().Add(-age)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(cutoff)
}

func (rl *rateLimiter) pruneLocked(cutoff time.Time) {
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// refillAge is how long an empty bucket takes to refill to burst. A
// bucket idle at least that long is indistinguishable from a fresh one,
// so dropping it never changes an allow decision.
func (rl *rateLimiter) refillAge() time.Duration {
	return time.Duration(float64(rl.interval) * rl.burst / rl.rate)
}
