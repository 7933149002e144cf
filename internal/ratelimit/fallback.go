package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localFallback keeps per-dimension in-process limiters for fail-open
// degraded mode. Entries idle past the eviction window are dropped by
// the cleanup loop, bounding memory while the cache is down.
type localFallback struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
}

type localEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const fallbackIdleEviction = 10 * time.Minute

func newLocalFallback() *localFallback {
	f := &localFallback{limiters: make(map[string]*localEntry)}
	go f.cleanup()
	return f
}

func (f *localFallback) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		f.mu.Lock()
		for key, entry := range f.limiters {
			if now.Sub(entry.lastSeen) > fallbackIdleEviction {
				delete(f.limiters, key)
			}
		}
		f.mu.Unlock()
	}
}

// allow approximates the quota locally. Fixed windows translate to a
// steady rate of capacity/window with capacity burst.
func (f *localFallback) allow(dim Dimension, q Quota) Decision {
	limit, burst := q.rateAndBurst()

	f.mu.Lock()
	entry, ok := f.limiters[dim.String()]
	if !ok {
		entry = &localEntry{lim: rate.NewLimiter(limit, burst)}
		f.limiters[dim.String()] = entry
	}
	entry.lastSeen = time.Now()
	f.mu.Unlock()

	allowed := entry.lim.Allow()
	remaining := int64(entry.lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	dec := Decision{
		Allowed:   allowed,
		Limit:     q.Limit(),
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Second),
		Degraded:  true,
	}
	if !allowed {
		dec.RetryAfter = time.Second
	}
	return dec
}

func (q Quota) rateAndBurst() (rate.Limit, int) {
	if q.Algorithm == SlidingWindow {
		return rate.Limit(q.ReplenishRate), int(q.Burst)
	}
	windowSec := q.Window.Seconds()
	if windowSec <= 0 {
		windowSec = 60
	}
	return rate.Limit(float64(q.Capacity) / windowSec), int(q.Capacity)
}
