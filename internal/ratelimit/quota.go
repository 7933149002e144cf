// Package ratelimit enforces multi-dimensional quotas over the shared
// cache. Counters are atomic; a decision never interleaves with another
// for the same (dimension, window).
package ratelimit

import (
	"time"

	"github.com/studyhive/edge/internal/config"
)

// Algorithm selects how a quota accumulates.
type Algorithm int

const (
	// FixedWindow counts requests in ⌊now/window⌋ buckets.
	FixedWindow Algorithm = iota
	// SlidingWindow is a token bucket refilled continuously.
	SlidingWindow
)

// Quota is the limit vector applied to one dimension.
type Quota struct {
	Algorithm     Algorithm
	Capacity      int64
	Window        time.Duration
	Burst         int64
	ReplenishRate float64 // tokens per second, sliding only
}

// Limit reports the advertised X-RateLimit-Limit value.
func (q Quota) Limit() int64 {
	if q.Algorithm == SlidingWindow {
		return q.Burst
	}
	return q.Capacity
}

func quotaFromSpec(s config.QuotaSpec) Quota {
	q := Quota{
		Capacity:      s.Capacity,
		Window:        s.Window.Std(),
		Burst:         s.Burst,
		ReplenishRate: s.ReplenishRate,
	}
	if s.Algorithm == "sliding" {
		q.Algorithm = SlidingWindow
	}
	return q
}

// Tier is an API-key class with its own quota and escalation policy.
type Tier struct {
	Name               string
	Quota              Quota
	ViolationThreshold int64
	BlockDuration      time.Duration
}
