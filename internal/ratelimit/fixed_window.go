package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// allowFixed counts the request in the current window. The first
// increment of a window sets its TTL, so idle dimensions cost nothing.
func (e *Engine) allowFixed(ctx context.Context, dim Dimension, q Quota) (Decision, error) {
	windowSec := int64(q.Window / time.Second)
	if windowSec <= 0 {
		windowSec = 60
	}
	now := time.Now()
	windowID := now.Unix() / windowSec
	key := fmt.Sprintf("%s%s:%d", fixedPrefix, dim.String(), windowID)

	count, err := e.cache.Increment(ctx, key, q.Window)
	if err != nil {
		return Decision{}, err
	}

	resetAt := time.Unix((windowID+1)*windowSec, 0)
	remaining := q.Capacity - count
	if remaining < 0 {
		remaining = 0
	}
	dec := Decision{
		Allowed:   count <= q.Capacity,
		Limit:     q.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !dec.Allowed {
		dec.RetryAfter = time.Until(resetAt)
	}
	return dec, nil
}
