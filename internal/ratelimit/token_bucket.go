package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/studyhive/edge/internal/cache"
)

// casAttempts bounds the optimistic retry loop. Contention beyond this
// is treated as a cache outage and handed to the degraded-mode policy.
const casAttempts = 5

// bucketState is the encoded (tokens, last-refill) pair kept per
// dimension.
type bucketState struct {
	tokens     float64
	lastRefill int64 // unix milliseconds
}

func (s bucketState) encode() []byte {
	return []byte(strconv.FormatFloat(s.tokens, 'f', 6, 64) + "|" + strconv.FormatInt(s.lastRefill, 10))
}

func decodeBucket(raw []byte) (bucketState, error) {
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return bucketState{}, fmt.Errorf("ratelimit: bad bucket encoding %q", raw)
	}
	tokens, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return bucketState{}, err
	}
	last, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return bucketState{}, err
	}
	return bucketState{tokens: tokens, lastRefill: last}, nil
}

// allowSliding implements the token bucket with an atomic
// compare-and-set on the encoded state.
func (e *Engine) allowSliding(ctx context.Context, dim Dimension, q Quota) (Decision, error) {
	key := bucketPrefix + dim.String()
	burst := float64(q.Burst)
	// A full idle refill, twice over, keeps buckets alive across quiet
	// periods without accumulating dead keys.
	ttl := time.Duration(2*burst/q.ReplenishRate*float64(time.Second)) + time.Second

	for attempt := 0; attempt < casAttempts; attempt++ {
		var (
			old []byte
			st  bucketState
		)
		raw, err := e.cache.Get(ctx, key)
		now := time.Now()
		switch {
		case errors.Is(err, cache.ErrMiss):
			st = bucketState{tokens: burst, lastRefill: now.UnixMilli()}
		case err != nil:
			return Decision{}, err
		default:
			old = raw
			st, err = decodeBucket(raw)
			if err != nil {
				// Unreadable state: overwrite it rather than deny forever.
				st = bucketState{tokens: burst, lastRefill: now.UnixMilli()}
			} else {
				elapsed := float64(now.UnixMilli()-st.lastRefill) / 1000.0
				if elapsed > 0 {
					st.tokens = math.Min(burst, st.tokens+elapsed*q.ReplenishRate)
					st.lastRefill = now.UnixMilli()
				}
			}
		}

		allowed := st.tokens >= 1
		if allowed {
			st.tokens--
		}

		ok, err := e.cache.CompareAndSwap(ctx, key, old, st.encode(), ttl)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}

		dec := Decision{
			Allowed:   allowed,
			Limit:     q.Burst,
			Remaining: int64(st.tokens),
			ResetAt:   now.Add(refillTime(burst-st.tokens, q.ReplenishRate)),
		}
		if !allowed {
			dec.RetryAfter = refillTime(1-st.tokens, q.ReplenishRate)
		}
		return dec, nil
	}
	return Decision{}, errContention
}

func refillTime(tokens, rate float64) time.Duration {
	if tokens <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(tokens / rate * float64(time.Second))
}
