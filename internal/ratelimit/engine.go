package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
)

// ErrUnavailable is returned when the cache is unreachable and the
// engine is configured fail-closed. Handlers map it to 503.
var ErrUnavailable = errors.New("ratelimit: cache unavailable")

// errContention signals a token-bucket CAS that never won; treated the
// same as a cache outage.
var errContention = errors.New("ratelimit: counter contention")

const (
	fixedPrefix     = "ratelimit:fixed:"
	bucketPrefix    = "ratelimit:bucket:"
	violationPrefix = "ratelimit:violations:"
	blockPrefix     = "ratelimit:block:"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Dimension  Dimension
	Bypassed   bool
	Blocked    bool
	Degraded   bool
}

// table is the immutable limits snapshot the hot path reads.
type table struct {
	enabled          bool
	failOpen         bool
	defaultQuota     Quota
	routeQuotas      map[string]Quota
	versionQuotas    map[string]Quota
	tiers            map[string]Tier
	apiKeys          map[string]string
	bypassRole       string
	violationTTL     time.Duration
	defaultThreshold int64
	defaultBlock     time.Duration
}

// Engine applies quotas over the shared cache with an in-process
// fallback for degraded mode.
type Engine struct {
	cache    cache.Cache
	tab      atomic.Pointer[table]
	fallback *localFallback
	metrics  *metrics.Gateway
	log      *slog.Logger
}

// New builds an Engine from the rate-limit config section. bypassRole
// comes from the auth section; mtr may be nil in tests.
func New(c cache.Cache, cfg config.RateLimitConfig, bypassRole string, mtr *metrics.Gateway, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cache:    c,
		fallback: newLocalFallback(),
		metrics:  mtr,
		log:      log,
	}
	e.Update(cfg, bypassRole)
	return e
}

// Update swaps the limits snapshot; safe to call from a reload hook.
func (e *Engine) Update(cfg config.RateLimitConfig, bypassRole string) {
	t := &table{
		enabled:          cfg.Enabled,
		failOpen:         cfg.FailOpen,
		defaultQuota:     quotaFromSpec(cfg.Default),
		routeQuotas:      make(map[string]Quota, len(cfg.RouteQuotas)),
		versionQuotas:    make(map[string]Quota, len(cfg.VersionQuota)),
		tiers:            make(map[string]Tier, len(cfg.Tiers)),
		apiKeys:          make(map[string]string, len(cfg.APIKeys)),
		bypassRole:       bypassRole,
		violationTTL:     cfg.ViolationTTL.Std(),
		defaultThreshold: cfg.ViolationThreshold,
		defaultBlock:     cfg.BlockDuration.Std(),
	}
	for name, q := range cfg.RouteQuotas {
		t.routeQuotas[name] = quotaFromSpec(q)
	}
	for v, q := range cfg.VersionQuota {
		t.versionQuotas[v] = quotaFromSpec(q)
	}
	for name, spec := range cfg.Tiers {
		t.tiers[name] = Tier{
			Name:               name,
			Quota:              quotaFromSpec(spec.QuotaSpec),
			ViolationThreshold: spec.ViolationThreshold,
			BlockDuration:      spec.BlockDuration.Std(),
		}
	}
	for key, tier := range cfg.APIKeys {
		t.apiKeys[key] = tier
	}
	if t.violationTTL <= 0 {
		t.violationTTL = time.Hour
	}
	if t.defaultThreshold <= 0 {
		t.defaultThreshold = 10
	}
	if t.defaultBlock <= 0 {
		t.defaultBlock = 5 * time.Minute
	}
	e.tab.Store(t)
}

// Check resolves the controlling dimension for the request and applies
// its quota. routeID and routeQuota come from the matched route (empty
// when none); version is the negotiated API version, if any.
func (e *Engine) Check(ctx context.Context, r *http.Request, principal *core.Principal, routeID, routeQuota, version string) (Decision, error) {
	t := e.tab.Load()
	if !t.enabled {
		return Decision{Allowed: true}, nil
	}

	if principal != nil && t.bypassRole != "" && principal.HasRole(t.bypassRole) {
		if e.metrics != nil {
			e.metrics.RateLimitBypassed.Inc()
		}
		return Decision{Allowed: true, Bypassed: true}, nil
	}

	dim, quota, tier := t.resolve(r, principal, routeID, routeQuota, version)
	dec, err := e.allow(ctx, t, dim, quota, tier)
	if e.metrics != nil {
		switch {
		case dec.Blocked:
			e.metrics.RecordRateLimit(string(dim.Kind), "blocked")
		case dec.Allowed:
			e.metrics.RecordRateLimit(string(dim.Kind), "allowed")
		default:
			e.metrics.RecordRateLimit(string(dim.Kind), "denied")
		}
	}
	return dec, err
}

// resolve picks the controlling dimension by precedence.
func (t *table) resolve(r *http.Request, principal *core.Principal, routeID, routeQuota, version string) (Dimension, Quota, *Tier) {
	if routeQuota != "" {
		if q, ok := t.routeQuotas[routeQuota]; ok {
			if vq, ok := t.versionQuotas[version]; ok {
				q = vq
			}
			return Dimension{Kind: KindRoute, Key: sanitizeKey(routeID)}, q, nil
		}
	}
	if apiKey := r.Header.Get(core.HeaderAPIKey); apiKey != "" {
		if tierName, ok := t.apiKeys[apiKey]; ok {
			if tier, ok := t.tiers[tierName]; ok {
				return Dimension{Kind: KindAPIKey, Key: hashAPIKey(apiKey)}, tier.Quota, &tier
			}
		}
	}
	if principal != nil && principal.ID != "" {
		return Dimension{Kind: KindPrincipal, Key: sanitizeKey(principal.ID)}, t.defaultQuota, nil
	}
	return Dimension{Kind: KindIP, Key: sanitizeKey(ClientIP(r))}, t.defaultQuota, nil
}

func (e *Engine) allow(ctx context.Context, t *table, dim Dimension, quota Quota, tier *Tier) (Decision, error) {
	blocked, until, err := e.blockState(ctx, dim)
	if err != nil {
		return e.degrade(ctx, t, dim, quota, err)
	}
	if blocked {
		return Decision{
			Allowed:    false,
			Blocked:    true,
			Limit:      quota.Limit(),
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: time.Until(until),
			Dimension:  dim,
		}, nil
	}

	var dec Decision
	switch quota.Algorithm {
	case SlidingWindow:
		dec, err = e.allowSliding(ctx, dim, quota)
	default:
		dec, err = e.allowFixed(ctx, dim, quota)
	}
	if err != nil {
		return e.degrade(ctx, t, dim, quota, err)
	}
	dec.Dimension = dim

	if !dec.Allowed {
		if verr := e.recordViolation(ctx, t, dim, tier); verr != nil {
			e.log.Warn("violation tracking unavailable", "dimension", dim.String(), "error", verr)
		}
	}
	return dec, nil
}

// degrade applies the configured cache-outage policy.
func (e *Engine) degrade(ctx context.Context, t *table, dim Dimension, quota Quota, cause error) (Decision, error) {
	if e.metrics != nil {
		e.metrics.RateLimitDegraded.Inc()
	}
	if !t.failOpen {
		e.log.Error("rate limit cache unavailable, failing closed", "dimension", dim.String(), "error", cause)
		return Decision{Allowed: false, Degraded: true, Dimension: dim}, ErrUnavailable
	}
	e.log.Warn("rate limit cache unavailable, using local fallback", "dimension", dim.String(), "error", cause)
	dec := e.fallback.allow(dim, quota)
	dec.Dimension = dim
	return dec, nil
}

// blockState reports whether the dimension is under a timed block.
func (e *Engine) blockState(ctx context.Context, dim Dimension) (bool, time.Time, error) {
	raw, err := e.cache.Get(ctx, blockPrefix+dim.String())
	if errors.Is(err, cache.ErrMiss) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	unix, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		return false, time.Time{}, nil
	}
	until := time.Unix(unix, 0)
	if time.Now().After(until) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// recordViolation escalates repeated denials into a timed block.
func (e *Engine) recordViolation(ctx context.Context, t *table, dim Dimension, tier *Tier) error {
	count, err := e.cache.Increment(ctx, violationPrefix+dim.String(), t.violationTTL)
	if err != nil {
		return err
	}
	threshold, blockFor := t.defaultThreshold, t.defaultBlock
	if tier != nil {
		if tier.ViolationThreshold > 0 {
			threshold = tier.ViolationThreshold
		}
		if tier.BlockDuration > 0 {
			blockFor = tier.BlockDuration
		}
	}
	if count < threshold {
		return nil
	}
	until := time.Now().Add(blockFor)
	val := strconv.FormatInt(until.Unix(), 10)
	if err := e.cache.Set(ctx, blockPrefix+dim.String(), []byte(val), blockFor); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RateLimitBlocks.Inc()
	}
	e.log.Warn("dimension blocked after repeated violations",
		"dimension", dim.String(), "violations", count, "until", until.Format(time.RFC3339))
	return nil
}

// Reset clears the counters, violations and block flag for a dimension.
func (e *Engine) Reset(ctx context.Context, dim Dimension) error {
	if err := e.cache.Delete(ctx,
		bucketPrefix+dim.String(),
		violationPrefix+dim.String(),
		blockPrefix+dim.String(),
	); err != nil {
		return fmt.Errorf("reset %s: %w", dim.String(), err)
	}
	_, err := e.cache.DeletePattern(ctx, fixedPrefix+dim.String()+":*")
	return err
}

// SetHeaders writes the rate-limit response headers for a decision.
func SetHeaders(h http.Header, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set(core.HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(core.HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(core.HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.UnixMilli(), 10))
	if !d.Allowed {
		secs := int64(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set(core.HeaderRetryAfter, strconv.FormatInt(secs, 10))
	}
}
