// Package circuitbreaker guards upstream targets against cascading
// failures. Each target gets its own breaker; state transitions follow
// Closed -> Open -> HalfOpen -> Closed|Open.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Begin while the breaker rejects traffic.
// Handlers map it to 503 without contacting the upstream.
var ErrOpen = errors.New("circuitbreaker: open")

// ErrTooManyProbes is returned in half-open state once the probe
// budget is spent; it maps to 503 like ErrOpen.
var ErrTooManyProbes = errors.New("circuitbreaker: too many half-open probes")

// Config tunes one breaker.
type Config struct {
	// FailureRatio trips the breaker when exceeded within a window.
	FailureRatio float64
	// MinRequests is the window volume below which the ratio is not
	// evaluated.
	MinRequests uint32
	// Cooldown is how long an open breaker waits before probing.
	Cooldown time.Duration
	// MaxHalfOpen bounds concurrent probes in half-open state.
	MaxHalfOpen uint32
	// Window is the closed-state counting interval.
	Window time.Duration
}

// DefaultConfig is used for targets without an explicit policy.
func DefaultConfig() Config {
	return Config{
		FailureRatio: 0.5,
		MinRequests:  5,
		Cooldown:     30 * time.Second,
		MaxHalfOpen:  2,
		Window:       60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = d.FailureRatio
	}
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxHalfOpen == 0 {
		c.MaxHalfOpen = d.MaxHalfOpen
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// Counts is the rolling window tally.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) failureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

// Admissions are counted in Begin; outcomes only settle the tallies.
func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single target's circuit breaker. Outcomes are attributed
// to the generation the request started in, so results from before a
// transition never pollute the new window.
type Breaker struct {
	name     string
	cfg      Config
	onChange func(name string, from, to State)

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker for name. onChange may be nil.
func New(name string, cfg Config, onChange func(name string, from, to State)) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		onChange: onChange,
	}
	b.toNewGeneration(time.Now())
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current position, folding expired cooldowns into
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns the current window tally.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Begin asks permission to attempt the upstream call. The returned
// generation must be handed back to End.
func (b *Breaker) Begin() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxHalfOpen:
		return gen, ErrTooManyProbes
	}
	b.counts.Requests++
	return gen, nil
}

// End records the outcome of a call admitted by Begin. Outcomes from a
// previous generation are dropped.
func (b *Breaker) End(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if generation != gen {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxHalfOpen {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		// Begin counted the admission; failures settle the ratio.
		if b.counts.Requests >= b.cfg.MinRequests && b.counts.failureRatio() > b.cfg.FailureRatio {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)
	if b.onChange != nil {
		b.onChange(b.name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Window)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// Manager holds one breaker per upstream target.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	def      Config
	onChange func(name string, from, to State)
	log      *slog.Logger
}

// NewManager builds a Manager with a default policy for targets
// without their own.
func NewManager(def Config, onChange func(name string, from, to State), log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		breakers: make(map[string]*Breaker),
		def:      def.withDefaults(),
		log:      log,
	}
	m.onChange = func(name string, from, to State) {
		m.log.Warn("circuit breaker transition",
			"target", name, "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return m
}

// Get returns the breaker for name, creating it with the default
// policy on first use.
func (m *Manager) Get(name string) *Breaker {
	return m.GetOrCreate(name, m.def)
}

// GetOrCreate returns the breaker for name, creating it with cfg when
// absent. An existing breaker keeps its original policy.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, m.onChange)
	m.breakers[name] = b
	return b
}

// States snapshots every breaker's position, for health reporting.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
