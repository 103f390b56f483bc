package circuit

import (
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Settings struct {
	// WindowSize is the capacity of the per-provider outcome ring.
	WindowSize int
	// MinSamples is how many outcomes the window must hold before it can trip.
	MinSamples int
	// FailureThreshold is a percentage in (0, 100].
	FailureThreshold float64
	Cooldown         time.Duration
	// HalfOpenMaxAttempts is both the probe allowance and the number of
	// successes needed to close again.
	HalfOpenMaxAttempts int
	// SlowCallThreshold only feeds the slow-call counter; it never trips the circuit.
	SlowCallThreshold time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		WindowSize:          100,
		MinSamples:          10,
		FailureThreshold:    50,
		Cooldown:            60 * time.Second,
		HalfOpenMaxAttempts: 3,
		SlowCallThreshold:   5 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.WindowSize <= 0 {
		s.WindowSize = d.WindowSize
	}
	if s.MinSamples <= 0 {
		s.MinSamples = d.MinSamples
	}
	if s.MinSamples > s.WindowSize {
		s.MinSamples = s.WindowSize
	}
	if s.FailureThreshold <= 0 || s.FailureThreshold > 100 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = d.Cooldown
	}
	if s.HalfOpenMaxAttempts <= 0 {
		s.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	if s.SlowCallThreshold <= 0 {
		s.SlowCallThreshold = d.SlowCallThreshold
	}
	return s
}

// TransitionFunc observes state changes. It runs after the provider's lock is
// released.
type TransitionFunc func(provider string, from, to State)

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// Breaker keeps one circuit per provider, created on first reference.
type Breaker struct {
	settings     Settings
	now          func() time.Time
	onTransition TransitionFunc

	mu       sync.RWMutex
	circuits map[string]*circuit
}

func New(settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		settings: settings.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Settings() Settings {
	return b.settings
}

func (b *Breaker) get(provider string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[provider]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[provider]; ok {
		return c
	}
	c = newCircuit(b.settings.WindowSize)
	b.circuits[provider] = c
	return c
}

func (b *Breaker) notify(provider string, from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(provider, from, to)
	}
}

// IsAvailable reports whether a call may be dispatched to provider. An open
// circuit whose cooldown has elapsed moves to half-open here. In half-open a
// true result holds a probe slot until RecordSuccess, RecordFailure or
// Release, so at most HalfOpenMaxAttempts probes are ever admitted.
func (b *Breaker) IsAvailable(provider string) bool {
	c := b.get(provider)

	c.mu.Lock()
	from := c.state
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.settings.Cooldown {
		c.state = StateHalfOpen
		c.halfOpenAttempts = 0
		c.inFlight = 0
	}
	to := c.state
	available := c.state == StateClosed
	if c.state == StateHalfOpen && c.halfOpenAttempts+c.inFlight < b.settings.HalfOpenMaxAttempts {
		c.inFlight++
		available = true
	}
	c.mu.Unlock()

	b.notify(provider, from, to)
	return available
}

// Release returns a probe slot taken by IsAvailable for a call that was never
// dispatched or whose outcome should not count, such as a caller cancellation.
func (b *Breaker) Release(provider string) {
	c := b.get(provider)
	c.mu.Lock()
	if c.state == StateHalfOpen && c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

func (b *Breaker) RecordSuccess(provider string, latency time.Duration) {
	b.record(provider, true, latency)
}

func (b *Breaker) RecordFailure(provider string, latency time.Duration) {
	b.record(provider, false, latency)
}

func (b *Breaker) record(provider string, success bool, latency time.Duration) {
	c := b.get(provider)
	now := b.now()

	c.mu.Lock()
	from := c.state
	switch c.state {
	case StateHalfOpen:
		if c.inFlight > 0 {
			c.inFlight--
		}
		if !success {
			c.trip(now)
			break
		}
		c.halfOpenAttempts++
		if c.halfOpenAttempts >= b.settings.HalfOpenMaxAttempts {
			c.close()
		}
	case StateClosed:
		c.push(sample{success: success, slow: latency > b.settings.SlowCallThreshold})
		if c.size >= b.settings.MinSamples &&
			float64(c.failures)*100 >= b.settings.FailureThreshold*float64(c.size) {
			c.trip(now)
		}
	case StateOpen:
		// Late result of a call dispatched before the circuit opened.
	}
	to := c.state
	c.mu.Unlock()

	b.notify(provider, from, to)
}

func (b *Breaker) State(provider string) State {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset drops all state for provider; the next reference starts closed.
func (b *Breaker) Reset(provider string) {
	b.mu.Lock()
	c, ok := b.circuits[provider]
	delete(b.circuits, provider)
	b.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	from := c.state
	c.mu.Unlock()
	b.notify(provider, from, StateClosed)
}

type Snapshot struct {
	Provider         string     `json:"provider"`
	State            State      `json:"state"`
	Total            int        `json:"total"`
	Failures         int        `json:"failures"`
	SlowCalls        int        `json:"slow_calls"`
	FailureRate      float64    `json:"failure_rate"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	HalfOpenAttempts int        `json:"half_open_attempts"`
	InFlightProbes   int        `json:"in_flight_probes"`
}

func (b *Breaker) Snapshot(provider string) Snapshot {
	c := b.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(provider)
}

// Snapshots returns every known circuit sorted by provider name.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.RLock()
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, b.Snapshot(name))
	}
	return out
}
