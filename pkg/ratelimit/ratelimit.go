// Package ratelimit implements multi-layer fixed-window admission control.
//
// Each (layer, identifier) pair owns one window. Because windows are fixed, a
// client can land up to 2x MaxRequests in a span that straddles a window
// boundary; configured limits account for that.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Layer string

const (
	LayerUser     Layer = "user"
	LayerIP       Layer = "ip"
	LayerAPIKey   Layer = "api_key"
	LayerWorkflow Layer = "workflow"
	LayerProvider Layer = "provider"
	LayerGlobal   Layer = "global"
)

var Layers = []Layer{LayerUser, LayerIP, LayerAPIKey, LayerWorkflow, LayerProvider, LayerGlobal}

// GlobalID is the identifier used for LayerGlobal.
const GlobalID = "*"

// maxBackoffShift caps the retry-after multiplier for repeat offenders at 16.
const maxBackoffShift = 4

type Rule struct {
	Window      time.Duration
	MaxRequests int
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.MaxRequests, r.Window)
}

// ParseRule parses "100/60s" style limits.
func ParseRule(s string) (Rule, error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rule{}, fmt.Errorf("invalid rate limit %q: expected <count>/<window>", s)
	}
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return Rule{}, fmt.Errorf("invalid rate limit count in %q", s)
	}
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return Rule{}, fmt.Errorf("invalid rate limit window in %q", s)
	}
	return Rule{Window: d, MaxRequests: n}, nil
}

func DefaultRules() map[Layer]Rule {
	return map[Layer]Rule{
		LayerUser:     {Window: time.Minute, MaxRequests: 100},
		LayerIP:       {Window: time.Minute, MaxRequests: 300},
		LayerAPIKey:   {Window: time.Minute, MaxRequests: 1000},
		LayerWorkflow: {Window: 5 * time.Minute, MaxRequests: 20},
		LayerProvider: {Window: time.Minute, MaxRequests: 600},
		LayerGlobal:   {Window: time.Minute, MaxRequests: 5000},
	}
}

type Key struct {
	Layer      Layer
	Identifier string
}

func (k Key) String() string {
	return fmt.Sprintf("ratelimit:%s:%s", k.Layer, k.Identifier)
}

type Decision struct {
	Allowed    bool          `json:"allowed"`
	Layer      Layer         `json:"layer"`
	Identifier string        `json:"identifier"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

type window struct {
	mu         sync.Mutex
	count      int
	start      time.Time
	violations int
	dead       bool

	// set once the current window has denied a request
	denied bool
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter is safe for concurrent use. Contention is per key: each window has
// its own mutex and check-and-increment happens under it.
type Limiter struct {
	rules   map[Layer]Rule
	now     func() time.Time
	windows sync.Map // Key -> *window
}

// NewLimiter builds a limiter. Layers missing from rules are unlimited.
func NewLimiter(rules map[Layer]Rule, opts ...Option) *Limiter {
	copied := make(map[Layer]Rule, len(rules))
	for layer, r := range rules {
		copied[layer] = r
	}
	l := &Limiter{rules: copied, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Rule(layer Layer) (Rule, bool) {
	r, ok := l.rules[layer]
	return r, ok
}

// Check admits or denies one request for key.
func (l *Limiter) Check(layer Layer, identifier string) Decision {
	rule, ok := l.rules[layer]
	if !ok || rule.MaxRequests <= 0 {
		return Decision{Allowed: true, Layer: layer, Identifier: identifier, Remaining: -1}
	}
	key := Key{Layer: layer, Identifier: identifier}

	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			// Swept between load and lock; retry on a fresh entry.
			w.mu.Unlock()
			continue
		}
		d := l.admit(w, rule, l.now())
		w.mu.Unlock()

		d.Layer = layer
		d.Identifier = identifier
		return d
	}
}

func (l *Limiter) admit(w *window, rule Rule, now time.Time) Decision {
	if w.start.IsZero() || now.Sub(w.start) >= rule.Window {
		// Backoff survives a rollover out of a window that denied, and is
		// forgiven after one full window without denials.
		if !w.denied || now.Sub(w.start) >= 2*rule.Window {
			w.violations = 0
		}
		w.denied = false
		w.start = now
		w.count = 1
		return Decision{
			Allowed:   true,
			Limit:     rule.MaxRequests,
			Remaining: rule.MaxRequests - 1,
			ResetAt:   now.Add(rule.Window),
		}
	}

	resetAt := w.start.Add(rule.Window)
	if w.count < rule.MaxRequests {
		w.count++
		return Decision{
			Allowed:   true,
			Limit:     rule.MaxRequests,
			Remaining: rule.MaxRequests - w.count,
			ResetAt:   resetAt,
		}
	}

	w.violations++
	w.denied = true
	factor := 1 << min(w.violations-1, maxBackoffShift)
	return Decision{
		Allowed:    false,
		Limit:      rule.MaxRequests,
		Remaining:  0,
		RetryAfter: rule.Window * time.Duration(factor),
		ResetAt:    resetAt,
	}
}

// CheckAll checks keys in order and returns the first denial, or the last
// allowed decision. Keys with an empty identifier are skipped.
func (l *Limiter) CheckAll(keys ...Key) Decision {
	last := Decision{Allowed: true, Remaining: -1}
	for _, k := range keys {
		if k.Identifier == "" {
			continue
		}
		d := l.Check(k.Layer, k.Identifier)
		if !d.Allowed {
			return d
		}
		last = d
	}
	return last
}

// Sweep removes windows whose window has fully elapsed and returns how many
// were removed. A window that denied is kept until its backoff would be
// forgiven.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.windows.Range(func(k, v any) bool {
		key := k.(Key)
		w := v.(*window)
		rule, ok := l.rules[key.Layer]

		w.mu.Lock()
		age := now.Sub(w.start)
		if !ok || (age >= rule.Window && (!w.denied || age >= 2*rule.Window)) {
			w.dead = true
			l.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len reports how many windows are live.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}
