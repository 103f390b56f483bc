package circuit

import (
	"sync"
	"time"
)

type sample struct {
	success bool
	slow    bool
}

type circuit struct {
	mu    sync.Mutex
	state State

	ring     []sample
	head     int
	size     int
	failures int
	slow     int

	openedAt         time.Time
	halfOpenAttempts int

	// probes admitted in half-open whose outcome is not yet recorded
	inFlight int
}

func newCircuit(capacity int) *circuit {
	return &circuit{
		state: StateClosed,
		ring:  make([]sample, capacity),
	}
}

// push appends to the ring, evicting the oldest sample when full.
func (c *circuit) push(s sample) {
	if c.size == len(c.ring) {
		old := c.ring[c.head]
		if !old.success {
			c.failures--
		}
		if old.slow {
			c.slow--
		}
	} else {
		c.size++
	}
	c.ring[c.head] = s
	c.head = (c.head + 1) % len(c.ring)
	if !s.success {
		c.failures++
	}
	if s.slow {
		c.slow++
	}
}

func (c *circuit) trip(now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.halfOpenAttempts = 0
	c.inFlight = 0
}

func (c *circuit) close() {
	c.state = StateClosed
	c.head = 0
	c.size = 0
	c.failures = 0
	c.slow = 0
	c.halfOpenAttempts = 0
	c.inFlight = 0
	c.openedAt = time.Time{}
}

func (c *circuit) snapshot(provider string) Snapshot {
	s := Snapshot{
		Provider:         provider,
		State:            c.state,
		Total:            c.size,
		Failures:         c.failures,
		SlowCalls:        c.slow,
		HalfOpenAttempts: c.halfOpenAttempts,
		InFlightProbes:   c.inFlight,
	}
	if c.size > 0 {
		s.FailureRate = float64(c.failures) / float64(c.size)
	}
	if !c.openedAt.IsZero() {
		at := c.openedAt
		s.OpenedAt = &at
	}
	return s
}
