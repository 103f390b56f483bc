package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Minute, MaxRequests: 3}}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		d := l.Check(LayerUser, "u1")
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Check(LayerUser, "u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.Equal(t, LayerUser, d.Layer)
	assert.Equal(t, "u1", d.Identifier)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)
}

func TestLimiter_BackoffGrowsAndCaps(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Second, MaxRequests: 1}}, WithClock(clock.Now))

	require.True(t, l.Check(LayerUser, "u1").Allowed)

	want := []time.Duration{1, 2, 4, 8, 16, 16, 16}
	for i, factor := range want {
		d := l.Check(LayerUser, "u1")
		require.False(t, d.Allowed)
		assert.Equal(t, factor*time.Second, d.RetryAfter, "violation %d", i+1)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerIP: {Window: time.Minute, MaxRequests: 2}}, WithClock(clock.Now))

	l.Check(LayerIP, "10.0.0.1")
	l.Check(LayerIP, "10.0.0.1")
	require.False(t, l.Check(LayerIP, "10.0.0.1").Allowed)

	clock.Advance(time.Minute)
	d := l.Check(LayerIP, "10.0.0.1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_BackoffForgivenAfterCleanWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Minute, MaxRequests: 1}}, WithClock(clock.Now))

	require.True(t, l.Check(LayerUser, "u1").Allowed)
	require.Equal(t, time.Minute, l.Check(LayerUser, "u1").RetryAfter)
	require.Equal(t, 2*time.Minute, l.Check(LayerUser, "u1").RetryAfter)

	// The window that denied rolls over but the offender keeps its backoff.
	clock.Advance(time.Minute)
	require.True(t, l.Check(LayerUser, "u1").Allowed)
	assert.Equal(t, 4*time.Minute, l.Check(LayerUser, "u1").RetryAfter)

	// A full window with no denials clears it.
	clock.Advance(time.Minute)
	require.True(t, l.Check(LayerUser, "u1").Allowed)
	clock.Advance(time.Minute)
	require.True(t, l.Check(LayerUser, "u1").Allowed)
	assert.Equal(t, time.Minute, l.Check(LayerUser, "u1").RetryAfter)
}

func TestLimiter_BackoffForgivenAfterIdleGap(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Minute, MaxRequests: 1}}, WithClock(clock.Now))

	l.Check(LayerUser, "u1")
	for i := 0; i < 4; i++ {
		l.Check(LayerUser, "u1")
	}

	clock.Advance(3 * time.Minute)
	require.True(t, l.Check(LayerUser, "u1").Allowed)
	d := l.Check(LayerUser, "u1")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestLimiter_BoundaryBurst(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Minute, MaxRequests: 5}}, WithClock(clock.Now))

	l.Check(LayerUser, "u1")
	clock.Advance(59 * time.Second)
	admitted := 0
	for i := 0; i < 4; i++ {
		if l.Check(LayerUser, "u1").Allowed {
			admitted++
		}
	}
	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		if l.Check(LayerUser, "u1").Allowed {
			admitted++
		}
	}
	// 9 requests inside two seconds straddling the boundary.
	assert.Equal(t, 9, admitted)
}

func TestLimiter_UnknownLayerIsUnlimited(t *testing.T) {
	l := NewLimiter(map[Layer]Rule{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Check(LayerGlobal, GlobalID).Allowed)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_CheckAllStopsAtFirstDenial(t *testing.T) {
	l := NewLimiter(map[Layer]Rule{
		LayerUser:   {Window: time.Minute, MaxRequests: 1},
		LayerGlobal: {Window: time.Minute, MaxRequests: 10},
	})

	keys := []Key{
		{Layer: LayerUser, Identifier: "u1"},
		{Layer: LayerAPIKey, Identifier: ""},
		{Layer: LayerGlobal, Identifier: GlobalID},
	}
	require.True(t, l.CheckAll(keys...).Allowed)

	d := l.CheckAll(keys...)
	assert.False(t, d.Allowed)
	assert.Equal(t, LayerUser, d.Layer)

	// The global window only saw the first pass.
	g := l.Check(LayerGlobal, GlobalID)
	assert.Equal(t, 8, g.Remaining)
}

func TestLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{
		LayerUser:     {Window: time.Minute, MaxRequests: 10},
		LayerWorkflow: {Window: 5 * time.Minute, MaxRequests: 10},
	}, WithClock(clock.Now))

	l.Check(LayerUser, "u1")
	l.Check(LayerUser, "u2")
	l.Check(LayerWorkflow, "summarize")
	require.Equal(t, 3, l.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Sweep(clock.Now()))
	assert.Equal(t, 1, l.Len())

	d := l.Check(LayerUser, "u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestLimiter_SweepKeepsPendingBackoff(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Layer]Rule{LayerUser: {Window: time.Minute, MaxRequests: 1}}, WithClock(clock.Now))

	l.Check(LayerUser, "u1")
	l.Check(LayerUser, "u1")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, l.Sweep(clock.Now()))
	require.True(t, l.Check(LayerUser, "u1").Allowed)
	assert.Equal(t, 2*time.Minute, l.Check(LayerUser, "u1").RetryAfter)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, l.Sweep(clock.Now()))
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_ConcurrentChecksNeverOveradmit(t *testing.T) {
	l := NewLimiter(map[Layer]Rule{LayerGlobal: {Window: time.Hour, MaxRequests: 50}})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Check(LayerGlobal, GlobalID).Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), admitted.Load())
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l := NewLimiter(DefaultRules())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("100/60s")
	require.NoError(t, err)
	assert.Equal(t, Rule{Window: time.Minute, MaxRequests: 100}, r)

	r, err = ParseRule(" 20/5m ")
	require.NoError(t, err)
	assert.Equal(t, Rule{Window: 5 * time.Minute, MaxRequests: 20}, r)

	for _, bad := range []string{"", "100", "x/60s", "0/60s", "10/abc", "10/-1s"} {
		_, err := ParseRule(bad)
		assert.Error(t, err, bad)
	}
}

type mockLimiterStore struct {
	allowed bool
	err     error
	lastKey string
	lastN   int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey = key
	m.lastN = n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestTokenBudget_Charge(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	b := NewTestBudget(store)

	d, err := b.Charge(context.Background(), "u1", 250)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ratelimit:tokens:user:u1", store.lastKey)
	assert.Equal(t, 250, store.lastN)

	store.allowed = false
	d, err = b.Charge(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.Equal(t, 1, store.lastN)
}

func TestTokenBudget_StoreError(t *testing.T) {
	b := NewTestBudget(&mockLimiterStore{err: errors.New("redis down")})
	_, err := b.Charge(context.Background(), "u1", 10)
	assert.Error(t, err)
}
