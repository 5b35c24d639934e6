package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-batch-processor/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	key := Key("OpenAI", "gpt-4o-mini")
	rl := NewRateLimiter(map[string]Limits{key: {Limit: 3, Window: time.Minute}}, Limits{}, clk.Now)

	assert.Equal(t, "openai/gpt-4o-mini", key)
	assert.Equal(t, 3, rl.Available(key))

	rl.RecordDispatch(key)
	clk.Advance(10 * time.Second)
	rl.RecordDispatch(key)
	rl.RecordDispatch(key)
	assert.False(t, rl.CanDispatch(key))
	assert.Equal(t, 50*time.Second, rl.NextAvailableIn(key))

	clk.Advance(50 * time.Second)
	assert.Equal(t, 1, rl.Available(key), "oldest stamp left the window")
	assert.Equal(t, 2, rl.InWindow(key))

	clk.Advance(10 * time.Second)
	assert.Equal(t, 3, rl.Available(key))
	assert.Zero(t, rl.NextAvailableIn(key))
}

func TestRateLimiter_UnknownKeyUsesDefault(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	rl := NewRateLimiter(nil, Limits{}, clk.Now)
	assert.Equal(t, -1, rl.Available("gemini/gemini-2.0-flash"))
	for i := 0; i < 100; i++ {
		rl.RecordDispatch("gemini/gemini-2.0-flash")
	}
	assert.True(t, rl.CanDispatch("gemini/gemini-2.0-flash"))

	rl.SetLimits(nil, Limits{Limit: 1, Window: time.Second})
	rl.RecordDispatch("gemini/gemini-2.0-flash")
	assert.False(t, rl.CanDispatch("gemini/gemini-2.0-flash"))
	assert.True(t, rl.CanDispatch("openai/gpt-4o"))
}

func TestRateLimiter_SetLimitsKeepsStamps(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	rl := NewRateLimiter(nil, Limits{Limit: 2, Window: time.Minute}, clk.Now)
	rl.RecordDispatch("k")
	rl.RecordDispatch("k")
	rl.SetLimits(nil, Limits{Limit: 3, Window: time.Minute})
	assert.Equal(t, 1, rl.Available("k"))
}

func TestConcurrencyGate(t *testing.T) {
	g := NewConcurrencyGate(2)
	require.True(t, g.Acquire())
	require.True(t, g.Acquire())
	assert.False(t, g.Acquire())
	assert.Equal(t, 0, g.Available())

	g.Release()
	assert.Equal(t, 1, g.Available())
	g.Release()
	g.Release()
	assert.Equal(t, 0, g.Active(), "release never goes negative")

	g.SetMax(5)
	assert.Equal(t, 5, g.Max())
	g.SetMax(0)
	assert.Equal(t, 5, g.Max())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(40))

	assert.Zero(t, RetryPolicy{}.Backoff(3))
	assert.Equal(t, 32*time.Second, RetryPolicy{Base: time.Second}.Backoff(5), "no cap")
	assert.Equal(t, time.Millisecond, RetryPolicy{Base: time.Second, Max: time.Millisecond}.Backoff(0))
}

func TestRetryPolicy_Decisions(t *testing.T) {
	p := DefaultRetryPolicy()
	netErr := domain.NewJobError(domain.ErrNetworkOrProvider, nil)

	assert.True(t, p.RetryAfterError(netErr, 0))
	assert.True(t, p.RetryAfterError(domain.NewJobError(domain.ErrEmptyStream, nil), 2))
	assert.False(t, p.RetryAfterError(netErr, 3))
	assert.False(t, p.RetryAfterError(domain.Configurationf("unknown model"), 0))
	assert.False(t, p.RetryAfterError(domain.ErrCancelled, 0))

	assert.True(t, p.RetryAfterLowConfidence(2))
	assert.False(t, p.RetryAfterLowConfidence(3))

	assert.Zero(t, p.ConfidenceDelay(1))
	p.ConfidenceBackoff = true
	assert.Equal(t, 2*time.Second, p.ConfidenceDelay(1))
}
