package worker

import (
	"strings"
	"time"
)

// Limits bounds dispatch starts per key: at most Limit in any trailing Window.
type Limits struct {
	Limit  int
	Window time.Duration
}

func (l Limits) enabled() bool { return l.Limit > 0 && l.Window > 0 }

// Key builds the limiter key for a provider/model pair.
func Key(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.TrimSpace(model)
}

// RateLimiter is a sliding-window admission control keyed by provider/model.
// It allows an initial burst of Limit dispatches and then one new dispatch
// each time the oldest recorded start leaves the window.
//
// RateLimiter is not safe for concurrent use; the Scheduler owns it under
// its mutex.
type RateLimiter struct {
	clk    func() time.Time
	def    Limits
	limits map[string]Limits
	stamps map[string][]time.Time
}

// NewRateLimiter builds a limiter with per-key limits and a default for
// unknown keys. A zero default disables limiting for unknown keys. clk may
// be nil.
func NewRateLimiter(limits map[string]Limits, def Limits, clk func() time.Time) *RateLimiter {
	if clk == nil {
		clk = time.Now
	}
	r := &RateLimiter{clk: clk, stamps: make(map[string][]time.Time)}
	r.SetLimits(limits, def)
	return r
}

// SetLimits replaces the limit table. Recorded timestamps are kept, so a
// reload never grants a fresh burst.
func (r *RateLimiter) SetLimits(limits map[string]Limits, def Limits) {
	m := make(map[string]Limits, len(limits))
	for k, v := range limits {
		m[k] = v
	}
	r.limits = m
	r.def = def
}

func (r *RateLimiter) limitsFor(key string) Limits {
	if l, ok := r.limits[key]; ok {
		return l
	}
	return r.def
}

// purge drops timestamps that have left the window.
func (r *RateLimiter) purge(key string, now time.Time) []time.Time {
	ts := r.stamps[key]
	lim := r.limitsFor(key)
	if !lim.enabled() {
		delete(r.stamps, key)
		return nil
	}
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) >= lim.Window {
		cut++
	}
	if cut > 0 {
		ts = append(ts[:0:0], ts[cut:]...)
		if len(ts) == 0 {
			delete(r.stamps, key)
		} else {
			r.stamps[key] = ts
		}
	}
	return ts
}

// Available returns how many dispatches key may start right now. Keys
// without a limit report -1.
func (r *RateLimiter) Available(key string) int {
	lim := r.limitsFor(key)
	if !lim.enabled() {
		return -1
	}
	n := lim.Limit - len(r.purge(key, r.clk()))
	if n < 0 {
		n = 0
	}
	return n
}

func (r *RateLimiter) CanDispatch(key string) bool {
	return r.Available(key) != 0
}

// RecordDispatch stamps a dispatch start for key at the current time.
func (r *RateLimiter) RecordDispatch(key string) time.Time {
	now := r.clk()
	if r.limitsFor(key).enabled() {
		r.stamps[key] = append(r.purge(key, now), now)
	}
	return now
}

// NextAvailableIn returns how long until key can dispatch again; zero when
// it already can.
func (r *RateLimiter) NextAvailableIn(key string) time.Duration {
	lim := r.limitsFor(key)
	if !lim.enabled() {
		return 0
	}
	now := r.clk()
	ts := r.purge(key, now)
	if len(ts) < lim.Limit {
		return 0
	}
	// the slot frees when the entry that keeps the count at Limit expires
	oldest := ts[len(ts)-lim.Limit]
	d := oldest.Add(lim.Window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// InWindow reports how many dispatch starts for key are inside the window.
func (r *RateLimiter) InWindow(key string) int {
	return len(r.purge(key, r.clk()))
}
