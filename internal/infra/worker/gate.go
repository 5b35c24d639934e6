package worker

// ConcurrencyGate caps the number of jobs holding a dispatch slot. Like
// RateLimiter it is owned by the Scheduler and guarded by its mutex.
type ConcurrencyGate struct {
	active int
	max    int
}

func NewConcurrencyGate(max int) *ConcurrencyGate {
	if max <= 0 {
		max = 1
	}
	return &ConcurrencyGate{max: max}
}

func (g *ConcurrencyGate) Available() int {
	if n := g.max - g.active; n > 0 {
		return n
	}
	return 0
}

// Acquire takes a slot if one is free.
func (g *ConcurrencyGate) Acquire() bool {
	if g.active >= g.max {
		return false
	}
	g.active++
	return true
}

// Release frees a slot. Callers guarantee one Release per Acquire.
func (g *ConcurrencyGate) Release() {
	if g.active > 0 {
		g.active--
	}
}

func (g *ConcurrencyGate) Active() int { return g.active }
func (g *ConcurrencyGate) Max() int    { return g.max }

// SetMax changes the cap; slots already held are not revoked.
func (g *ConcurrencyGate) SetMax(n int) {
	if n > 0 {
		g.max = n
	}
}
