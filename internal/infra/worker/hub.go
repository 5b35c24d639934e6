package worker

import (
	"sync"

	"ai-batch-processor/internal/domain/model"
)

// Update is what a subscriber receives from Next: the latest snapshot of
// every job that changed since the previous call plus the session state.
type Update struct {
	Jobs    []model.JobSnapshot
	Session model.SessionState
	// Cleared is set when the session was cleared since the last update.
	Cleared bool
}

// Subscription coalesces updates per job so a slow reader never blocks the
// scheduler: only the newest snapshot of each job is kept until drained.
type Subscription struct {
	mu      sync.Mutex
	pending map[string]model.JobSnapshot
	order   []string
	session model.SessionState
	dirty   bool
	cleared bool
	closed  bool
	ready   chan struct{}
	hub     *hub
}

// Ready is signalled whenever Next has something to return.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Next drains everything pending. ok is false when nothing changed.
func (s *Subscription) Next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return Update{}, false
	}
	u := Update{Session: s.session, Cleared: s.cleared}
	if len(s.order) > 0 {
		u.Jobs = make([]model.JobSnapshot, 0, len(s.order))
		for _, id := range s.order {
			u.Jobs = append(u.Jobs, s.pending[id])
		}
	}
	s.pending = make(map[string]model.JobSnapshot)
	s.order = s.order[:0]
	s.cleared = false
	s.dirty = false
	return u, true
}

// Close detaches the subscription from the scheduler.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Subscription) notify() {
	s.dirty = true
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription) pushJob(js model.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pending[js.ID]; !ok {
		s.order = append(s.order, js.ID)
	}
	s.pending[js.ID] = js
	s.notify()
}

func (s *Subscription) pushSession(st model.SessionState, cleared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if cleared {
		s.pending = make(map[string]model.JobSnapshot)
		s.order = s.order[:0]
		s.cleared = true
	}
	s.session = st
	s.notify()
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub { return &hub{subs: make(map[*Subscription]struct{})} }

func (h *hub) subscribe(initial model.SessionState, jobs []model.JobSnapshot) *Subscription {
	s := &Subscription{
		pending: make(map[string]model.JobSnapshot, len(jobs)),
		ready:   make(chan struct{}, 1),
		hub:     h,
	}
	for _, js := range jobs {
		s.pushJob(js)
	}
	s.pushSession(initial, false)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) job(js model.JobSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.pushJob(js)
	}
}

func (h *hub) session(st model.SessionState, cleared bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.pushSession(st, cleared)
	}
}
