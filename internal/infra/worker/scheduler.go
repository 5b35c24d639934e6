// File: internal/infra/worker/scheduler.go
package worker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/domain/ports/repository"
	"ai-batch-processor/internal/infra/metrics"
	memstore "ai-batch-processor/internal/infra/store"
)

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent int
	MinPoll       time.Duration
	MaxPoll       time.Duration
	Retry         RetryPolicy
	FlushInterval time.Duration
	FlushBytes    int
	Limits        map[string]Limits
	DefaultLimits Limits
	// Tokens estimates usage for providers that do not report it.
	Tokens TokenCounter
	Clock  func() time.Time
}

func (o *Options) normalize() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.MinPoll <= 0 {
		o.MinPoll = 250 * time.Millisecond
	}
	if o.MaxPoll <= 0 {
		o.MaxPoll = time.Second
	}
	if o.MaxPoll < o.MinPoll {
		o.MaxPoll = o.MinPoll
	}
	if o.Retry.MaxAttempts == 0 && o.Retry.MaxLowConfidence == 0 && o.Retry.Base == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Retry.Placement == "" {
		o.Retry.Placement = PlaceBack
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Scheduler owns the job table, the dispatch queue, the rate limiter and the
// concurrency gate of one session. A single loop goroutine moves jobs from
// Queued to Dispatched; each dispatched attempt runs on its own goroutine.
type Scheduler struct {
	client    adapter.StreamingAIClient
	store     repository.ResponseStore
	evaluator *ConfidenceEvaluator
	opts      Options
	log       *zerolog.Logger
	pool      *Pool
	hub       *hub

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	limiter  *RateLimiter
	gate     *ConcurrencyGate
	table    *jobTable
	session  model.SessionState
	running  bool
	paused   bool
	closed   bool
	inflight int
	seq      uint64
	loopDone chan struct{}
	wake     chan struct{}
}

func NewScheduler(
	client adapter.StreamingAIClient,
	store repository.ResponseStore,
	evaluator *ConfidenceEvaluator,
	opts Options,
	logger *zerolog.Logger,
) *Scheduler {
	opts.normalize()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if store == nil {
		store = memstore.NewMemory(0, opts.Clock)
	}
	l := logger.With().Str("component", "Scheduler").Logger()
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		client:    client,
		store:     store,
		evaluator: evaluator,
		opts:      opts,
		log:       &l,
		pool:      NewPool(&l),
		hub:       newHub(),
		baseCtx:   ctx,
		stop:      stop,
		limiter:   NewRateLimiter(opts.Limits, opts.DefaultLimits, opts.Clock),
		gate:      NewConcurrencyGate(opts.MaxConcurrent),
		table:     newJobTable(),
		wake:      make(chan struct{}, 1),
	}
	return s
}

// ---------- inbound operations ----------

// Submit validates specs and enqueues one job per spec. Only validation
// errors are returned; everything that happens after enqueueing is recorded
// on the jobs themselves.
func (s *Scheduler) Submit(specs []JobSpec) (model.SessionHandle, error) {
	if len(specs) == 0 {
		return model.SessionHandle{}, domain.Validationf("no documents submitted")
	}
	seen := make(map[string]struct{}, len(specs))
	for i, sp := range specs {
		if sp.Source == nil {
			return model.SessionHandle{}, domain.Validationf("document %d: missing content", i+1)
		}
		if strings.TrimSpace(sp.Instruction) == "" {
			return model.SessionHandle{}, domain.Validationf("%s: instruction is empty", sp.Source.Name())
		}
		if strings.TrimSpace(sp.Model) == "" {
			return model.SessionHandle{}, domain.Validationf("%s: model is empty", sp.Source.Name())
		}
		id := sp.Source.ID()
		if _, dup := seen[id]; dup {
			return model.SessionHandle{}, domain.Validationf("%s: submitted twice", sp.Source.Name())
		}
		seen[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.SessionHandle{}, domain.ErrSessionClosed
	}
	for _, sp := range specs {
		if j := s.table.get(sp.Source.ID()); j != nil && !j.status.Terminal() {
			return model.SessionHandle{}, domain.Validationf("%s: already being processed", sp.Source.Name())
		}
	}

	now := s.opts.Clock()
	if s.session.ID == "" {
		s.session = model.SessionState{ID: ulid.Make().String(), CreatedAt: now}
	}
	// single-job mode holds only while the whole session has one job
	total := len(s.table.order)
	for _, sp := range specs {
		if s.table.get(sp.Source.ID()) == nil {
			total++
		}
	}
	live := total == 1
	if !live {
		for _, j := range s.table.all() {
			j.live = false
		}
	}
	handle := model.SessionHandle{SessionID: s.session.ID, JobIDs: make([]string, 0, len(specs))}
	for _, sp := range specs {
		j := &job{
			id:          sp.Source.ID(),
			sessionID:   s.session.ID,
			source:      sp.Source,
			instruction: sp.Instruction,
			model:       sp.Model,
			provider:    sp.Provider,
			creds:       sp.Credentials,
			live:        live,
			status:      model.JobStatusQueued,
			queuedAt:    now,
		}
		s.table.add(j)
		s.table.enqueue(j.id, PlaceBack)
		handle.JobIDs = append(handle.JobIDs, j.id)
		s.publishJobLocked(j)
	}
	metrics.AddJobsSubmitted(len(specs))
	s.log.Info().Str("session_id", s.session.ID).Int("jobs", len(specs)).Bool("live", live).Msg("jobs submitted")

	s.ensureRunningLocked()
	s.publishSessionLocked()
	return handle, nil
}

// RetryJob re-queues a failed or aborted job with a fresh attempt budget and
// no backoff.
func (s *Scheduler) RetryJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	j := s.table.get(id)
	if j == nil {
		return domain.ErrNotFound
	}
	if err := s.manualRetryLocked(j); err != nil {
		return err
	}
	s.ensureRunningLocked()
	s.publishSessionLocked()
	return nil
}

// RetryAllFailed re-queues every Failed job and returns how many were revived.
func (s *Scheduler) RetryAllFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := 0
	for _, j := range s.table.all() {
		if j.status != model.JobStatusFailed {
			continue
		}
		if s.manualRetryLocked(j) == nil {
			n++
		}
	}
	if n > 0 {
		s.ensureRunningLocked()
		s.publishSessionLocked()
	}
	return n
}

func (s *Scheduler) manualRetryLocked(j *job) error {
	if j.status != model.JobStatusFailed && j.status != model.JobStatusAborted {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidArgument, j.id, j.status)
	}
	j.attempts = 0
	j.lastErr = nil
	j.completedAt = time.Time{}
	metrics.IncJobRetry(string(model.RetryReasonManual))
	s.requeueLocked(j, model.RetryReasonManual, PlaceBack)
	return nil
}

// AbortJob cancels one job. Aborting a terminal job is a no-op.
func (s *Scheduler) AbortJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.table.get(id)
	if j == nil {
		return domain.ErrNotFound
	}
	if s.abortLocked(j) {
		s.publishSessionLocked()
	}
	return nil
}

// AbortAll cancels every non-terminal job of the session.
func (s *Scheduler) AbortAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.table.all() {
		if s.abortLocked(j) {
			n++
		}
	}
	if n > 0 {
		s.publishSessionLocked()
	}
	return n
}

// AbortSelected cancels the listed jobs; unknown ids are skipped.
func (s *Scheduler) AbortSelected(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if j := s.table.get(id); j != nil && s.abortLocked(j) {
			n++
		}
	}
	if n > 0 {
		s.publishSessionLocked()
	}
	return n
}

// abortLocked reports whether j was affected. In-flight jobs are only
// signalled; their executor records the Aborted outcome.
func (s *Scheduler) abortLocked(j *job) bool {
	switch j.status {
	case model.JobStatusQueued:
		s.table.unqueue(j.id)
		s.finishAbortLocked(j)
		return true
	case model.JobStatusRetryScheduled:
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
		s.finishAbortLocked(j)
		return true
	case model.JobStatusDispatched:
		if j.cancel != nil {
			j.cancel()
		}
		return true
	default:
		return false
	}
}

func (s *Scheduler) finishAbortLocked(j *job) {
	j.status = model.JobStatusAborted
	j.retryReason = model.RetryReasonNone
	j.completedAt = s.opts.Clock()
	metrics.IncJobFinished(string(model.JobStatusAborted), "cancelled")
	s.publishJobLocked(j)
	s.signal()
}

// ClearAll cancels everything and forgets the session.
func (s *Scheduler) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	for _, j := range s.table.all() {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
		if j.cancel != nil {
			j.cancel()
		}
	}
	cleared := s.session.ID
	s.table = newJobTable()
	s.session = model.SessionState{}
	s.paused = false
	s.publishSessionClearedLocked()
	s.signal()
	s.mu.Unlock()

	if cleared != "" {
		s.log.Info().Str("session_id", cleared).Msg("session cleared")
	}
	if s.store != nil {
		if err := s.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear response store: %w", err)
		}
	}
	return nil
}

// Pause stops new dispatches; in-flight jobs continue.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.publishSessionLocked()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.publishSessionLocked()
	s.signal()
}

// SetLimits swaps the rate-limit table, e.g. after a config reload.
func (s *Scheduler) SetLimits(limits map[string]Limits, def Limits, maxConcurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter.SetLimits(limits, def)
	s.gate.SetMax(maxConcurrent)
	s.signal()
}

// ---------- outbound views ----------

// Snapshot returns the session state and every job in submission order.
func (s *Scheduler) Snapshot() (model.SessionState, []model.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]model.JobSnapshot, 0, len(s.table.order))
	for _, j := range s.table.all() {
		jobs = append(jobs, j.snapshot())
	}
	return s.sessionStateLocked(), jobs
}

func (s *Scheduler) Job(id string) (model.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.table.get(id)
	if j == nil {
		return model.JobSnapshot{}, domain.ErrNotFound
	}
	return j.snapshot(), nil
}

// Subscribe returns a subscription primed with the current state.
func (s *Scheduler) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]model.JobSnapshot, 0, len(s.table.order))
	for _, j := range s.table.all() {
		jobs = append(jobs, j.snapshot())
	}
	return s.hub.subscribe(s.sessionStateLocked(), jobs)
}

// ActiveCount is the number of attempts holding a concurrency slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.Active()
}

// Running reports whether the dispatch loop is alive.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the dispatch loop has nothing left to do.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return nil
		}
		done := s.loopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close aborts everything, stops the loop and waits for executors.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, j := range s.table.all() {
		s.abortLocked(j)
	}
	s.signal()
	s.mu.Unlock()

	err := s.Wait(ctx)
	s.stop()
	if perr := s.pool.Stop(ctx); err == nil {
		err = perr
	}
	return err
}

// ---------- loop ----------

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) ensureRunningLocked() {
	if s.running {
		s.signal()
		return
	}
	s.running = true
	s.loopDone = make(chan struct{})
	go s.loop(s.loopDone)
}

func (s *Scheduler) idleLocked() bool {
	return len(s.table.queue) == 0 &&
		s.gate.Active() == 0 &&
		s.inflight == 0 &&
		s.table.pendingRetries() == 0
}

func (s *Scheduler) loop(done chan struct{}) {
	defer close(done)
	s.log.Debug().Msg("dispatch loop started")
	for {
		s.mu.Lock()
		if (s.closed && s.gate.Active() == 0 && s.inflight == 0) || s.idleLocked() {
			s.running = false
			s.session.IsWaitingForNextWindow = false
			s.session.SecondsUntilNextWindow = 0
			s.publishSessionLocked()
			s.mu.Unlock()
			s.log.Debug().Msg("dispatch loop idle")
			return
		}
		var (
			launch []*attempt
			wait   = s.opts.MaxPoll
		)
		if !s.paused && !s.closed {
			launch, wait = s.dispatchLocked()
		}
		s.mu.Unlock()

		for _, a := range launch {
			s.launch(a)
		}
		if len(launch) > 0 {
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// dispatchLocked walks the queue in FIFO order and grants a slot to every
// job whose limiter key has capacity while the gate has room. A key that is
// out of window capacity keeps its jobs queued without blocking other keys.
// Window state is computed for every queued key, also when the gate is full,
// so the waiting flag reflects the rate limit whenever it binds.
func (s *Scheduler) dispatchLocked() ([]*attempt, time.Duration) {
	if len(s.table.queue) == 0 {
		s.setWaitingLocked(false, 0)
		return nil, s.opts.MaxPoll
	}

	var (
		launch    []*attempt
		remaining = make([]string, 0, len(s.table.queue))
		blocked   = false
		soonest   time.Duration
		slots     = s.gate.Available()
	)
	for _, id := range s.table.queue {
		j := s.table.get(id)
		if j == nil || j.status != model.JobStatusQueued {
			continue
		}
		key := j.key()
		if !s.limiter.CanDispatch(key) {
			d := s.limiter.NextAvailableIn(key)
			if !blocked || d < soonest {
				soonest = d
			}
			blocked = true
			remaining = append(remaining, id)
			continue
		}
		if slots == 0 {
			remaining = append(remaining, id)
			continue
		}
		at := s.limiter.RecordDispatch(key)
		s.gate.Acquire()
		slots--
		launch = append(launch, s.markDispatchedLocked(j, at))
	}
	s.table.queue = remaining

	if blocked {
		s.setWaitingLocked(true, int(math.Ceil(soonest.Seconds())))
	} else {
		s.setWaitingLocked(false, 0)
	}
	if len(launch) > 0 {
		s.publishSessionLocked()
		return launch, 0
	}
	if blocked {
		wait := clamp(soonest, s.opts.MinPoll, s.opts.MaxPoll)
		metrics.ObserveSlotWait(wait.Seconds())
		return nil, wait
	}
	// waiting on the concurrency gate; a finishing attempt wakes the loop
	return nil, s.opts.MaxPoll
}

func (s *Scheduler) setWaitingLocked(waiting bool, secs int) {
	if s.session.IsWaitingForNextWindow == waiting && s.session.SecondsUntilNextWindow == secs {
		return
	}
	s.session.IsWaitingForNextWindow = waiting
	s.session.SecondsUntilNextWindow = secs
	s.publishSessionLocked()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// requeueLocked resets the response and puts j back in the queue.
func (s *Scheduler) requeueLocked(j *job, reason model.RetryReason, p Placement) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.response = ""
	j.status = model.JobStatusQueued
	j.retryReason = reason
	j.queuedAt = s.opts.Clock()
	s.table.enqueue(j.id, p)
	s.publishJobLocked(j)
	s.signal()
}

// scheduleRetryLocked parks j until delay elapses, then re-queues it.
func (s *Scheduler) scheduleRetryLocked(j *job, reason model.RetryReason, delay time.Duration) {
	metrics.IncJobRetry(string(reason))
	if delay <= 0 {
		s.requeueLocked(j, reason, s.opts.Retry.Placement)
		return
	}
	j.status = model.JobStatusRetryScheduled
	j.retryReason = reason
	seq := j.seq
	id := j.id
	j.timer = time.AfterFunc(delay, func() { s.fireRetry(id, seq) })
	s.publishJobLocked(j)
}

func (s *Scheduler) fireRetry(id string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.table.get(id)
	if j == nil || j.seq != seq || j.status != model.JobStatusRetryScheduled {
		return
	}
	j.timer = nil
	s.requeueLocked(j, j.retryReason, s.opts.Retry.Placement)
	if !s.closed {
		s.ensureRunningLocked()
	}
	s.publishSessionLocked()
}

// ---------- publishing ----------

func (s *Scheduler) sessionStateLocked() model.SessionState {
	st := s.session
	st.IsProcessing = s.running
	st.Paused = s.paused
	st.Counts = s.table.counts()
	return st
}

func (s *Scheduler) publishJobLocked(j *job) {
	s.hub.job(j.snapshot())
}

func (s *Scheduler) publishSessionLocked() {
	metrics.SetQueueDepth(len(s.table.queue), s.gate.Active())
	s.hub.session(s.sessionStateLocked(), false)
}

func (s *Scheduler) publishSessionClearedLocked() {
	metrics.SetQueueDepth(0, s.gate.Active())
	s.hub.session(s.sessionStateLocked(), true)
}
