package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/infra/adapters/content"
	"ai-batch-processor/internal/infra/store"
	"ai-batch-processor/internal/infra/worker"
)

// scriptedClient streams the chunks returned by script for the n-th call
// made with the same content.
type scriptedClient struct {
	mu        sync.Mutex
	calls     map[string]int
	active    int
	maxActive int
	delay     time.Duration
	script    func(req adapter.StreamRequest, call int) ([]string, error)
}

func newScriptedClient(script func(req adapter.StreamRequest, call int) ([]string, error)) *scriptedClient {
	return &scriptedClient{calls: make(map[string]int), script: script}
}

func (c *scriptedClient) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	c.mu.Lock()
	c.calls[req.Content]++
	n := c.calls[req.Content]
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	delay := c.delay
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	chunks, err := c.script(req, n)
	for _, ch := range chunks {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return adapter.Usage{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := onChunk(ch); err != nil {
			return adapter.Usage{}, err
		}
	}
	return adapter.Usage{PromptTokens: 1, CompletionTokens: len(chunks)}, err
}

func (c *scriptedClient) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *scriptedClient) Calls(content string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[content]
}

func (c *scriptedClient) MaxActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

func okScript(adapter.StreamRequest, int) ([]string, error) {
	return []string{"done ", "and ", "dusted"}, nil
}

func testOptions() worker.Options {
	return worker.Options{
		MaxConcurrent: 10,
		MinPoll:       5 * time.Millisecond,
		MaxPoll:       20 * time.Millisecond,
		Retry: worker.RetryPolicy{
			MaxAttempts:      3,
			MaxLowConfidence: 3,
			Base:             2 * time.Millisecond,
			Max:              10 * time.Millisecond,
			Placement:        worker.PlaceBack,
		},
		FlushInterval: 5 * time.Millisecond,
		FlushBytes:    500,
	}
}

func newScheduler(t *testing.T, client adapter.StreamingAIClient, scorer adapter.ConfidenceScorer, opts worker.Options) *worker.Scheduler {
	t.Helper()
	s := worker.NewScheduler(client, store.NewMemory(time.Minute, nil),
		worker.NewConfidenceEvaluator(scorer, time.Second), opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func specs(n int, modelName string) []worker.JobSpec {
	mod := time.Unix(1_700_000_000, 0)
	out := make([]worker.JobSpec, n)
	for i := range out {
		out[i] = worker.JobSpec{
			Source:      content.NewMemory(fmt.Sprintf("doc-%02d.md", i), fmt.Sprintf("document body %d", i), mod),
			Instruction: "summarise",
			Model:       modelName,
			Provider:    "openai",
		}
	}
	return out
}

func waitIdle(t *testing.T, s *worker.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func jobByID(t *testing.T, s *worker.Scheduler, id string) model.JobSnapshot {
	t.Helper()
	js, err := s.Job(id)
	require.NoError(t, err)
	return js
}

func TestScheduler_SubmitValidation(t *testing.T) {
	s := newScheduler(t, newScriptedClient(okScript), nil, testOptions())

	_, err := s.Submit(nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := specs(1, "gpt-4o-mini")
	bad[0].Instruction = "  "
	_, err = s.Submit(bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	dup := specs(1, "gpt-4o-mini")
	dup = append(dup, dup[0])
	_, err = s.Submit(dup)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, jobs := s.Snapshot()
	assert.Empty(t, jobs, "rejected submissions create no jobs")
}

func TestScheduler_BatchSucceedsThroughStore(t *testing.T) {
	mem := store.NewMemory(time.Minute, nil)
	s := worker.NewScheduler(newScriptedClient(okScript), mem, nil, testOptions(), nil)
	defer s.Close(context.Background())

	h, err := s.Submit(specs(4, "gpt-4o-mini"))
	require.NoError(t, err)
	require.Len(t, h.JobIDs, 4)
	assert.NotEmpty(t, h.SessionID)

	waitIdle(t, s)
	st, jobs := s.Snapshot()
	assert.Equal(t, 4, st.Counts.Succeeded)
	assert.False(t, st.IsProcessing)
	for _, js := range jobs {
		assert.Equal(t, "done and dusted", js.ResponseText)
		assert.Equal(t, h.SessionID, js.SessionID)
		assert.False(t, js.DispatchedAt.IsZero())
	}
	assert.Zero(t, mem.Len(), "finished attempts leave nothing in the store")
}

func TestScheduler_SingleJobStreamsIncrementally(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return []string{"one ", "two ", "three ", "four ", "five"}, nil
	})
	client.SetDelay(30 * time.Millisecond)
	s := newScheduler(t, client, nil, testOptions())

	sub := s.Subscribe()
	defer sub.Close()

	var (
		mu       sync.Mutex
		partials = map[string]struct{}{}
		final    model.JobStatus
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		for range sub.Ready() {
			u, ok := sub.Next()
			if !ok {
				continue
			}
			for _, js := range u.Jobs {
				mu.Lock()
				if js.Status == model.JobStatusDispatched && js.ResponseText != "" {
					partials[js.ResponseText] = struct{}{}
				}
				if js.Status.Terminal() {
					final = js.Status
				}
				mu.Unlock()
				if js.Status.Terminal() {
					return
				}
			}
		}
	}()

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.JobStatusSucceeded, final)
	assert.Greater(t, len(partials), 1)
	assert.Equal(t, "one two three four five", jobByID(t, s, h.JobIDs[0]).ResponseText)
}

// 12 jobs against a limit of 10 per window with the concurrency cap equal to
// the limit, the usual configuration.
func TestScheduler_WaitsForNextWindow(t *testing.T) {
	const window = 600 * time.Millisecond
	client := newScriptedClient(okScript)
	client.SetDelay(100 * time.Millisecond)
	opts := testOptions()
	opts.MaxConcurrent = 10
	opts.Limits = map[string]worker.Limits{worker.Key("openai", "gpt-4o-mini"): {Limit: 10, Window: window}}
	s := newScheduler(t, client, nil, opts)

	start := time.Now()
	h, err := s.Submit(specs(12, "gpt-4o-mini"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := s.Snapshot()
		return st.IsWaitingForNextWindow && st.SecondsUntilNextWindow > 0 &&
			st.Counts.Queued == 2 && s.ActiveCount() == 10
	}, window/2, 5*time.Millisecond, "a full gate must not hide the exhausted window")

	waitIdle(t, s)
	var first, rest []time.Time
	for i, id := range h.JobIDs {
		js := jobByID(t, s, id)
		require.Equal(t, model.JobStatusSucceeded, js.Status)
		if i < 10 {
			first = append(first, js.DispatchedAt)
		} else {
			rest = append(rest, js.DispatchedAt)
		}
	}
	for _, at := range first {
		assert.Less(t, at.Sub(start), 200*time.Millisecond)
	}
	for _, at := range rest {
		assert.GreaterOrEqual(t, at.Sub(first[0]), window)
	}
	st, _ := s.Snapshot()
	assert.False(t, st.IsWaitingForNextWindow)
}

func TestScheduler_GateFullWithWindowLeftIsNotWaiting(t *testing.T) {
	client := newScriptedClient(okScript)
	client.SetDelay(time.Hour)
	opts := testOptions()
	opts.MaxConcurrent = 2
	s := newScheduler(t, client, nil, opts)

	_, err := s.Submit(specs(4, "gpt-4o-mini"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ActiveCount() == 2 }, time.Second, 2*time.Millisecond)
	time.Sleep(3 * opts.MaxPoll)

	st, _ := s.Snapshot()
	assert.Equal(t, 2, st.Counts.Queued)
	assert.False(t, st.IsWaitingForNextWindow, "only the concurrency cap binds")
	s.AbortAll()
	waitIdle(t, s)
}

func TestScheduler_NoWindowViolation(t *testing.T) {
	const (
		limit  = 5
		window = 100 * time.Millisecond
	)
	opts := testOptions()
	opts.MaxConcurrent = 50
	opts.Limits = map[string]worker.Limits{worker.Key("openai", "gpt-4o-mini"): {Limit: limit, Window: window}}
	s := newScheduler(t, newScriptedClient(okScript), nil, opts)

	_, err := s.Submit(specs(50, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	_, jobs := s.Snapshot()
	require.Len(t, jobs, 50)
	stamps := make([]time.Time, 0, len(jobs))
	for _, js := range jobs {
		stamps = append(stamps, js.DispatchedAt)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i := 0; i+limit < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i+limit].Sub(stamps[i]), window,
			"dispatch %d and %d share one window", i, i+limit)
	}
}

func TestScheduler_ActiveNeverExceedsMax(t *testing.T) {
	client := newScriptedClient(okScript)
	client.SetDelay(10 * time.Millisecond)
	opts := testOptions()
	opts.MaxConcurrent = 3
	s := newScheduler(t, client, nil, opts)

	_, err := s.Submit(specs(20, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	assert.LessOrEqual(t, client.MaxActive(), 3)
	assert.Positive(t, client.MaxActive())
	assert.Zero(t, s.ActiveCount())
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	client := newScriptedClient(func(_ adapter.StreamRequest, call int) ([]string, error) {
		if call <= 2 {
			return []string{"partial"}, errors.New("connection reset")
		}
		return []string{"ok"}, nil
	})
	s := newScheduler(t, client, nil, testOptions())

	in := specs(1, "gpt-4o-mini")
	h, err := s.Submit(in)
	require.NoError(t, err)
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusSucceeded, js.Status)
	assert.Equal(t, 2, js.AttemptCount)
	assert.Equal(t, "ok", js.ResponseText)
	assert.Empty(t, js.LastError)
	assert.Equal(t, 3, client.Calls("document body 0"))
}

func TestScheduler_ExhaustsAttemptsThenManualRetry(t *testing.T) {
	var healed atomic.Bool
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		if healed.Load() {
			return []string{"recovered"}, nil
		}
		return nil, errors.New("503 service unavailable")
	})
	s := newScheduler(t, client, nil, testOptions())

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	id := h.JobIDs[0]
	js := jobByID(t, s, id)
	assert.Equal(t, model.JobStatusFailed, js.Status)
	assert.Equal(t, 3, js.AttemptCount)
	assert.Equal(t, "network_or_provider", js.ErrorKind)
	assert.Contains(t, js.LastError, "503")
	assert.Equal(t, 4, client.Calls("document body 0"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, client.Calls("document body 0"), "terminal failure is not retried automatically")

	healed.Store(true)
	require.NoError(t, s.RetryJob(id))
	waitIdle(t, s)
	js = jobByID(t, s, id)
	assert.Equal(t, model.JobStatusSucceeded, js.Status)
	assert.Equal(t, 0, js.AttemptCount)
	assert.Equal(t, "recovered", js.ResponseText)
}

func TestScheduler_RetryAllFailed(t *testing.T) {
	var healed atomic.Bool
	client := newScriptedClient(func(req adapter.StreamRequest, _ int) ([]string, error) {
		if healed.Load() || req.Content == "document body 0" {
			return []string{"fine"}, nil
		}
		return nil, domain.Configurationf("missing api key")
	})
	s := newScheduler(t, client, nil, testOptions())

	_, err := s.Submit(specs(3, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	st, _ := s.Snapshot()
	assert.Equal(t, 2, st.Counts.Failed)
	assert.Equal(t, 1, client.Calls("document body 1"), "configuration errors are not retried")

	healed.Store(true)
	assert.Equal(t, 2, s.RetryAllFailed())
	waitIdle(t, s)
	st, _ = s.Snapshot()
	assert.Equal(t, 3, st.Counts.Succeeded)
}

func TestScheduler_EmptyStreamFails(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return nil, nil
	})
	s := newScheduler(t, client, nil, testOptions())

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusFailed, js.Status)
	assert.Equal(t, "empty_stream", js.ErrorKind)
	assert.Equal(t, 3, js.AttemptCount)
}

func TestScheduler_AbortAllInFlightAndQueued(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return []string{"a", "b", "c", "d"}, nil
	})
	client.SetDelay(time.Hour)
	opts := testOptions()
	opts.MaxConcurrent = 5
	s := newScheduler(t, client, nil, opts)

	_, err := s.Submit(specs(10, "gpt-4o-mini"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := s.Snapshot()
		return st.Counts.Active == 5 && st.Counts.Queued == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 10, s.AbortAll())
	waitIdle(t, s)

	st, jobs := s.Snapshot()
	assert.Equal(t, 10, st.Counts.Aborted)
	for _, js := range jobs {
		assert.Equal(t, model.JobStatusAborted, js.Status)
	}
	assert.Zero(t, s.ActiveCount())
	assert.False(t, s.Running())
	assert.False(t, st.IsProcessing)
}

func TestScheduler_AbortIsIdempotent(t *testing.T) {
	s := newScheduler(t, newScriptedClient(okScript), nil, testOptions())
	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	id := h.JobIDs[0]
	before := jobByID(t, s, id)
	require.NoError(t, s.AbortJob(id))
	require.NoError(t, s.AbortJob(id))
	assert.Equal(t, before, jobByID(t, s, id))

	assert.ErrorIs(t, s.AbortJob("nope"), domain.ErrNotFound)
	assert.Zero(t, s.AbortSelected([]string{id, "nope"}))
}

func TestScheduler_AbortDuringBackoff(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return nil, errors.New("timeout")
	})
	opts := testOptions()
	opts.Retry.Base = time.Hour
	opts.Retry.Max = time.Hour
	s := newScheduler(t, client, nil, opts)

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	id := h.JobIDs[0]
	require.Eventually(t, func() bool {
		return jobByID(t, s, id).Status == model.JobStatusRetryScheduled
	}, time.Second, 2*time.Millisecond)
	assert.True(t, s.Running(), "a pending backoff keeps the session busy")

	require.NoError(t, s.AbortJob(id))
	waitIdle(t, s)
	js := jobByID(t, s, id)
	assert.Equal(t, model.JobStatusAborted, js.Status)
	assert.Equal(t, 1, js.AttemptCount)
}

func TestScheduler_LowConfidenceRetriesCapped(t *testing.T) {
	client := newScriptedClient(okScript)
	var scored atomic.Int32
	scorer := adapter.ScorerFunc(func(string, string) model.Confidence {
		scored.Add(1)
		return model.Confidence{Score: 0.1, Level: model.ConfidenceLow}
	})
	s := newScheduler(t, client, scorer, testOptions())

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusSucceeded, js.Status)
	assert.Equal(t, 3, js.LowConfidenceRetryCount)
	require.NotNil(t, js.Confidence)
	assert.Equal(t, model.ConfidenceLow, js.Confidence.Level)
	require.NotNil(t, js.PreviousConfidence)
	assert.Equal(t, 4, client.Calls("document body 0"))
	assert.EqualValues(t, 4, scored.Load())
}

func TestScheduler_LowConfidenceThenHigh(t *testing.T) {
	var n atomic.Int32
	scorer := adapter.ScorerFunc(func(string, string) model.Confidence {
		if n.Add(1) == 1 {
			return model.Confidence{Score: 0.2, Level: model.ConfidenceLow}
		}
		return model.Confidence{Score: 0.9, Level: model.ConfidenceHigh}
	})
	s := newScheduler(t, newScriptedClient(okScript), scorer, testOptions())

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusSucceeded, js.Status)
	assert.Equal(t, 1, js.LowConfidenceRetryCount)
	assert.Equal(t, model.RetryReasonNone, js.RetryReason)
	require.NotNil(t, js.PreviousConfidence)
	assert.Equal(t, 0.2, js.PreviousConfidence.Score)
	require.NotNil(t, js.Confidence)
	assert.Equal(t, model.ConfidenceHigh, js.Confidence.Level)
}

func TestScheduler_SaturatedKeyDoesNotBlockOthers(t *testing.T) {
	opts := testOptions()
	opts.Limits = map[string]worker.Limits{worker.Key("openai", "slow-model"): {Limit: 1, Window: time.Hour}}
	s := newScheduler(t, newScriptedClient(okScript), nil, opts)

	in := append(specs(2, "slow-model"), worker.JobSpec{
		Source:      content.NewMemory("other.md", "other body", time.Unix(1, 0)),
		Instruction: "translate",
		Model:       "fast-model",
		Provider:    "openai",
	})
	h, err := s.Submit(in)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := s.Snapshot()
		return st.IsWaitingForNextWindow &&
			jobByID(t, s, h.JobIDs[0]).Status == model.JobStatusSucceeded &&
			jobByID(t, s, h.JobIDs[2]).Status == model.JobStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.JobStatusQueued, jobByID(t, s, h.JobIDs[1]).Status)

	st, _ := s.Snapshot()
	assert.Positive(t, st.SecondsUntilNextWindow)
	s.AbortAll()
	waitIdle(t, s)
}

func TestScheduler_PauseResume(t *testing.T) {
	s := newScheduler(t, newScriptedClient(okScript), nil, testOptions())
	s.Pause()

	_, err := s.Submit(specs(3, "gpt-4o-mini"))
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	st, _ := s.Snapshot()
	assert.True(t, st.Paused)
	assert.Equal(t, 3, st.Counts.Queued)

	s.Resume()
	waitIdle(t, s)
	st, _ = s.Snapshot()
	assert.Equal(t, 3, st.Counts.Succeeded)
}

func TestScheduler_ClearAll(t *testing.T) {
	client := newScriptedClient(okScript)
	client.SetDelay(time.Hour)
	s := newScheduler(t, client, nil, testOptions())

	h, err := s.Submit(specs(3, "gpt-4o-mini"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ActiveCount() == 3 }, time.Second, 2*time.Millisecond)

	require.NoError(t, s.ClearAll(context.Background()))
	waitIdle(t, s)
	st, jobs := s.Snapshot()
	assert.Empty(t, jobs)
	assert.Empty(t, st.ID)
	assert.Zero(t, s.ActiveCount())
	_, err = s.Job(h.JobIDs[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// a cleared scheduler accepts a fresh session
	client.SetDelay(0)
	h2, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	assert.NotEqual(t, h.SessionID, h2.SessionID)
	waitIdle(t, s)
}

func TestScheduler_DuplicateWhileActiveRejected(t *testing.T) {
	client := newScriptedClient(okScript)
	client.SetDelay(time.Hour)
	s := newScheduler(t, client, nil, testOptions())

	in := specs(1, "gpt-4o-mini")
	_, err := s.Submit(in)
	require.NoError(t, err)
	_, err = s.Submit(in)
	assert.ErrorIs(t, err, domain.ErrValidation)
	s.AbortAll()
	waitIdle(t, s)

	client.SetDelay(0)
	_, err = s.Submit(in)
	require.NoError(t, err, "a terminal job may be resubmitted")
	waitIdle(t, s)
}

func TestScheduler_ClosedRejectsSubmit(t *testing.T) {
	s := worker.NewScheduler(newScriptedClient(okScript), nil, nil, testOptions(), nil)
	require.NoError(t, s.Close(context.Background()))
	_, err := s.Submit(specs(1, "gpt-4o-mini"))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

// lingeringClient emits one chunk, then keeps running for a while after its
// context is cancelled, like a provider that is slow to hang up.
type lingeringClient struct {
	chunk string
	sent  chan struct{}
	after time.Duration
}

func (c *lingeringClient) Stream(ctx context.Context, _ adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	if err := onChunk(c.chunk); err != nil {
		return adapter.Usage{}, err
	}
	close(c.sent)
	<-ctx.Done()
	time.Sleep(c.after)
	return adapter.Usage{}, ctx.Err()
}

func TestScheduler_AbortDropsBufferedText(t *testing.T) {
	client := &lingeringClient{chunk: "buffered-before-abort", sent: make(chan struct{}), after: 80 * time.Millisecond}
	opts := testOptions()
	opts.FlushInterval = 40 * time.Millisecond
	s := newScheduler(t, client, nil, opts)

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	select {
	case <-client.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	require.NoError(t, s.AbortJob(h.JobIDs[0]))
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusAborted, js.Status)
	assert.Empty(t, js.ResponseText)
}

// staleClient ignores cancellation on its first call and answers normally
// afterwards.
type staleClient struct {
	calls     atomic.Int32
	firstDone chan struct{}
}

func (c *staleClient) Stream(ctx context.Context, _ adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	if c.calls.Add(1) == 1 {
		defer close(c.firstDone)
		_ = onChunk("stale ")
		time.Sleep(300 * time.Millisecond)
		return adapter.Usage{}, ctx.Err()
	}
	if err := onChunk("fresh"); err != nil {
		return adapter.Usage{}, err
	}
	return adapter.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestScheduler_ClearThenResubmitIgnoresOldAttempt(t *testing.T) {
	client := &staleClient{firstDone: make(chan struct{})}
	s := newScheduler(t, client, nil, testOptions())

	in := specs(1, "gpt-4o-mini")
	_, err := s.Submit(in)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ActiveCount() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.ClearAll(context.Background()))
	h, err := s.Submit(in)
	require.NoError(t, err)

	select {
	case <-client.firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("old attempt never returned")
	}
	waitIdle(t, s)

	js := jobByID(t, s, h.JobIDs[0])
	assert.Equal(t, model.JobStatusSucceeded, js.Status)
	assert.Equal(t, "fresh", js.ResponseText)
	assert.Zero(t, s.ActiveCount())
}

func TestScheduler_ClearAllDuringBackoff(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return nil, errors.New("timeout")
	})
	opts := testOptions()
	opts.Retry.Base = 50 * time.Millisecond
	opts.Retry.Max = 50 * time.Millisecond
	s := newScheduler(t, client, nil, opts)

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return jobByID(t, s, h.JobIDs[0]).Status == model.JobStatusRetryScheduled
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, s.ClearAll(context.Background()))
	time.Sleep(150 * time.Millisecond)
	waitIdle(t, s)

	assert.Equal(t, 1, client.Calls("document body 0"), "the backoff timer never re-queued the job")
	_, jobs := s.Snapshot()
	assert.Empty(t, jobs)
	assert.False(t, s.Running())
}

func TestScheduler_RetryPlacement(t *testing.T) {
	for _, tc := range []struct {
		placement worker.Placement
		want      []string
	}{
		{worker.PlaceFront, []string{"document body 0", "document body 0", "document body 1", "document body 2"}},
		{worker.PlaceBack, []string{"document body 0", "document body 1", "document body 2", "document body 0"}},
	} {
		t.Run(string(tc.placement), func(t *testing.T) {
			var (
				mu    sync.Mutex
				order []string
			)
			client := newScriptedClient(func(req adapter.StreamRequest, call int) ([]string, error) {
				mu.Lock()
				order = append(order, req.Content)
				mu.Unlock()
				if req.Content == "document body 0" && call == 1 {
					return nil, errors.New("connection reset")
				}
				return []string{"ok"}, nil
			})
			opts := testOptions()
			opts.MaxConcurrent = 1
			opts.Retry.Base = 0
			opts.Retry.Placement = tc.placement
			s := newScheduler(t, client, nil, opts)

			_, err := s.Submit(specs(3, "gpt-4o-mini"))
			require.NoError(t, err)
			waitIdle(t, s)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tc.want, order)
		})
	}
}

func TestScheduler_LowConfidenceBackoffWaits(t *testing.T) {
	client := newScriptedClient(okScript)
	scorer := adapter.ScorerFunc(func(string, string) model.Confidence {
		return model.Confidence{Score: 0.1, Level: model.ConfidenceLow}
	})
	opts := testOptions()
	opts.Retry.ConfidenceBackoff = true
	opts.Retry.Base = time.Hour
	opts.Retry.Max = time.Hour
	s := newScheduler(t, client, scorer, opts)

	h, err := s.Submit(specs(1, "gpt-4o-mini"))
	require.NoError(t, err)
	id := h.JobIDs[0]
	require.Eventually(t, func() bool {
		js := jobByID(t, s, id)
		return js.Status == model.JobStatusRetryScheduled && js.RetryReason == model.RetryReasonLowConfidence
	}, time.Second, 2*time.Millisecond)

	js := jobByID(t, s, id)
	assert.Equal(t, 1, js.LowConfidenceRetryCount)
	require.NotNil(t, js.PreviousConfidence)
	assert.Equal(t, 0.1, js.PreviousConfidence.Score)
	assert.Equal(t, 1, client.Calls("document body 0"))
	assert.True(t, s.Running())

	s.AbortAll()
	waitIdle(t, s)
	assert.Equal(t, model.JobStatusAborted, jobByID(t, s, id).Status)
}

func TestScheduler_LateSingleSubmitJoinsStoreMode(t *testing.T) {
	client := newScriptedClient(func(adapter.StreamRequest, int) ([]string, error) {
		return []string{"one ", "two ", "three ", "four"}, nil
	})
	s := newScheduler(t, client, nil, testOptions())

	_, err := s.Submit(specs(2, "gpt-4o-mini"))
	require.NoError(t, err)
	waitIdle(t, s)

	client.SetDelay(30 * time.Millisecond)
	h, err := s.Submit([]worker.JobSpec{{
		Source:      content.NewMemory("late.md", "late body", time.Unix(1, 0)),
		Instruction: "summarise",
		Model:       "gpt-4o-mini",
		Provider:    "openai",
	}})
	require.NoError(t, err)
	id := h.JobIDs[0]

	sub := s.Subscribe()
	defer sub.Close()
	partial := false
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case <-sub.Ready():
			u, ok := sub.Next()
			if !ok {
				continue
			}
			for _, js := range u.Jobs {
				if js.ID != id {
					continue
				}
				if js.Status == model.JobStatusDispatched && js.ResponseText != "" {
					partial = true
				}
				if js.Status.Terminal() {
					done = true
				}
			}
		case <-deadline:
			t.Fatal("job did not finish")
		}
	}
	assert.False(t, partial, "a multi-job session buffers responses out of band")
	assert.Equal(t, "one two three four", jobByID(t, s, id).ResponseText)
}
