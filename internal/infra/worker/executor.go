package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/infra/metrics"
	"ai-batch-processor/internal/infra/tokens"
)

// TokenCounter estimates token usage when a provider reports none.
type TokenCounter interface {
	Count(model, text string) int
}

// attempt is one dispatch of a job. Everything an executor needs outside the
// scheduler lock is copied here at dispatch time.
type attempt struct {
	id       string
	seq      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	req      adapter.StreamRequest
	source   adapter.ContentHandle
	acc      accumulator
	started  time.Time
	released sync.Once
	settled  sync.Once
}

func (s *Scheduler) markDispatchedLocked(j *job, at time.Time) *attempt {
	s.seq++
	j.seq = s.seq
	j.status = model.JobStatusDispatched
	j.retryReason = model.RetryReasonNone
	j.dispatchedAt = at
	j.completedAt = time.Time{}
	j.response = ""
	j.conf = nil

	ctx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel
	s.inflight++

	a := &attempt{
		id:     j.id,
		seq:    j.seq,
		ctx:    ctx,
		cancel: cancel,
		source: j.source,
		req: adapter.StreamRequest{
			RequestID:   uuid.NewString(),
			Provider:    j.provider,
			Model:       j.model,
			Instruction: j.instruction,
			Credentials: j.creds,
		},
		started: time.Now(),
	}
	if j.live {
		a.acc = newLiveAccumulator(s.opts.FlushInterval, s.opts.FlushBytes, func(text string) {
			s.appendResponse(a, text)
		})
	} else {
		a.acc = &storeAccumulator{store: s.store, key: fmt.Sprintf("%s:%s:%d", j.sessionID, j.id, j.seq)}
	}

	metrics.IncJobDispatched(j.provider, j.model)
	s.log.Debug().
		Str("session_id", j.sessionID).
		Str("job_id", j.id).
		Str("request_id", a.req.RequestID).
		Str("key", j.key()).
		Int("attempts", j.attempts).
		Msg("job dispatched")
	s.publishJobLocked(j)
	return a
}

func (s *Scheduler) launch(a *attempt) {
	err := s.pool.Submit(a.ctx, func(context.Context) error {
		s.execute(a)
		return nil
	})
	if err != nil {
		a.cancel()
		s.release(a)
		s.settle(a, "", nil, domain.NewJobError(domain.ErrCancelled, err))
	}
}

// appendResponse applies a flushed chunk batch of a live attempt. Nothing is
// applied once the attempt is cancelled.
func (s *Scheduler) appendResponse(a *attempt, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ctx.Err() != nil {
		return
	}
	j := s.table.get(a.id)
	if j == nil || j.seq != a.seq || j.status != model.JobStatusDispatched {
		return
	}
	j.response += text
	s.publishJobLocked(j)
}

// execute streams one attempt to completion. The concurrency slot is
// released exactly once whatever the outcome: before the confidence check on
// success, after settling otherwise.
func (s *Scheduler) execute(a *attempt) {
	defer func() {
		if r := recover(); r != nil {
			a.acc.Discard(s.baseCtx)
			s.release(a)
			s.settle(a, "", nil, domain.NewJobError(domain.ErrNetworkOrProvider, fmt.Errorf("executor panic: %v", r)))
		}
	}()

	text, err := s.read(a)
	if err == nil {
		a.req.Content = text
		err = s.stream(a)
	}

	var response string
	if err == nil && a.ctx.Err() == nil {
		response, err = a.acc.Finish(s.baseCtx)
		if err == nil && strings.TrimSpace(response) == "" {
			err = domain.NewJobError(domain.ErrEmptyStream, nil)
		}
	} else {
		a.acc.Discard(s.baseCtx)
	}

	// error retries are queued before the slot frees
	var conf *model.Confidence
	if err == nil && a.ctx.Err() == nil && s.evaluator != nil && s.markSucceeded(a, response) {
		s.release(a)
		c, cerr := s.evaluator.Evaluate(a.ctx, a.source, response)
		if cerr != nil {
			s.log.Warn().Err(cerr).Str("job_id", a.id).Msg("confidence evaluation skipped")
		} else {
			conf = &c
		}
	}
	s.settle(a, response, conf, err)
	s.release(a)
}

func (s *Scheduler) read(a *attempt) (string, error) {
	text, err := a.source.Read(a.ctx)
	if err != nil {
		if a.ctx.Err() != nil {
			return "", a.ctx.Err()
		}
		if domain.Classify(err) == domain.ErrNetworkOrProvider {
			// an unreadable source does not heal on retry
			return "", domain.NewJobError(domain.ErrValidation, err)
		}
		return "", err
	}
	return text, nil
}

func (s *Scheduler) stream(a *attempt) error {
	chunks := 0
	var out strings.Builder
	usage, err := s.client.Stream(a.ctx, a.req, func(chunk string) error {
		if err := a.ctx.Err(); err != nil {
			return err
		}
		if chunk == "" {
			return nil
		}
		chunks++
		out.WriteString(chunk)
		return a.acc.Add(a.ctx, chunk)
	})
	if err == nil && chunks == 0 {
		err = domain.NewJobError(domain.ErrEmptyStream, nil)
	}

	in, outTok := usage.PromptTokens, usage.CompletionTokens
	if in == 0 && outTok == 0 {
		in = s.countTokens(a.req.Model, a.req.Instruction+"\n"+a.req.Content)
		outTok = s.countTokens(a.req.Model, out.String())
	}
	metrics.ObserveStream(a.req.Provider, a.req.Model, in, outTok, chunks,
		time.Since(a.started).Milliseconds(), err == nil)
	return err
}

func (s *Scheduler) countTokens(model, text string) int {
	if s.opts.Tokens != nil {
		return s.opts.Tokens.Count(model, text)
	}
	return tokens.Approx(text)
}

func (s *Scheduler) release(a *attempt) {
	a.released.Do(func() {
		s.mu.Lock()
		s.gate.Release()
		s.publishSessionLocked()
		s.mu.Unlock()
		s.signal()
	})
}

// markSucceeded records a successful stream before the confidence check. It
// reports false when the attempt is no longer current.
func (s *Scheduler) markSucceeded(a *attempt, response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.table.get(a.id)
	if j == nil || j.seq != a.seq || j.status != model.JobStatusDispatched {
		return false
	}
	j.status = model.JobStatusSucceeded
	j.response = response
	j.lastErr = nil
	j.completedAt = s.opts.Clock()
	s.publishJobLocked(j)
	return true
}

// settle records the outcome of an attempt and applies the retry policy.
func (s *Scheduler) settle(a *attempt, response string, conf *model.Confidence, err error) {
	a.settled.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.signal()
		s.inflight--
		a.cancel()

		j := s.table.get(a.id)
		if j == nil || j.seq != a.seq {
			return
		}
		j.cancel = nil
		log := s.log.With().Str("session_id", j.sessionID).Str("job_id", j.id).Logger()

		aborted := a.ctx.Err() != nil || s.closed
		if aborted && j.status == model.JobStatusDispatched {
			s.finishAbortLocked(j)
			log.Info().Msg("job aborted")
			s.publishSessionLocked()
			return
		}

		if err != nil {
			j.lastErr = err
			j.completedAt = s.opts.Clock()
			if s.opts.Retry.RetryAfterError(err, j.attempts) {
				j.attempts++
				delay := s.opts.Retry.Backoff(j.attempts)
				log.Warn().Err(err).Int("attempts", j.attempts).Dur("backoff", delay).Msg("job failed; retry scheduled")
				j.status = model.JobStatusFailed
				s.scheduleRetryLocked(j, model.RetryReasonError, delay)
			} else {
				j.status = model.JobStatusFailed
				j.retryReason = model.RetryReasonNone
				metrics.IncJobFinished(string(model.JobStatusFailed), domain.KindName(err))
				log.Error().Err(err).Int("attempts", j.attempts).Msg("job failed")
				s.publishJobLocked(j)
			}
			s.publishSessionLocked()
			return
		}

		if j.status == model.JobStatusDispatched {
			j.status = model.JobStatusSucceeded
			j.response = response
			j.lastErr = nil
			j.completedAt = s.opts.Clock()
		}
		j.conf = conf
		if conf != nil && conf.Level == model.ConfidenceLow && s.opts.Retry.RetryAfterLowConfidence(j.lowConf) && !s.closed {
			prev := *conf
			j.prevConf = &prev
			j.conf = nil
			j.lowConf++
			delay := s.opts.Retry.ConfidenceDelay(j.lowConf)
			log.Info().Float64("score", conf.Score).Int("low_confidence_retries", j.lowConf).Msg("low confidence; retrying")
			s.scheduleRetryLocked(j, model.RetryReasonLowConfidence, delay)
			s.publishSessionLocked()
			return
		}
		metrics.IncJobFinished(string(model.JobStatusSucceeded), "")
		log.Info().Int("attempts", j.attempts).Int("chars", len(j.response)).Msg("job succeeded")
		s.publishJobLocked(j)
		s.publishSessionLocked()
	})
}
