package worker

import (
	"context"
	"time"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
)

// JobSpec is one entry of a submission.
type JobSpec struct {
	Source      adapter.ContentHandle
	Instruction string
	Model       string
	Provider    string
	Credentials adapter.Credentials
}

// job is the mutable record behind a JobSnapshot. Every field is guarded by
// the Scheduler mutex.
type job struct {
	id          string
	sessionID   string
	source      adapter.ContentHandle
	instruction string
	model       string
	provider    string
	creds       adapter.Credentials
	live        bool // single-job session: chunks go straight to response

	status      model.JobStatus
	retryReason model.RetryReason
	response    string
	attempts    int
	lowConf     int
	lastErr     error
	conf        *model.Confidence
	prevConf    *model.Confidence

	queuedAt     time.Time
	dispatchedAt time.Time
	completedAt  time.Time

	// seq identifies the current attempt; it is unique across the scheduler
	// so executors of a replaced or cleared job never match.
	seq    uint64
	cancel context.CancelFunc
	timer  *time.Timer
}

func (j *job) key() string { return Key(j.provider, j.model) }

func (j *job) snapshot() model.JobSnapshot {
	s := model.JobSnapshot{
		ID:                      j.id,
		SessionID:               j.sessionID,
		Name:                    j.source.Name(),
		Model:                   j.model,
		Provider:                j.provider,
		Status:                  j.status,
		RetryReason:             j.retryReason,
		ResponseText:            j.response,
		AttemptCount:            j.attempts,
		LowConfidenceRetryCount: j.lowConf,
		QueuedAt:                j.queuedAt,
		DispatchedAt:            j.dispatchedAt,
		CompletedAt:             j.completedAt,
	}
	if j.lastErr != nil {
		s.LastError = j.lastErr.Error()
		s.ErrorKind = domain.KindName(j.lastErr)
	}
	if j.conf != nil {
		c := *j.conf
		s.Confidence = &c
	}
	if j.prevConf != nil {
		c := *j.prevConf
		s.PreviousConfidence = &c
	}
	return s
}

// jobTable keeps jobs in submission order plus the FIFO dispatch queue.
type jobTable struct {
	byID  map[string]*job
	order []string
	queue []string
}

func newJobTable() *jobTable {
	return &jobTable{byID: make(map[string]*job)}
}

func (t *jobTable) get(id string) *job { return t.byID[id] }

func (t *jobTable) add(j *job) {
	if _, ok := t.byID[j.id]; !ok {
		t.order = append(t.order, j.id)
	}
	t.byID[j.id] = j
}

func (t *jobTable) enqueue(id string, p Placement) {
	if p == PlaceFront {
		t.queue = append([]string{id}, t.queue...)
		return
	}
	t.queue = append(t.queue, id)
}

// unqueue removes id from the dispatch queue and reports whether it was there.
func (t *jobTable) unqueue(id string) bool {
	for i, q := range t.queue {
		if q == id {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (t *jobTable) all() []*job {
	out := make([]*job, 0, len(t.order))
	for _, id := range t.order {
		if j := t.byID[id]; j != nil {
			out = append(out, j)
		}
	}
	return out
}

func (t *jobTable) counts() model.SessionCounts {
	var c model.SessionCounts
	for _, j := range t.byID {
		c.Total++
		switch j.status {
		case model.JobStatusQueued:
			c.Queued++
		case model.JobStatusDispatched:
			c.Active++
		case model.JobStatusRetryScheduled:
			c.RetryScheduled++
		case model.JobStatusSucceeded:
			c.Succeeded++
		case model.JobStatusFailed:
			c.Failed++
		case model.JobStatusAborted:
			c.Aborted++
		}
	}
	return c
}

func (t *jobTable) pendingRetries() int {
	n := 0
	for _, j := range t.byID {
		if j.status == model.JobStatusRetryScheduled {
			n++
		}
	}
	return n
}
