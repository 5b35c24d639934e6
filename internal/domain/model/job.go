package model

import "time"

type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusDispatched     JobStatus = "dispatched"
	JobStatusRetryScheduled JobStatus = "retry_scheduled"
	JobStatusSucceeded      JobStatus = "succeeded"
	JobStatusFailed         JobStatus = "failed"
	JobStatusAborted        JobStatus = "aborted"
)

// Terminal reports whether no automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusAborted:
		return true
	}
	return false
}

// RetryReason tells observers why a job is waiting to be re-queued.
type RetryReason string

const (
	RetryReasonNone          RetryReason = ""
	RetryReasonError         RetryReason = "error"
	RetryReasonLowConfidence RetryReason = "low_confidence"
	RetryReasonManual        RetryReason = "manual"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

type Confidence struct {
	Score float64         `json:"score"`
	Level ConfidenceLevel `json:"level"`
}

// JobSnapshot is the observable, read-only view of a job.
type JobSnapshot struct {
	ID                      string      `json:"id"`
	SessionID               string      `json:"session_id"`
	Name                    string      `json:"name"`
	Model                   string      `json:"model"`
	Provider                string      `json:"provider"`
	Status                  JobStatus   `json:"status"`
	RetryReason             RetryReason `json:"retry_reason,omitempty"`
	ResponseText            string      `json:"response_text"`
	LastError               string      `json:"last_error,omitempty"`
	ErrorKind               string      `json:"error_kind,omitempty"`
	AttemptCount            int         `json:"attempt_count"`
	LowConfidenceRetryCount int         `json:"low_confidence_retry_count"`
	Confidence              *Confidence `json:"confidence,omitempty"`
	PreviousConfidence      *Confidence `json:"previous_confidence,omitempty"`
	QueuedAt                time.Time   `json:"queued_at"`
	DispatchedAt            time.Time   `json:"dispatched_at,omitzero"`
	CompletedAt             time.Time   `json:"completed_at,omitzero"`
}

type SessionCounts struct {
	Total          int `json:"total"`
	Queued         int `json:"queued"`
	Active         int `json:"active"`
	RetryScheduled int `json:"retry_scheduled"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Aborted        int `json:"aborted"`
}

// SessionState holds the aggregate flags of the current session.
type SessionState struct {
	ID                     string        `json:"id"`
	IsProcessing           bool          `json:"is_processing"`
	IsWaitingForNextWindow bool          `json:"is_waiting_for_next_window"`
	SecondsUntilNextWindow int           `json:"seconds_until_next_window"`
	Paused                 bool          `json:"paused"`
	Counts                 SessionCounts `json:"counts"`
	CreatedAt              time.Time     `json:"created_at,omitzero"`
}

// SessionHandle is returned by a successful submit.
type SessionHandle struct {
	SessionID string   `json:"session_id"`
	JobIDs    []string `json:"job_ids"`
}
