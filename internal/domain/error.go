package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSessionClosed   = errors.New("scheduler closed")

	// Job error kinds
	ErrNetworkOrProvider = errors.New("network or provider error")
	ErrEmptyStream       = errors.New("stream completed with no content")
	ErrValidation        = errors.New("validation error")
	ErrCancelled         = errors.New("cancelled")
	ErrConfiguration     = errors.New("configuration error")
)

// JobError carries a classified failure. Kind is one of the Err* kinds above.
type JobError struct {
	Kind error
	Err  error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Err.Error())
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewJobError(kind, err error) error {
	return &JobError{Kind: kind, Err: err}
}

func Validationf(format string, args ...any) error {
	return &JobError{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

func Configurationf(format string, args ...any) error {
	return &JobError{Kind: ErrConfiguration, Err: fmt.Errorf(format, args...)}
}

// Classify returns the error kind for err. Unknown errors count as
// network/provider failures.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) && je.Kind != nil {
		return je.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	for _, k := range []error{ErrEmptyStream, ErrValidation, ErrConfiguration} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrNetworkOrProvider
}

// IsRetryable reports whether an automatic retry may help.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrNetworkOrProvider, ErrEmptyStream:
		return true
	default:
		return false
	}
}

// KindName is the short label used in logs, metrics and snapshots.
func KindName(err error) string {
	switch Classify(err) {
	case nil:
		return ""
	case ErrEmptyStream:
		return "empty_stream"
	case ErrValidation:
		return "validation"
	case ErrCancelled:
		return "cancelled"
	case ErrConfiguration:
		return "configuration"
	default:
		return "network_or_provider"
	}
}
