package ai

import (
	"fmt"
	"net/http"

	"ai-batch-processor/internal/domain"
)

// classifyStatus maps a provider HTTP status onto the job error taxonomy.
// Rate limiting and server faults stay retryable; auth and unknown-model
// answers are configuration problems that a retry cannot fix.
func classifyStatus(provider string, status int, err error) error {
	wrapped := fmt.Errorf("%s http %d: %w", provider, status, err)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return domain.NewJobError(domain.ErrConfiguration, wrapped)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return domain.NewJobError(domain.ErrValidation, wrapped)
	default:
		return domain.NewJobError(domain.ErrNetworkOrProvider, wrapped)
	}
}
