package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/infra/adapters/content"
	"ai-batch-processor/internal/infra/logging"
	"ai-batch-processor/internal/usecase"
)

const maxSubmitBody = 32 << 20

type documentRequest struct {
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
	Model      string    `json:"model,omitempty"`
}

type submitRequest struct {
	Instruction string              `json:"instruction"`
	Model       string              `json:"model"`
	Provider    string              `json:"provider,omitempty"`
	Documents   []documentRequest   `json:"documents"`
	Credentials adapter.Credentials `json:"credentials"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type sessionResponse struct {
	Session model.SessionState  `json:"session"`
	Jobs    []model.JobSnapshot `json:"jobs"`
}

type countResponse struct {
	Count int `json:"count"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "kind": kind})
}

// writeError maps the domain taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		writeJSONError(w, http.StatusUnprocessableEntity, "configuration", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.With(ctx, s.log)

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, Subject(ctx))
		if err != nil {
			// fail open
			log.Warn().Err(err).Msg("submit limiter unavailable")
		} else if !ok {
			w.Header().Set("Retry-After", retryAfter(s.window))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	docs := make([]usecase.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		if d.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "validation", "document name is required")
			return
		}
		docs = append(docs, usecase.Document{
			Source: content.NewMemory(d.Name, d.Content, d.ModifiedAt),
			Model:  d.Model,
		})
	}

	h, err := s.batch.Submit(ctx, usecase.SubmitRequest{
		Instruction: req.Instruction,
		Model:       req.Model,
		Provider:    req.Provider,
		Documents:   docs,
		Credentials: req.Credentials,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.batch.Models())
}

// jobContext tags the request context with the {id} route parameter.
func jobContext(r *http.Request) (context.Context, string) {
	id := chi.URLParam(r, "id")
	return logging.WithJobID(r.Context(), id), id
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, id := jobContext(r)
	js, err := s.batch.Job(id)
	if err != nil {
		logging.With(ctx, s.log).Debug().Err(err).Msg("job lookup")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, js)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx, id := jobContext(r)
	if err := s.batch.RetryJob(ctx, id); err != nil {
		logging.With(ctx, s.log).Debug().Err(err).Msg("retry rejected")
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	ctx, id := jobContext(r)
	if err := s.batch.AbortJob(ctx, id); err != nil {
		logging.With(ctx, s.log).Debug().Err(err).Msg("abort rejected")
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.batch.RetryAllFailed(r.Context())})
}

func (s *Server) handleAbortJobs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: s.batch.AbortJobs(r.Context(), req.IDs)})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	st, jobs := s.batch.Session()
	if jobs == nil {
		jobs = []model.JobSnapshot{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: st, Jobs: jobs})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.batch.ClearAll(r.Context()); err != nil {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("clear session")
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.batch.Pause(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.batch.Resume(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
