package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/infra/logging"
)

type eventPayload struct {
	Session model.SessionState  `json:"session"`
	Jobs    []model.JobSnapshot `json:"jobs,omitempty"`
	Cleared bool                `json:"cleared,omitempty"`
}

// handleEvents streams coalesced session updates as server-sent events. A
// slow client only ever sees the newest state of each job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	sub := s.batch.Subscribe()
	if sub == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "no scheduler")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.With(r.Context(), s.log)
	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Ready():
			u, ok := sub.Next()
			if !ok {
				continue
			}
			b, err := json.Marshal(eventPayload{Session: u.Session, Jobs: u.Jobs, Cleared: u.Cleared})
			if err != nil {
				log.Error().Err(err).Msg("encode event")
				return
			}
			if _, err := fmt.Fprintf(w, "event: update\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
