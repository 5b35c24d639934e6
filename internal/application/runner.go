package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/infra/adapters/content"
	"ai-batch-processor/internal/usecase"
)

// RunRequest describes one file batch.
type RunRequest struct {
	Instruction string
	Model       string
	Provider    string
	Files       []string
	OutDir      string // empty writes next to each input
	Credentials adapter.Credentials
}

// RunSummary reports the terminal state of a finished batch.
type RunSummary struct {
	SessionID string
	Succeeded int
	Failed    int
	Aborted   int
	Outputs   []string
	Jobs      []model.JobSnapshot
}

// ProgressFunc receives every observed session update.
type ProgressFunc func(st model.SessionState, changed []model.JobSnapshot)

// Runner submits files through the batch use case, follows the session until
// every job is terminal and writes the responses to disk.
type Runner struct {
	batch usecase.BatchUseCase
	poll  time.Duration
	log   *zerolog.Logger
}

func NewRunner(batch usecase.BatchUseCase, logger *zerolog.Logger) *Runner {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "Runner").Logger()
	return &Runner{batch: batch, poll: time.Second, log: &l}
}

// CollectFiles expands doublestar patterns (e.g. "docs/**/*.md") and plain
// paths into a sorted, de-duplicated list of regular files.
func CollectFiles(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, domain.Validationf("bad pattern %q: %v", p, err)
		}
		if len(matches) == 0 {
			return nil, domain.Validationf("%q matched no files", p)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// OutputPath is where the response for input is written: the input's base
// name, extension included, plus ".out.md".
func OutputPath(input, outDir string) string {
	name := filepath.Base(input) + ".out.md"
	if outDir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	return filepath.Join(outDir, name)
}

// Run blocks until the batch settles or ctx is done. On cancellation the
// remaining jobs are aborted and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, req RunRequest, progress ProgressFunc) (RunSummary, error) {
	if len(req.Files) == 0 {
		return RunSummary{}, domain.Validationf("no input files")
	}
	outputs := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		out := OutputPath(f, req.OutDir)
		if prev, dup := outputs[out]; dup {
			return RunSummary{}, domain.Validationf("%s and %s would both write %s", prev, f, out)
		}
		outputs[out] = f
	}
	docs := make([]usecase.Document, 0, len(req.Files))
	for _, f := range req.Files {
		h, err := content.OpenFile(f)
		if err != nil {
			return RunSummary{}, err
		}
		docs = append(docs, usecase.Document{Source: h})
	}

	sub := r.batch.Subscribe()
	if sub == nil {
		return RunSummary{}, errors.New("runner: scheduler unavailable")
	}
	defer sub.Close()

	handle, err := r.batch.Submit(ctx, usecase.SubmitRequest{
		Instruction: req.Instruction,
		Model:       req.Model,
		Provider:    req.Provider,
		Documents:   docs,
		Credentials: req.Credentials,
	})
	if err != nil {
		return RunSummary{}, err
	}
	r.log.Info().Str("session_id", handle.SessionID).Int("jobs", len(handle.JobIDs)).Msg("batch submitted")

	tick := time.NewTicker(r.poll)
	defer tick.Stop()
	for !r.settled(handle) {
		select {
		case <-ctx.Done():
			n := r.batch.AbortJobs(context.Background(), handle.JobIDs)
			r.log.Warn().Int("aborted", n).Msg("batch interrupted")
			return RunSummary{SessionID: handle.SessionID}, ctx.Err()
		case <-sub.Ready():
			if u, ok := sub.Next(); ok && progress != nil && !u.Cleared {
				progress(u.Session, u.Jobs)
			}
		case <-tick.C:
		}
	}

	return r.write(handle, req.OutDir, req.Files)
}

// settled reports whether every job of h is terminal and the scheduler has
// gone idle. A job stays Succeeded while its confidence is checked, so the
// terminal status alone is not final.
func (r *Runner) settled(h model.SessionHandle) bool {
	if st, _ := r.batch.Session(); st.IsProcessing {
		return false
	}
	for _, id := range h.JobIDs {
		js, err := r.batch.Job(id)
		if err != nil {
			// cleared underneath us
			return true
		}
		if !js.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *Runner) write(h model.SessionHandle, outDir string, files []string) (RunSummary, error) {
	sum := RunSummary{SessionID: h.SessionID}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return sum, fmt.Errorf("create output dir: %w", err)
		}
	}
	for i, id := range h.JobIDs {
		js, err := r.batch.Job(id)
		if err != nil {
			continue
		}
		sum.Jobs = append(sum.Jobs, js)
		switch js.Status {
		case model.JobStatusSucceeded:
			sum.Succeeded++
			path := OutputPath(files[i], outDir)
			if err := os.WriteFile(path, []byte(js.ResponseText), 0o644); err != nil {
				return sum, fmt.Errorf("write %s: %w", path, err)
			}
			sum.Outputs = append(sum.Outputs, path)
		case model.JobStatusFailed:
			sum.Failed++
			r.log.Warn().Str("job_id", id).Str("name", js.Name).Str("error", js.LastError).Msg("job failed")
		case model.JobStatusAborted:
			sum.Aborted++
		}
	}
	return sum, nil
}
