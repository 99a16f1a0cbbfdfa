// Package worker implements the execution loop for one worker identity:
// claim a job from the store, run its shell command under the job's timeout,
// and settle the result back. Execution errors never escape the loop — a
// failed, timed-out, or unlaunchable command becomes a settle_failure call
// and the loop keeps polling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
	"github.com/Soumish2004/Flam-QueueCTL/internal/store"
)

// NewID generates a fresh worker identity.
func NewID() string {
	return "worker-" + uuid.New().String()[:8]
}

// Runner drives the poll→claim→execute→settle cycle for one worker identity.
type Runner struct {
	store        *store.Store
	id           string
	pollInterval time.Duration
}

// NewRunner creates a Runner polling at pollInterval. An empty id gets a
// generated one.
func NewRunner(s *store.Store, id string, pollInterval time.Duration) *Runner {
	if id == "" {
		id = NewID()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Runner{store: s, id: id, pollInterval: pollInterval}
}

// ID returns the worker identity used in the locked_by column.
func (r *Runner) ID() string { return r.id }

// Run polls for jobs until ctx is cancelled. Cancellation is honored only at
// loop-iteration boundaries: an in-flight command runs to completion (or its
// own timeout) and its settle is always written before Run returns.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("worker started", "worker_id", r.id, "pid", os.Getpid())

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker_id", r.id)
			return
		default:
		}

		job, err := r.store.Claim(ctx, r.id)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("worker stopped", "worker_id", r.id)
				return
			}
			slog.Error("claim error", "worker_id", r.id, "error", err)
		}
		if job != nil {
			r.execute(job)
			continue // look for the next job immediately
		}

		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker_id", r.id)
			return
		case <-ticker.C:
		}
	}
}

// execute runs one claimed job and settles it. Settles use a background
// context so a shutdown signal cannot abandon the job mid-update.
func (r *Runner) execute(job *queue.Job) {
	slog.Info("executing job",
		"worker_id", r.id,
		"job_id", job.ID,
		"attempt", job.Attempts+1,
		"max_retries", job.MaxRetries,
		"timeout_s", job.Timeout,
	)

	timeout := time.Duration(job.Timeout) * time.Second
	res, err := RunCommand(job.Command, timeout)

	switch {
	case errors.Is(err, ErrTimeout):
		r.settleFailure(job, fmt.Sprintf("timeout exceeded (%ds)", job.Timeout), res.Elapsed)
	case err != nil:
		// Launch failure: the command never ran. Feeds the retry engine like
		// any other failed attempt.
		r.settleFailure(job, err.Error(), 0)
	case res.ExitCode != 0:
		msg := fmt.Sprintf("exit code %d", res.ExitCode)
		if s := strings.TrimSpace(res.Stderr); s != "" {
			msg += ": " + s
		}
		r.settleFailure(job, msg, res.Elapsed)
	default:
		output := strings.TrimSpace(res.Stdout)
		if err := r.store.SettleSuccess(context.Background(), job.ID, output, res.Elapsed); err != nil {
			r.logSettleErr(job.ID, err)
			return
		}
		slog.Info("job completed",
			"worker_id", r.id, "job_id", job.ID, "elapsed_s", res.Elapsed)
	}
}

func (r *Runner) settleFailure(job *queue.Job, msg string, elapsed float64) {
	slog.Warn("job failed",
		"worker_id", r.id, "job_id", job.ID, "attempt", job.Attempts+1, "error", msg)
	if err := r.store.SettleFailure(context.Background(), job.ID, msg, elapsed); err != nil {
		r.logSettleErr(job.ID, err)
	}
}

// logSettleErr reports a settle error without crashing the loop. A state
// conflict means another actor already settled or released the job — a lost
// race worth logging, never fatal.
func (r *Runner) logSettleErr(jobID string, err error) {
	if errors.Is(err, queue.ErrJobState) || errors.Is(err, queue.ErrJobNotFound) {
		slog.Warn("settle conflict", "worker_id", r.id, "job_id", jobID, "error", err)
		return
	}
	slog.Error("settle error", "worker_id", r.id, "job_id", jobID, "error", err)
}
