// Package supervisor manages the pool of detached worker processes: it
// starts N copies of the queuectl binary in worker mode, records their PIDs
// in the store's registry, and stops them by signal. It owns no job data —
// workers coordinate over jobs exclusively through the store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/Soumish2004/Flam-QueueCTL/internal/store"
	"github.com/Soumish2004/Flam-QueueCTL/internal/worker"
)

// Supervisor starts and stops worker processes.
type Supervisor struct {
	store *store.Store
}

// New creates a Supervisor backed by s.
func New(s *store.Store) *Supervisor {
	return &Supervisor{store: s}
}

// Start launches count detached worker processes by re-executing the current
// binary with `worker run`. Each worker gets a fresh identity and is
// recorded in the registry. Dead registry entries are pruned first so worker
// numbering stays honest after crashes. Returns the started workers.
func (s *Supervisor) Start(ctx context.Context, count int) ([]store.WorkerInfo, error) {
	if count < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", count)
	}
	if _, err := s.pruneDead(ctx); err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate binary: %w", err)
	}

	started := make([]store.WorkerInfo, 0, count)
	for i := 0; i < count; i++ {
		id := worker.NewID()
		cmd := exec.Command(exe, "worker", "run", "--worker-id", id)
		cmd.Env = os.Environ()
		// Detach: own session, no controlling terminal, no inherited stdio.
		// The worker's slog output goes to its own stderr, which is discarded
		// here; foreground mode exists for watching execution live.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil

		if err := cmd.Start(); err != nil {
			return started, fmt.Errorf("start worker %s: %w", id, err)
		}
		pid := cmd.Process.Pid
		// The supervisor exits after spawning; release so the child is not
		// tied to this process's lifetime.
		_ = cmd.Process.Release()

		if err := s.store.AddWorker(ctx, id, pid); err != nil {
			// The process is up but unregistered; kill it rather than leak
			// an untracked worker.
			_ = syscall.Kill(pid, syscall.SIGTERM)
			return started, err
		}
		slog.Info("started worker", "worker_id", id, "pid", pid)
		started = append(started, store.WorkerInfo{ID: id, PID: pid})
	}
	return started, nil
}

// Stop signals SIGTERM to every registered worker and clears the registry.
// Workers finish their in-flight job before exiting. Entries whose process
// is already gone are removed without error. Returns the number of live
// workers signaled.
func (s *Supervisor) Stop(ctx context.Context) (int, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	if len(workers) == 0 {
		return 0, nil
	}

	stopped := 0
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
		if !processAlive(w.PID) {
			continue
		}
		if err := syscall.Kill(w.PID, syscall.SIGTERM); err != nil {
			slog.Warn("could not signal worker", "worker_id", w.ID, "pid", w.PID, "error", err)
			continue
		}
		slog.Info("stopped worker", "worker_id", w.ID, "pid", w.PID)
		stopped++
	}

	if err := s.store.RemoveWorkers(ctx, ids); err != nil {
		return stopped, err
	}
	return stopped, nil
}

// Active returns the registered workers whose process is still alive,
// pruning any stale entries it finds along the way.
func (s *Supervisor) Active(ctx context.Context) ([]store.WorkerInfo, error) {
	return s.pruneDead(ctx)
}

// pruneDead removes registry rows whose process no longer exists and returns
// the surviving entries.
func (s *Supervisor) pruneDead(ctx context.Context) ([]store.WorkerInfo, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var live []store.WorkerInfo
	var stale []string
	for _, w := range workers {
		if processAlive(w.PID) {
			live = append(live, w)
		} else {
			stale = append(stale, w.ID)
		}
	}
	if len(stale) > 0 {
		if err := s.store.RemoveWorkers(ctx, stale); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists; it just belongs to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
