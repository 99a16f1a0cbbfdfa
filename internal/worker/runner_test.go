// Integration tests for the worker execution loop against a real database.
package worker_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
	"github.com/Soumish2004/Flam-QueueCTL/internal/store"
	"github.com/Soumish2004/Flam-QueueCTL/internal/testutil"
	"github.com/Soumish2004/Flam-QueueCTL/internal/worker"
)

const testPoll = 50 * time.Millisecond

// waitForState polls until the job reaches want or the deadline passes.
func waitForState(t *testing.T, s *store.Store, id string, want queue.State) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if j != nil && j.State == want {
			return j
		}
		time.Sleep(testPoll)
	}
	t.Fatalf("job %s never reached state %s", id, want)
	return nil
}

func enqueue(t *testing.T, s *store.Store, id, command string, maxRetries int) {
	t.Helper()
	err := s.Enqueue(context.Background(), &queue.Job{
		ID:          id,
		Command:     command,
		MaxRetries:  maxRetries,
		Timeout:     5,
		BackoffBase: 2,
		Priority:    queue.DefaultPriority,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	enqueue(t, s, "greet", "echo hello from the queue", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := worker.NewRunner(s, "", testPoll)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	j := waitForState(t, s, "greet", queue.StateCompleted)
	if j.Output == nil || *j.Output != "hello from the queue" {
		t.Errorf("output = %v", j.Output)
	}
	if j.ExecutionTime == nil || *j.ExecutionTime <= 0 {
		t.Errorf("execution_time = %v, want > 0", j.ExecutionTime)
	}
	if j.LockedBy != nil {
		t.Errorf("lock not cleared: %v", *j.LockedBy)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunnerFailsJobToDLQ(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	// max_retries=0: the first nonzero exit is terminal.
	enqueue(t, s, "broken", "echo bad input >&2; exit 2", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.NewRunner(s, "", testPoll).Run(ctx)

	j := waitForState(t, s, "broken", queue.StateDead)
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "exit code 2") {
		t.Errorf("error_message = %v, want exit code 2", j.ErrorMessage)
	}
	if j.ErrorMessage != nil && !strings.Contains(*j.ErrorMessage, "bad input") {
		t.Errorf("error_message should carry stderr, got %q", *j.ErrorMessage)
	}
}

func TestRunnerTimesOutJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	err := s.Enqueue(context.Background(), &queue.Job{
		ID:          "slow",
		Command:     "sleep 60",
		MaxRetries:  0,
		Timeout:     1,
		BackoffBase: 2,
		Priority:    queue.DefaultPriority,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.NewRunner(s, "", testPoll).Run(ctx)

	j := waitForState(t, s, "slow", queue.StateDead)
	if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "timeout exceeded (1s)") {
		t.Errorf("error_message = %v, want timeout exceeded", j.ErrorMessage)
	}
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Fails until the marker file exists, then succeeds: exercises the full
	// failed → (backoff elapses) → processing → completed path.
	marker := t.TempDir() + "/ready"
	enqueue(t, s, "eventually",
		"test -f "+marker+" || { touch "+marker+"; exit 1; }", 3)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.NewRunner(s, "", testPoll).Run(runCtx)

	waitForState(t, s, "eventually", queue.StateFailed)

	// Skip the 2s backoff wait.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET next_retry_at = now() WHERE id = 'eventually'`); err != nil {
		t.Fatalf("backdate next_retry_at: %v", err)
	}

	j := waitForState(t, s, "eventually", queue.StateCompleted)
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (one failure before success)", j.Attempts)
	}
}

func TestRunnerStopsAtLoopBoundary(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := worker.NewRunner(s, "worker-boundary", testPoll)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Idle worker: cancellation alone must stop it.
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle runner did not stop after cancellation")
	}

	// No claims should linger after shutdown.
	counts, err := s.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[queue.StateProcessing] != 0 {
		t.Errorf("processing jobs after shutdown: %d", counts[queue.StateProcessing])
	}
}
