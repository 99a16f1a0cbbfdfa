// Integration tests for store/jobs.go — enqueue, atomic claim, settle, DLQ.
// Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
	"github.com/Soumish2004/Flam-QueueCTL/internal/store"
	"github.com/Soumish2004/Flam-QueueCTL/internal/testutil"
)

func newJob(id string, priority int) *queue.Job {
	return &queue.Job{
		ID:          id,
		Command:     "echo " + id,
		MaxRetries:  queue.DefaultMaxRetries,
		Timeout:     20,
		BackoffBase: queue.DefaultBackoffBase,
		Priority:    priority,
	}
}

func mustEnqueue(t *testing.T, s *store.Store, j *queue.Job) {
	t.Helper()
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue(%s): %v", j.ID, err)
	}
}

// forceRetryDue backdates a failed job's next_retry_at so it is claimable now.
func forceRetryDue(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(),
		`UPDATE jobs SET next_retry_at = now() - interval '1 second' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("backdate next_retry_at: %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := newJob("job1", 7)
	job.Timeout = 30
	mustEnqueue(t, s, job)

	got, err := s.Get(ctx, "job1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing job")
	}
	if got.State != queue.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
	if got.Command != "echo job1" || got.Priority != 7 || got.Timeout != 30 {
		t.Errorf("fields not persisted: %+v", got)
	}
	if got.Attempts != 0 || got.WaitingTime != 0 {
		t.Errorf("attempts/waiting_time = %d/%d, want 0/0", got.Attempts, got.WaitingTime)
	}
	if got.LockedBy != nil || got.NextRetryAt != nil || got.Output != nil {
		t.Errorf("nullable fields should start nil: %+v", got)
	}

	// Unknown id is (nil, nil), not an error.
	missing, err := s.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get(missing): %v", err)
	}
	if missing != nil {
		t.Error("Get(missing) should return nil")
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	mustEnqueue(t, s, newJob("dup", 5))
	err := s.Enqueue(context.Background(), newJob("dup", 5))
	if !errors.Is(err, queue.ErrDuplicateID) {
		t.Fatalf("duplicate enqueue error = %v, want ErrDuplicateID", err)
	}

	// The failed enqueue must not have aged the queue.
	got, _ := s.Get(context.Background(), "dup")
	if got.WaitingTime != 0 {
		t.Errorf("waiting_time = %d after failed duplicate enqueue, want 0", got.WaitingTime)
	}
}

func TestEnqueueAgesQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// §8 scenario: A(3), B(5), C(8), D(2) enqueued in that order.
	mustEnqueue(t, s, newJob("A", 3))
	mustEnqueue(t, s, newJob("B", 5))
	mustEnqueue(t, s, newJob("C", 8))
	mustEnqueue(t, s, newJob("D", 2))

	wantWait := map[string]int{"A": 3, "B": 2, "C": 1, "D": 0}
	wantEff := map[string]int{"A": 6, "B": 7, "C": 9, "D": 2}
	for id, want := range wantWait {
		j, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if j.WaitingTime != want {
			t.Errorf("%s waiting_time = %d, want %d", id, j.WaitingTime, want)
		}
		if j.EffectivePriority() != wantEff[id] {
			t.Errorf("%s effective priority = %d, want %d", id, j.EffectivePriority(), wantEff[id])
		}
	}

	// Claim order follows effective priority: C, B, A, D.
	for _, want := range []string{"C", "B", "A", "D"} {
		j, err := s.Claim(ctx, "worker-test")
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if j == nil {
			t.Fatalf("Claim returned nil, want %s", want)
		}
		if j.ID != want {
			t.Errorf("claimed %s, want %s", j.ID, want)
		}
	}
}

func TestClaimAtMostOneWinner(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("contested", 5))

	const claimers = 16
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := workerName(n)
			j, err := s.Claim(ctx, workerID)
			if err != nil {
				t.Errorf("Claim(%s): %v", workerID, err)
				return
			}
			if j != nil {
				winners <- workerID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("claim winners = %v, want exactly one", won)
	}

	j, _ := s.Get(ctx, "contested")
	if j.State != queue.StateProcessing {
		t.Errorf("state = %q, want processing", j.State)
	}
	if j.LockedBy == nil || *j.LockedBy != won[0] {
		t.Errorf("locked_by = %v, want %s", j.LockedBy, won[0])
	}
	if j.LockedAt == nil {
		t.Error("locked_at should be set while processing")
	}
}

func workerName(n int) string {
	return "worker-" + string(rune('a'+n))
}

func TestClaimEmptyQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	j, err := s.Claim(context.Background(), "worker-idle")
	if err != nil {
		t.Fatalf("Claim on empty queue: %v", err)
	}
	if j != nil {
		t.Fatalf("Claim on empty queue returned %+v, want nil", j)
	}
}

func TestClaimHonorsBackoffSchedule(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("retry-me", 5))
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.SettleFailure(ctx, "retry-me", "exit code 1", 0.1); err != nil {
		t.Fatalf("SettleFailure: %v", err)
	}

	// Backoff has not elapsed (base 2, attempt 1 → +2s): not claimable.
	j, err := s.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("Claim during backoff: %v", err)
	}
	if j != nil {
		t.Fatalf("claimed %s during backoff window", j.ID)
	}

	forceRetryDue(t, s, "retry-me")

	j, err = s.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("Claim after backoff: %v", err)
	}
	if j == nil {
		t.Fatal("job not claimable after next_retry_at elapsed")
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (preserved across retry)", j.Attempts)
	}
	if j.State != queue.StateProcessing {
		t.Errorf("state = %q, want processing", j.State)
	}
}

func TestSettleSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("ok", 5))
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.SettleSuccess(ctx, "ok", "hello", 0.42); err != nil {
		t.Fatalf("SettleSuccess: %v", err)
	}

	j, _ := s.Get(ctx, "ok")
	if j.State != queue.StateCompleted {
		t.Errorf("state = %q, want completed", j.State)
	}
	if j.Output == nil || *j.Output != "hello" {
		t.Errorf("output = %v, want hello", j.Output)
	}
	if j.ExecutionTime == nil || *j.ExecutionTime != 0.42 {
		t.Errorf("execution_time = %v, want 0.42", j.ExecutionTime)
	}
	if j.LockedBy != nil || j.LockedAt != nil {
		t.Error("lock fields should be cleared after settle")
	}

	// Second settle of the same attempt: rejected, record unchanged.
	err := s.SettleSuccess(ctx, "ok", "late duplicate", 9.9)
	if !errors.Is(err, queue.ErrJobState) {
		t.Fatalf("double settle error = %v, want ErrJobState", err)
	}
	j, _ = s.Get(ctx, "ok")
	if *j.Output != "hello" {
		t.Errorf("output overwritten by rejected settle: %q", *j.Output)
	}

	if err := s.SettleSuccess(ctx, "ghost", "", 0); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("settle unknown id error = %v, want ErrJobNotFound", err)
	}
}

func TestSettleFailureLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := newJob("flaky", 5)
	job.MaxRetries = 1
	mustEnqueue(t, s, job)

	// First failure: retry scheduled ~2s out, lock cleared.
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	before := time.Now()
	if err := s.SettleFailure(ctx, "flaky", "exit code 2: oops", 0.05); err != nil {
		t.Fatalf("SettleFailure: %v", err)
	}
	j, _ := s.Get(ctx, "flaky")
	if j.State != queue.StateFailed {
		t.Errorf("state = %q, want failed", j.State)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.ErrorMessage == nil || *j.ErrorMessage != "exit code 2: oops" {
		t.Errorf("error_message = %v", j.ErrorMessage)
	}
	if j.NextRetryAt == nil {
		t.Fatal("next_retry_at should be scheduled")
	}
	delay := j.NextRetryAt.Sub(before)
	if delay < time.Second || delay > 3*time.Second {
		t.Errorf("retry delay = %v, want ~2s", delay)
	}
	if j.LockedBy != nil || j.LockedAt != nil {
		t.Error("lock fields should be cleared after failure settle")
	}

	// Second failure exhausts max_retries=1: dead, nothing scheduled.
	forceRetryDue(t, s, "flaky")
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.SettleFailure(ctx, "flaky", "exit code 2: oops again", 0.05); err != nil {
		t.Fatalf("SettleFailure: %v", err)
	}
	j, _ = s.Get(ctx, "flaky")
	if j.State != queue.StateDead {
		t.Errorf("state = %q, want dead", j.State)
	}
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
	if j.NextRetryAt != nil {
		t.Error("dead job must not have next_retry_at")
	}

	// Settling a non-processing job is a state conflict.
	if err := s.SettleFailure(ctx, "flaky", "again?", 0); !errors.Is(err, queue.ErrJobState) {
		t.Fatalf("settle dead job error = %v, want ErrJobState", err)
	}
	if err := s.SettleFailure(ctx, "ghost", "x", 0); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("settle unknown id error = %v, want ErrJobNotFound", err)
	}
}

func TestRetryDead(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := newJob("doomed", 5)
	job.MaxRetries = 0
	mustEnqueue(t, s, job)
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.SettleFailure(ctx, "doomed", "exit code 1", 0); err != nil {
		t.Fatalf("SettleFailure: %v", err)
	}

	if err := s.RetryDead(ctx, "doomed"); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	j, _ := s.Get(ctx, "doomed")
	if j.State != queue.StatePending {
		t.Errorf("state = %q, want pending", j.State)
	}
	if j.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after DLQ retry", j.Attempts)
	}
	if j.ErrorMessage != nil || j.NextRetryAt != nil || j.LockedBy != nil {
		t.Errorf("error/schedule/lock fields should be cleared: %+v", j)
	}

	// Only dead jobs can be retried this way.
	if err := s.RetryDead(ctx, "doomed"); !errors.Is(err, queue.ErrJobState) {
		t.Fatalf("RetryDead on pending job = %v, want ErrJobState", err)
	}
	if err := s.RetryDead(ctx, "ghost"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("RetryDead on unknown id = %v, want ErrJobNotFound", err)
	}
}

func TestListAndCounts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("one", 5))
	mustEnqueue(t, s, newJob("two", 5))
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	all, err := s.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d jobs, want 2", len(all))
	}

	processing, err := s.List(ctx, store.Filter{State: queue.StateProcessing})
	if err != nil {
		t.Fatalf("List(processing): %v", err)
	}
	if len(processing) != 1 {
		t.Fatalf("List(processing) returned %d jobs, want 1", len(processing))
	}

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[queue.StatePending] != 1 || counts[queue.StateProcessing] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("gone", 5))

	removed, err := s.Remove(ctx, "gone")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Error("Remove should report true for an existing job")
	}

	// Removing an unknown id is a no-op, not an error.
	removed, err = s.Remove(ctx, "gone")
	if err != nil {
		t.Fatalf("Remove(missing): %v", err)
	}
	if removed {
		t.Error("Remove should report false for a missing job")
	}

	mustEnqueue(t, s, newJob("a", 5))
	mustEnqueue(t, s, newJob("b", 5))
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	all, _ := s.List(ctx, store.Filter{})
	if len(all) != 0 {
		t.Errorf("jobs remain after Clear: %d", len(all))
	}
}

func TestClearDead(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		job := newJob(id, 5)
		job.MaxRetries = 0
		mustEnqueue(t, s, job)
		if _, err := s.Claim(ctx, "w1"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := s.SettleFailure(ctx, id, "exit code 1", 0); err != nil {
			t.Fatalf("SettleFailure(%s): %v", id, err)
		}
	}
	mustEnqueue(t, s, newJob("alive", 5))

	n, err := s.ClearDead(ctx)
	if err != nil {
		t.Fatalf("ClearDead: %v", err)
	}
	if n != 2 {
		t.Errorf("ClearDead removed %d, want 2", n)
	}
	j, _ := s.Get(ctx, "alive")
	if j == nil {
		t.Error("ClearDead must not touch non-dead jobs")
	}
}

func TestReleaseStale(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, newJob("stuck", 5))
	mustEnqueue(t, s, newJob("fresh", 5))
	if _, err := s.Claim(ctx, "w-crashed"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := s.Claim(ctx, "w-busy"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Backdate one lock to simulate a crashed worker.
	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET locked_at = now() - interval '10 minutes' WHERE id = 'stuck'`); err != nil {
		t.Fatalf("backdate locked_at: %v", err)
	}

	n, err := s.ReleaseStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReleaseStale released %d, want 1", n)
	}

	stuck, _ := s.Get(ctx, "stuck")
	if stuck.State != queue.StatePending || stuck.LockedBy != nil {
		t.Errorf("stuck job not released: state=%s locked_by=%v", stuck.State, stuck.LockedBy)
	}
	fresh, _ := s.Get(ctx, "fresh")
	if fresh.State != queue.StateProcessing {
		t.Errorf("fresh lock must survive: state=%s", fresh.State)
	}
}
