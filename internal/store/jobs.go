package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
)

// jobColumns is the canonical column order used by every job SELECT and
// RETURNING clause; scanJob must match it.
const jobColumns = `id, command, state, attempts, max_retries, timeout,
	backoff_base, priority, waiting_time, created_at, updated_at,
	next_retry_at, error_message, output, execution_time, locked_by, locked_at`

// psql builds queries with Postgres $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	err := row.Scan(
		&j.ID, &j.Command, &j.State, &j.Attempts, &j.MaxRetries, &j.Timeout,
		&j.BackoffBase, &j.Priority, &j.WaitingTime, &j.CreatedAt, &j.UpdatedAt,
		&j.NextRetryAt, &j.ErrorMessage, &j.Output, &j.ExecutionTime,
		&j.LockedBy, &j.LockedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a new pending job. In the same transaction, the
// waiting_time of every pending and failed job is incremented first — queue
// age is measured in enqueue events, not wall-clock time, so this joint
// update is what makes the anti-starvation policy meaningful.
// Returns queue.ErrDuplicateID if the id is already taken.
func (s *Store) Enqueue(ctx context.Context, j *queue.Job) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET waiting_time = waiting_time + 1, updated_at = now()
			WHERE state IN ('pending', 'failed')`,
		); err != nil {
			return fmt.Errorf("age queue: %w", err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, command, state, attempts, max_retries,
				timeout, backoff_base, priority, waiting_time)
			VALUES ($1, $2, 'pending', 0, $3, $4, $5, $6, 0)`,
			j.ID, j.Command, j.MaxRetries, j.Timeout, j.BackoffBase, j.Priority,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return queue.ErrDuplicateID
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			return err
		}
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	return nil
}

// Claim atomically hands the best claimable job to workerID: among unclaimed
// pending jobs and failed jobs whose backoff has elapsed, the highest
// effective priority (priority + waiting_time) wins, ties broken by oldest
// created_at. Selection and lock acquisition are a single statement — the
// inner SELECT takes a row lock with SKIP LOCKED and the UPDATE re-checks
// locked_by IS NULL, so at most one concurrent caller can claim a given job.
// Returns (nil, nil) when no job is available; that is not an error.
func (s *Store) Claim(ctx context.Context, workerID string) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'processing',
		    locked_by = $1,
		    locked_at = now(),
		    updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE state IN ('pending', 'failed')
			  AND locked_by IS NULL
			  AND (state = 'pending' OR next_retry_at <= now())
			ORDER BY (priority + waiting_time) DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		AND locked_by IS NULL
		RETURNING `+jobColumns,
		workerID,
	)
	j, err := scanJob(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return j, nil
}

// SettleSuccess transitions a processing job to completed, recording its
// output and execution time and clearing the lock fields. Settling a job
// that is not processing returns queue.ErrJobState (second settle of the
// same attempt, or a lost race); an unknown id returns queue.ErrJobNotFound.
func (s *Store) SettleSuccess(ctx context.Context, id, output string, execTime float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'completed',
		    output = $2,
		    execution_time = $3,
		    locked_by = NULL,
		    locked_at = NULL,
		    next_retry_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND state = 'processing'`,
		id, output, execTime,
	)
	if err != nil {
		return fmt.Errorf("settle success %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.settleConflict(ctx, id)
	}
	return nil
}

// SettleFailure advances a processing job through the retry state machine:
// the attempt counter increments, and the job either schedules a retry with
// exponential backoff or moves to the dead-letter queue when its retries are
// exhausted. Lock fields are cleared on both paths. Error semantics match
// SettleSuccess.
func (s *Store) SettleFailure(ctx context.Context, id, errMsg string, execTime float64) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var state queue.State
		var attempts, maxRetries, backoffBase int
		err := tx.QueryRow(ctx, `
			SELECT state, attempts, max_retries, backoff_base
			FROM jobs WHERE id = $1
			FOR UPDATE`,
			id,
		).Scan(&state, &attempts, &maxRetries, &backoffBase)
		if noRows(err) {
			return queue.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if state != queue.StateProcessing {
			return queue.ErrJobState
		}

		out := queue.SettleFailure(attempts, maxRetries, backoffBase, time.Now().UTC(), errMsg)
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET state = $2,
			    attempts = $3,
			    next_retry_at = $4,
			    error_message = $5,
			    execution_time = $6,
			    locked_by = NULL,
			    locked_at = NULL,
			    updated_at = now()
			WHERE id = $1`,
			id, out.State, out.Attempts, out.NextRetryAt, out.ErrorMessage, execTime,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrJobState) {
			return err
		}
		return fmt.Errorf("settle failure %s: %w", id, err)
	}
	return nil
}

// settleConflict turns a zero-row settle into the right sentinel error.
func (s *Store) settleConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrJobState
}

// Get returns the job with the given id, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return j, nil
}

// Filter narrows List results. The zero value lists everything.
type Filter struct {
	State queue.State
}

// List returns jobs newest-first, optionally filtered by state. Reads take
// no exclusive locks and proceed concurrently with claims.
func (s *Store) List(ctx context.Context, f Filter) ([]*queue.Job, error) {
	b := psql.Select(jobColumns).From("jobs").OrderBy("created_at DESC")
	if f.State != "" {
		b = b.Where(sq.Eq{"state": f.State})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CountByState returns the number of jobs in each state.
func (s *Store) CountByState(ctx context.Context) (map[queue.State]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.State]int)
	for rows.Next() {
		var state queue.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	return counts, nil
}

// Remove deletes a job regardless of state. Reports whether a row existed;
// removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Clear deletes every job. Administrative; mainly for tests and resets.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

// ListDead returns the dead-letter queue: the DLQ is not a separate
// structure, just the set of jobs in the dead state.
func (s *Store) ListDead(ctx context.Context) ([]*queue.Job, error) {
	return s.List(ctx, Filter{State: queue.StateDead})
}

// RetryDead moves a dead job back to pending with a fresh attempt budget,
// clearing the error, schedule, and lock fields. Returns queue.ErrJobNotFound
// for an unknown id and queue.ErrJobState if the job is not dead.
func (s *Store) RetryDead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'pending',
		    attempts = 0,
		    error_message = NULL,
		    next_retry_at = NULL,
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND state = 'dead'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("retry dead %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.settleConflict(ctx, id)
	}
	return nil
}

// ClearDead deletes every job in the dead-letter queue and returns how many
// were removed.
func (s *Store) ClearDead(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE state = 'dead'`)
	if err != nil {
		return 0, fmt.Errorf("clear dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseStale resets processing jobs whose lock is older than olderThan
// back to pending, so work orphaned by a crashed worker can be claimed
// again. This is an operator action — nothing runs it automatically, because
// a long-running job is indistinguishable from a dead worker by lock age
// alone. Returns the number of jobs released.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'pending',
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = now()
		WHERE state = 'processing' AND locked_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
