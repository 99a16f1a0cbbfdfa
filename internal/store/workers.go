package store

import (
	"context"
	"fmt"
	"time"
)

// WorkerInfo is one row of the worker process registry. The registry records
// which detached worker processes were started; it owns no job data.
type WorkerInfo struct {
	ID        string
	PID       int
	StartedAt time.Time
}

// AddWorker registers a started worker process.
func (s *Store) AddWorker(ctx context.Context, id string, pid int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workers (worker_id, pid) VALUES ($1, $2)`, id, pid)
	if err != nil {
		return fmt.Errorf("add worker %s: %w", id, err)
	}
	return nil
}

// ListWorkers returns all registered workers, oldest first. Entries may be
// stale — a worker killed out-of-band leaves its row behind until the
// supervisor prunes it.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, pid, started_at FROM workers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.ID, &w.PID, &w.StartedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// RemoveWorkers deletes the given registry entries. Unknown ids are ignored.
func (s *Store) RemoveWorkers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workers WHERE worker_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("remove workers: %w", err)
	}
	return nil
}
