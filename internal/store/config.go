package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Soumish2004/Flam-QueueCTL/internal/queue"
)

// Config-table keys consulted when an enqueue does not specify a value.
const (
	ConfigMaxRetries  = "max-retries"
	ConfigBackoffBase = "backoff-base"
)

// SetConfig upserts a configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// GetConfig returns the value for key and whether it was present.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// AllConfig returns the full config table.
func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	cfg := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		cfg[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	return cfg, nil
}

// JobDefaults resolves the engine-wide retry defaults: config-table values
// when present and parseable, compiled-in defaults otherwise.
func (s *Store) JobDefaults(ctx context.Context) (maxRetries, backoffBase int, err error) {
	maxRetries = queue.DefaultMaxRetries
	backoffBase = queue.DefaultBackoffBase

	if v, ok, err := s.GetConfig(ctx, ConfigMaxRetries); err != nil {
		return 0, 0, err
	} else if ok {
		if n, perr := strconv.Atoi(v); perr == nil && n >= 0 {
			maxRetries = n
		}
	}
	if v, ok, err := s.GetConfig(ctx, ConfigBackoffBase); err != nil {
		return 0, 0, err
	} else if ok {
		if n, perr := strconv.Atoi(v); perr == nil && n >= 1 {
			backoffBase = n
		}
	}
	return maxRetries, backoffBase, nil
}
