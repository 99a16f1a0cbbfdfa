// Package store is the data access layer: a Postgres-backed job table, the
// flat key/value config table, and the worker process registry. It is the
// only shared mutable resource in the system — workers and the CLI
// coordinate exclusively through it, never through in-memory state.
//
// Simple reads use squirrel-built queries on the pgx pool; the claim and
// settle paths use single conditional statements (or a pgx transaction) so
// that each mutation is one atomic unit even under concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (currently only tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// noRows reports whether err means "query matched nothing".
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
