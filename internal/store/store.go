// Package store is the data access layer for all queue state: the job queue,
// the transactional outbox, the import-run idempotency ledger, and the worker
// heartbeat registry. Everything runs on *pgxpool.Pool directly — claim paths
// need pgx native transactions for FOR UPDATE SKIP LOCKED.
//
// The database is the single source of truth. Workers keep no mutable queue
// state across poll cycles; every invariant is recoverable by re-reading
// these tables after a crash.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Validation errors. Fatal to the caller; never retried by the queue.
var (
	ErrUnknownKind    = errors.New("unknown job kind")
	ErrUnknownChannel = errors.New("unknown outbox channel")
	ErrBadBatchSize   = errors.New("batch size must be >= 1")
	ErrBadLockTimeout = errors.New("lock timeout must be > 0")
)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations (health checks, custom transactions around EnqueueOutboxTx).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Tx runs fn inside a pgx transaction. The transaction is committed if fn
// returns nil, rolled back otherwise. Producers use this to insert outbox
// messages atomically with the business write that requires them.
func (s *Store) Tx(ctx context.Context, fn func(pgx.Tx) error) error {
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

// permanentError marks a handler/sender failure as non-retryable. The worker
// and relay dead-letter the row immediately instead of counting the failure
// toward max_attempts.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the claim loop skips retries and dead-letters the
// item directly. Use for validation failures: malformed payload, unknown
// destination, non-retryable upstream rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) came from Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
