// ABOUTME: Store methods for the jobs table: enqueue, claim, complete, fail.
// ABOUTME: Claim reaps stale locks and uses FOR UPDATE SKIP LOCKED in one tx.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, kind, payload, priority, status, attempts, max_attempts,
	locked_at, locked_by, last_error, idempotency_key, import_run_id,
	run_at, created_at, completed_at, dead_letter_at`

// EnqueueJobParams holds the fields for inserting a new job.
type EnqueueJobParams struct {
	Kind        Kind
	Payload     []byte
	Priority    int32
	MaxAttempts int32
	// IdempotencyKey is stored for consumer-side dedup. Enqueue is deliberately
	// NOT idempotent: the same key inserts a second row. Consumers must check
	// the key before doing real work. This asymmetry keeps the enqueue path a
	// single unconditional insert.
	IdempotencyKey *string
	ImportRunID    *uuid.UUID
	RunAt          *time.Time // nil means eligible immediately
}

const enqueueJobSQL = `
INSERT INTO jobs (kind, payload, priority, max_attempts, idempotency_key, import_run_id, run_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
RETURNING id`

// EnqueueJob inserts a new pending job and returns its ID.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (uuid.UUID, error) {
	if !ValidKind(p.Kind) {
		return uuid.Nil, fmt.Errorf("enqueue job: kind %q: %w", p.Kind, ErrUnknownKind)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, enqueueJobSQL,
		string(p.Kind), payload, p.Priority, p.MaxAttempts,
		p.IdempotencyKey, p.ImportRunID, p.RunAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// reapStaleJobsSQL returns jobs whose claim outlived the lock timeout to
// pending. Run inside the claim transaction so abandoned work becomes
// eligible before the eligible-row selection.
const reapStaleJobsSQL = `
UPDATE jobs
SET status = 'pending', locked_at = NULL, locked_by = NULL
WHERE kind = $1 AND status = 'processing'
  AND locked_at < now() - ($2::bigint * interval '1 second')`

// claimJobsSQL atomically claims up to $3 eligible rows. The inner SELECT
// orders by priority DESC, created_at ASC and skips rows already locked by a
// concurrent claimer, so no two callers ever receive the same row.
const claimJobsSQL = `
UPDATE jobs j
SET status = 'processing', locked_at = now(), locked_by = $2, attempts = j.attempts + 1
FROM (
    SELECT id FROM jobs
    WHERE kind = $1 AND status = 'pending' AND run_at <= now()
    ORDER BY priority DESC, created_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
) c
WHERE j.id = c.id
RETURNING j.id, j.kind, j.payload, j.priority, j.status, j.attempts, j.max_attempts,
	j.locked_at, j.locked_by, j.last_error, j.idempotency_key, j.import_run_id,
	j.run_at, j.created_at, j.completed_at, j.dead_letter_at`

// ClaimJobs atomically claims up to batchSize pending jobs of the given kind
// for workerID. Any processing row of this kind whose locked_at is older than
// lockTimeout is first released back to pending (crash recovery). Returns the
// claimed rows in priority DESC, created_at ASC order; an empty slice when no
// work is eligible.
func (s *Store) ClaimJobs(ctx context.Context, kind Kind, workerID string, batchSize int, lockTimeout time.Duration) ([]Job, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("claim jobs: kind %q: %w", kind, ErrUnknownKind)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("claim jobs: %w", ErrBadBatchSize)
	}
	if lockTimeout <= 0 {
		return nil, fmt.Errorf("claim jobs: %w", ErrBadLockTimeout)
	}

	var jobs []Job
	err := s.Tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, reapStaleJobsSQL, string(kind), int64(lockTimeout.Seconds())); err != nil {
			return fmt.Errorf("reap stale: %w", err)
		}
		rows, err := tx.Query(ctx, claimJobsSQL, string(kind), workerID, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	// UPDATE ... RETURNING does not guarantee row order; restore the hand-out order.
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

const completeJobSQL = `
UPDATE jobs
SET status = 'completed', completed_at = now(), locked_at = NULL, locked_by = NULL
WHERE id = $1 AND status = 'processing'`

// CompleteJob marks a job as succeeded and releases its lock. Idempotent:
// a second call finds the row already terminal and is a no-op.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, completeJobSQL, id); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// failJobSQL requeues or dead-letters depending on the retry budget. attempts
// was already incremented at claim time, so attempts >= max_attempts means the
// budget is spent.
const failJobSQL = `
UPDATE jobs
SET status         = CASE WHEN attempts >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
    dead_letter_at = CASE WHEN attempts >= max_attempts THEN now() ELSE dead_letter_at END,
    run_at         = CASE WHEN attempts >= max_attempts THEN run_at
                          ELSE now() + ($3::bigint * interval '1 second') END,
    locked_at  = NULL,
    locked_by  = NULL,
    last_error = $2
WHERE id = $1 AND status = 'processing'`

// FailJob records a processing failure. If the job has attempts remaining it
// returns to pending with run_at pushed out by backoff; otherwise it moves to
// dead_letter. Guarded by status = 'processing', so a call against a row that
// no longer holds an active claim is a defensive no-op.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string, backoff time.Duration) error {
	if _, err := s.pool.Exec(ctx, failJobSQL, id, errMsg, int64(backoff.Seconds())); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

const deadLetterJobSQL = `
UPDATE jobs
SET status = 'dead_letter', dead_letter_at = now(),
    locked_at = NULL, locked_by = NULL, last_error = $2
WHERE id = $1 AND status = 'processing'`

// DeadLetterJob moves a processing job straight to dead_letter, bypassing the
// remaining retry budget. Used for permanent (validation) failures.
func (s *Store) DeadLetterJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := s.pool.Exec(ctx, deadLetterJobSQL, id, errMsg); err != nil {
		return fmt.Errorf("dead letter job %s: %w", id, err)
	}
	return nil
}

const replayJobSQL = `
UPDATE jobs
SET status = 'pending', attempts = 0, run_at = now(),
    dead_letter_at = NULL, locked_at = NULL, locked_by = NULL
WHERE id = $1 AND status IN ('dead_letter', 'failed')`

// ReplayJob resets a dead-lettered or cancelled job back to pending with a
// fresh retry budget. last_error is kept for audit. Returns false if the job
// was not in a replayable state.
func (s *Store) ReplayJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, replayJobSQL, id)
	if err != nil {
		return false, fmt.Errorf("replay job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

const cancelJobSQL = `
UPDATE jobs
SET status = 'failed', last_error = COALESCE($2, last_error)
WHERE id = $1 AND status = 'pending'`

// CancelJob marks a pending job as failed so it will never be claimed.
// Returns false if the job was not pending.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	tag, err := s.pool.Exec(ctx, cancelJobSQL, id, r)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetJob returns the job with the given id, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// ListJobsFilter holds the optional filters for ListJobs.
type ListJobsFilter struct {
	Kind   Kind
	Status Status
	// Keyset cursor: return rows strictly older than (CursorTime, CursorID).
	CursorTime *time.Time
	CursorID   *uuid.UUID
	Limit      int
}

// ListJobs returns jobs ordered by (created_at DESC, id DESC) with keyset
// pagination, filtered by kind and status when set.
func (s *Store) ListJobs(ctx context.Context, f ListJobsFilter) ([]Job, error) {
	limit := f.Limit
	if limit < 1 || limit > 200 {
		limit = 50
	}
	b := sq.Select("id", "kind", "payload", "priority", "status", "attempts", "max_attempts",
		"locked_at", "locked_by", "last_error", "idempotency_key", "import_run_id",
		"run_at", "created_at", "completed_at", "dead_letter_at").
		From("jobs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)). //nolint:gosec // G115: bounded above
		PlaceholderFormat(sq.Dollar)
	if f.Kind != "" {
		b = b.Where(sq.Eq{"kind": string(f.Kind)})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.CursorTime != nil && f.CursorID != nil {
		b = b.Where(sq.Expr("(created_at, id) < (?, ?)", *f.CursorTime, *f.CursorID))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// rollbackJobsForRunSQL covers in-flight rows too: a processing job loses its
// lock here, and the holder's later CompleteJob/FailJob no-op on the
// status = 'processing' guard.
const rollbackJobsForRunSQL = `
UPDATE jobs
SET status = 'rolled_back', locked_at = NULL, locked_by = NULL,
    last_error = COALESCE(last_error, 'import run rolled back')
WHERE import_run_id = $1 AND status IN ('pending', 'processing', 'dead_letter', 'failed')`

// CountJobsForImportRun returns the number of jobs attributed to the run.
func (s *Store) CountJobsForImportRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE import_run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs for run %s: %w", runID, err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LockedAt, &j.LockedBy, &j.LastError, &j.IdempotencyKey, &j.ImportRunID,
		&j.RunAt, &j.CreatedAt, &j.CompletedAt, &j.DeadLetterAt,
	)
	return j, err
}
