// ABOUTME: Store methods for outbox_messages: transactional enqueue plus the
// ABOUTME: same claim/complete/fail lifecycle as jobs, scoped per channel.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `id, channel, payload, status, attempts, max_attempts,
	locked_at, locked_by, last_error, correlation_id,
	run_at, created_at, processed_at, dead_letter_at`

// EnqueueOutboxParams holds the fields for inserting a new outbox message.
type EnqueueOutboxParams struct {
	Channel       Channel
	Payload       []byte
	CorrelationID string
	MaxAttempts   int32
	RunAt         *time.Time
}

const enqueueOutboxSQL = `
INSERT INTO outbox_messages (channel, payload, correlation_id, max_attempts, run_at)
VALUES ($1, $2, $3, $4, COALESCE($5, now()))
RETURNING id`

// EnqueueOutboxTx inserts an outbox message on the caller's transaction. This
// is the transactional-outbox write path: the message commits or rolls back
// together with the business change that necessitates the side effect, so the
// effect is never silently lost to a crash between write and dispatch.
func (s *Store) EnqueueOutboxTx(ctx context.Context, tx pgx.Tx, p EnqueueOutboxParams) (uuid.UUID, error) {
	if !ValidChannel(p.Channel) {
		return uuid.Nil, fmt.Errorf("enqueue outbox: channel %q: %w", p.Channel, ErrUnknownChannel)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 5
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	var id uuid.UUID
	err := tx.QueryRow(ctx, enqueueOutboxSQL,
		string(p.Channel), payload, p.CorrelationID, p.MaxAttempts, p.RunAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// EnqueueOutbox is the non-transactional convenience wrapper for producers
// that have no surrounding business write.
func (s *Store) EnqueueOutbox(ctx context.Context, p EnqueueOutboxParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.Tx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = s.EnqueueOutboxTx(ctx, tx, p)
		return err
	})
	return id, err
}

const reapStaleOutboxSQL = `
UPDATE outbox_messages
SET status = 'pending', locked_at = NULL, locked_by = NULL
WHERE channel = $1 AND status = 'processing'
  AND locked_at < now() - ($2::bigint * interval '1 second')`

const claimOutboxSQL = `
UPDATE outbox_messages m
SET status = 'processing', locked_at = now(), locked_by = $2, attempts = m.attempts + 1
FROM (
    SELECT id FROM outbox_messages
    WHERE channel = $1 AND status = 'pending' AND run_at <= now()
    ORDER BY created_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
) c
WHERE m.id = c.id
RETURNING m.id, m.channel, m.payload, m.status, m.attempts, m.max_attempts,
	m.locked_at, m.locked_by, m.last_error, m.correlation_id,
	m.run_at, m.created_at, m.processed_at, m.dead_letter_at`

// ClaimOutbox atomically claims up to batchSize pending messages on the given
// channel for workerID, after releasing any stale locks on that channel.
// Outbox dispatch is FIFO within a channel. Same mutual-exclusion guarantee
// as ClaimJobs.
func (s *Store) ClaimOutbox(ctx context.Context, channel Channel, workerID string, batchSize int, lockTimeout time.Duration) ([]OutboxMessage, error) {
	if !ValidChannel(channel) {
		return nil, fmt.Errorf("claim outbox: channel %q: %w", channel, ErrUnknownChannel)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("claim outbox: %w", ErrBadBatchSize)
	}
	if lockTimeout <= 0 {
		return nil, fmt.Errorf("claim outbox: %w", ErrBadLockTimeout)
	}

	var msgs []OutboxMessage
	err := s.Tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, reapStaleOutboxSQL, string(channel), int64(lockTimeout.Seconds())); err != nil {
			return fmt.Errorf("reap stale: %w", err)
		}
		rows, err := tx.Query(ctx, claimOutboxSQL, string(channel), workerID, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanOutboxMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return msgs, nil
}

const completeOutboxSQL = `
UPDATE outbox_messages
SET status = 'completed', processed_at = now(), locked_at = NULL, locked_by = NULL
WHERE id = $1 AND status = 'processing'`

// CompleteOutbox marks a message as dispatched. Idempotent on terminal rows.
func (s *Store) CompleteOutbox(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, completeOutboxSQL, id); err != nil {
		return fmt.Errorf("complete outbox %s: %w", id, err)
	}
	return nil
}

const failOutboxSQL = `
UPDATE outbox_messages
SET status         = CASE WHEN attempts >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
    dead_letter_at = CASE WHEN attempts >= max_attempts THEN now() ELSE dead_letter_at END,
    run_at         = CASE WHEN attempts >= max_attempts THEN run_at
                          ELSE now() + ($3::bigint * interval '1 second') END,
    locked_at  = NULL,
    locked_by  = NULL,
    last_error = $2
WHERE id = $1 AND status = 'processing'`

// FailOutbox records a dispatch failure: requeue with backoff while attempts
// remain, dead_letter once the budget is spent. The row is never deleted;
// attempts and last_error are the audit trail.
func (s *Store) FailOutbox(ctx context.Context, id uuid.UUID, errMsg string, backoff time.Duration) error {
	if _, err := s.pool.Exec(ctx, failOutboxSQL, id, errMsg, int64(backoff.Seconds())); err != nil {
		return fmt.Errorf("fail outbox %s: %w", id, err)
	}
	return nil
}

const deadLetterOutboxSQL = `
UPDATE outbox_messages
SET status = 'dead_letter', dead_letter_at = now(),
    locked_at = NULL, locked_by = NULL, last_error = $2
WHERE id = $1 AND status = 'processing'`

// DeadLetterOutbox moves a processing message straight to dead_letter,
// bypassing the remaining retry budget. Used for permanent sender failures.
func (s *Store) DeadLetterOutbox(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := s.pool.Exec(ctx, deadLetterOutboxSQL, id, errMsg); err != nil {
		return fmt.Errorf("dead letter outbox %s: %w", id, err)
	}
	return nil
}

const replayOutboxSQL = `
UPDATE outbox_messages
SET status = 'pending', attempts = 0, run_at = now(),
    dead_letter_at = NULL, locked_at = NULL, locked_by = NULL
WHERE id = $1 AND status IN ('dead_letter', 'failed')`

// ReplayOutbox resets a dead-lettered message back to pending with a fresh
// retry budget. Returns false if the message was not in a replayable state.
func (s *Store) ReplayOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, replayOutboxSQL, id)
	if err != nil {
		return false, fmt.Errorf("replay outbox %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetOutboxMessage returns the message with the given id, or (nil, nil) if it
// does not exist.
func (s *Store) GetOutboxMessage(ctx context.Context, id uuid.UUID) (*OutboxMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
	m, err := scanOutboxMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox %s: %w", id, err)
	}
	return &m, nil
}

// ListOutboxFilter holds the optional filters for ListOutbox.
type ListOutboxFilter struct {
	Channel    Channel
	Status     Status
	CursorTime *time.Time
	CursorID   *uuid.UUID
	Limit      int
}

// ListOutbox returns outbox messages ordered by (created_at DESC, id DESC)
// with keyset pagination.
func (s *Store) ListOutbox(ctx context.Context, f ListOutboxFilter) ([]OutboxMessage, error) {
	limit := f.Limit
	if limit < 1 || limit > 200 {
		limit = 50
	}
	b := sq.Select("id", "channel", "payload", "status", "attempts", "max_attempts",
		"locked_at", "locked_by", "last_error", "correlation_id",
		"run_at", "created_at", "processed_at", "dead_letter_at").
		From("outbox_messages").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)). //nolint:gosec // G115: bounded above
		PlaceholderFormat(sq.Dollar)
	if f.Channel != "" {
		b = b.Where(sq.Eq{"channel": string(f.Channel)})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.CursorTime != nil && f.CursorID != nil {
		b = b.Where(sq.Expr("(created_at, id) < (?, ?)", *f.CursorTime, *f.CursorID))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list outbox: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanOutboxMessage(row pgx.Row) (OutboxMessage, error) {
	var m OutboxMessage
	err := row.Scan(
		&m.ID, &m.Channel, &m.Payload, &m.Status, &m.Attempts, &m.MaxAttempts,
		&m.LockedAt, &m.LockedBy, &m.LastError, &m.CorrelationID,
		&m.RunAt, &m.CreatedAt, &m.ProcessedAt, &m.DeadLetterAt,
	)
	return m, err
}
