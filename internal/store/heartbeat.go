// ABOUTME: Worker heartbeat registry: upsert-on-poll liveness records plus the
// ABOUTME: dead-worker reaper that force-releases locks held by vanished workers.
package store

import (
	"context"
	"fmt"
	"time"
)

const registerHeartbeatSQL = `
INSERT INTO worker_heartbeats (worker_id, worker_type, hostname, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (worker_id) DO UPDATE SET
    worker_type  = EXCLUDED.worker_type,
    hostname     = EXCLUDED.hostname,
    status       = EXCLUDED.status,
    last_seen_at = now()`

// RegisterHeartbeat upserts the worker's liveness record, always refreshing
// last_seen_at. Called on every poll cycle.
func (s *Store) RegisterHeartbeat(ctx context.Context, workerID, workerType, hostname, status string) error {
	if _, err := s.pool.Exec(ctx, registerHeartbeatSQL, workerID, workerType, hostname, status); err != nil {
		return fmt.Errorf("register heartbeat %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns all heartbeat records, most recently seen first, with
// Stale set for workers unseen past staleAfter.
func (s *Store) ListWorkers(ctx context.Context, staleAfter time.Duration) ([]WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, worker_type, hostname, status, started_at, last_seen_at,
		       last_seen_at < now() - ($1::bigint * interval '1 second') AS stale
		FROM worker_heartbeats
		ORDER BY last_seen_at DESC`, int64(staleAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var workers []WorkerHeartbeat
	for rows.Next() {
		var w WorkerHeartbeat
		if err := rows.Scan(&w.WorkerID, &w.WorkerType, &w.Hostname, &w.Status,
			&w.StartedAt, &w.LastSeenAt, &w.Stale); err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// staleWorkerLocksSQL matches processing rows whose owner has not
// heartbeated within the threshold. Releasing by owner liveness lets reaping
// happen before the per-row lock timeout elapses.
const reapDeadWorkerJobsSQL = `
UPDATE jobs
SET status = 'pending', locked_at = NULL, locked_by = NULL
WHERE status = 'processing' AND locked_by IN (
    SELECT worker_id FROM worker_heartbeats
    WHERE last_seen_at < now() - ($1::bigint * interval '1 second'))`

const reapDeadWorkerOutboxSQL = `
UPDATE outbox_messages
SET status = 'pending', locked_at = NULL, locked_by = NULL
WHERE status = 'processing' AND locked_by IN (
    SELECT worker_id FROM worker_heartbeats
    WHERE last_seen_at < now() - ($1::bigint * interval '1 second'))`

// ReapDeadWorkerLocks releases job and outbox locks held by workers whose
// heartbeat is older than staleAfter. Returns the number of rows released.
// Safe to run from multiple processes: the released rows go back to pending
// and the claim path's SKIP LOCKED guarantees single hand-out afterwards.
func (s *Store) ReapDeadWorkerLocks(ctx context.Context, staleAfter time.Duration) (int64, error) {
	secs := int64(staleAfter.Seconds())
	var released int64
	tag, err := s.pool.Exec(ctx, reapDeadWorkerJobsSQL, secs)
	if err != nil {
		return 0, fmt.Errorf("reap dead worker jobs: %w", err)
	}
	released += tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, reapDeadWorkerOutboxSQL, secs)
	if err != nil {
		return released, fmt.Errorf("reap dead worker outbox: %w", err)
	}
	released += tag.RowsAffected()
	return released, nil
}
