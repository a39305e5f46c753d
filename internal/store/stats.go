// ABOUTME: Read-only queue statistics for the ops API, dashboards, and the
// ABOUTME: prometheus collectors. Never mutates queue state.
package store

import (
	"context"
	"fmt"
	"time"
)

// KindCounts is the per-status breakdown for one job kind.
type KindCounts struct {
	Kind       Kind  `json:"kind"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// ChannelCounts is the per-status breakdown for one outbox channel.
type ChannelCounts struct {
	Channel    Channel `json:"channel"`
	Pending    int64   `json:"pending"`
	Processing int64   `json:"processing"`
	DeadLetter int64   `json:"dead_letter"`
}

// QueueStats is the operational snapshot served by GET /api/v1/queue/stats.
type QueueStats struct {
	Jobs   []KindCounts    `json:"jobs"`
	Outbox []ChannelCounts `json:"outbox"`

	// Trailing-window figures (window configured via STATS_WINDOW).
	CompletedInWindow  int64 `json:"completed_in_window"`
	DeadLetterInWindow int64 `json:"dead_letter_in_window"`

	// OldestPendingAgeSeconds is 0 when no job is pending.
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
	// P95LatencySeconds is completion latency (completed_at - created_at)
	// over completions inside the window; 0 when there were none.
	P95LatencySeconds float64 `json:"p95_latency_seconds"`
}

const jobCountsSQL = `
SELECT kind,
       count(*) FILTER (WHERE status = 'pending')     AS pending,
       count(*) FILTER (WHERE status = 'processing')  AS processing,
       count(*) FILTER (WHERE status = 'dead_letter') AS dead_letter
FROM jobs
GROUP BY kind
ORDER BY kind`

const outboxCountsSQL = `
SELECT channel,
       count(*) FILTER (WHERE status = 'pending')     AS pending,
       count(*) FILTER (WHERE status = 'processing')  AS processing,
       count(*) FILTER (WHERE status = 'dead_letter') AS dead_letter
FROM outbox_messages
GROUP BY channel
ORDER BY channel`

const windowCountsSQL = `
SELECT count(*) FILTER (WHERE status = 'completed'
           AND completed_at > now() - ($1::bigint * interval '1 second')),
       count(*) FILTER (WHERE status = 'dead_letter'
           AND dead_letter_at > now() - ($1::bigint * interval '1 second'))
FROM jobs`

const oldestPendingSQL = `
SELECT COALESCE(extract(epoch FROM now() - min(created_at)), 0)
FROM jobs
WHERE status = 'pending'`

const p95LatencySQL = `
SELECT COALESCE(
    percentile_cont(0.95) WITHIN GROUP (
        ORDER BY extract(epoch FROM completed_at - created_at)), 0)
FROM jobs
WHERE status = 'completed'
  AND completed_at > now() - ($1::bigint * interval '1 second')`

// GetQueueStats returns the full operational snapshot.
func (s *Store) GetQueueStats(ctx context.Context, window time.Duration) (*QueueStats, error) {
	stats := &QueueStats{}
	secs := int64(window.Seconds())

	rows, err := s.pool.Query(ctx, jobCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("queue stats: job counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kc KindCounts
		if err := rows.Scan(&kc.Kind, &kc.Pending, &kc.Processing, &kc.DeadLetter); err != nil {
			return nil, fmt.Errorf("queue stats: job counts: %w", err)
		}
		stats.Jobs = append(stats.Jobs, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: job counts: %w", err)
	}
	rows.Close()

	rows, err = s.pool.Query(ctx, outboxCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("queue stats: outbox counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cc ChannelCounts
		if err := rows.Scan(&cc.Channel, &cc.Pending, &cc.Processing, &cc.DeadLetter); err != nil {
			return nil, fmt.Errorf("queue stats: outbox counts: %w", err)
		}
		stats.Outbox = append(stats.Outbox, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: outbox counts: %w", err)
	}
	rows.Close()

	if err := s.pool.QueryRow(ctx, windowCountsSQL, secs).
		Scan(&stats.CompletedInWindow, &stats.DeadLetterInWindow); err != nil {
		return nil, fmt.Errorf("queue stats: window counts: %w", err)
	}
	if err := s.pool.QueryRow(ctx, oldestPendingSQL).
		Scan(&stats.OldestPendingAgeSeconds); err != nil {
		return nil, fmt.Errorf("queue stats: oldest pending: %w", err)
	}
	if err := s.pool.QueryRow(ctx, p95LatencySQL, secs).
		Scan(&stats.P95LatencySeconds); err != nil {
		return nil, fmt.Errorf("queue stats: p95 latency: %w", err)
	}
	return stats, nil
}
