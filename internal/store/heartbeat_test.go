// ABOUTME: Integration tests for store/heartbeat.go — liveness upsert, stale
// ABOUTME: detection, and dead-worker lock reaping.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/caseq/caseq/internal/store"
	"github.com/caseq/caseq/internal/testutil"
)

// backdateHeartbeat rewrites last_seen_at so staleness checks fire.
func backdateHeartbeat(t *testing.T, s *store.Store, ctx context.Context, workerID string, age time.Duration) {
	t.Helper()
	_, err := s.Pool().Exec(ctx,
		`UPDATE worker_heartbeats SET last_seen_at = now() - ($2::bigint * interval '1 second') WHERE worker_id = $1`,
		workerID, int64(age.Seconds()))
	if err != nil {
		t.Fatalf("backdateHeartbeat: %v", err)
	}
}

func TestRegisterHeartbeat_UpsertRefreshes(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.RegisterHeartbeat(ctx, "job-abc", "job", "host1", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	backdateHeartbeat(t, s, ctx, "job-abc", time.Hour)

	// Re-registering the same worker must refresh last_seen_at, not add a row.
	if err := s.RegisterHeartbeat(ctx, "job-abc", "job", "host1", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat (second): %v", err)
	}

	workers, err := s.ListWorkers(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("got %d workers, want 1", len(workers))
	}
	if workers[0].Stale {
		t.Error("worker stale after fresh heartbeat")
	}
	if time.Since(workers[0].LastSeenAt) > time.Minute {
		t.Errorf("last_seen_at = %v, want recent", workers[0].LastSeenAt)
	}
}

func TestListWorkers_StaleFlag(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.RegisterHeartbeat(ctx, "job-live", "job", "host1", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	if err := s.RegisterHeartbeat(ctx, "relay-dead", "relay", "host2", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	backdateHeartbeat(t, s, ctx, "relay-dead", 10*time.Minute)

	workers, err := s.ListWorkers(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(workers))
	}
	byID := make(map[string]store.WorkerHeartbeat)
	for _, w := range workers {
		byID[w.WorkerID] = w
	}
	if byID["job-live"].Stale {
		t.Error("job-live flagged stale")
	}
	if !byID["relay-dead"].Stale {
		t.Error("relay-dead not flagged stale")
	}
}

func TestReapDeadWorkerLocks(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Dead worker holds a job lock and an outbox lock.
	jobID := mustEnqueueJob(t, s, ctx, store.EnqueueJobParams{Kind: store.KindEnrich})
	jobs, err := s.ClaimJobs(ctx, store.KindEnrich, "job-dead", 1, time.Hour)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimJobs: %v (%d claimed)", err, len(jobs))
	}
	msgID := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail})
	msgs, err := s.ClaimOutbox(ctx, store.ChannelEmail, "job-dead", 1, time.Hour)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimOutbox: %v (%d claimed)", err, len(msgs))
	}

	// A live worker also holds a lock; it must survive the reap.
	liveJobID := mustEnqueueJob(t, s, ctx, store.EnqueueJobParams{Kind: store.KindOutreach})
	if _, err := s.ClaimJobs(ctx, store.KindOutreach, "job-live", 1, time.Hour); err != nil {
		t.Fatalf("ClaimJobs (live): %v", err)
	}

	if err := s.RegisterHeartbeat(ctx, "job-dead", "job", "host1", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	if err := s.RegisterHeartbeat(ctx, "job-live", "job", "host2", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}
	backdateHeartbeat(t, s, ctx, "job-dead", 10*time.Minute)

	released, err := s.ReapDeadWorkerLocks(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("ReapDeadWorkerLocks: %v", err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2 (one job, one outbox message)", released)
	}

	if got := getJobStatus(t, s, ctx, jobID); got != store.StatusPending {
		t.Errorf("dead worker's job status = %q, want pending", got)
	}
	if got := getOutboxStatus(t, s, ctx, msgID); got != store.StatusPending {
		t.Errorf("dead worker's message status = %q, want pending", got)
	}
	if got := getJobStatus(t, s, ctx, liveJobID); got != store.StatusProcessing {
		t.Errorf("live worker's job status = %q, want processing", got)
	}
}
