// ABOUTME: Tests for the worker pool: backoff shape, batch execution,
// ABOUTME: retry/dead-letter routing, and panic containment.
package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caseq/caseq/internal/store"
	"github.com/caseq/caseq/internal/testutil"
)

func TestBackoff_ExponentialWithJitter(t *testing.T) {
	t.Parallel()

	// base 30s: attempt 1 ∈ [15s, 45s], attempt 3 ∈ [60s, 180s].
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 15 * time.Second, 45 * time.Second},
		{2, 30 * time.Second, 90 * time.Second},
		{3, 60 * time.Second, 180 * time.Second},
		{0, 15 * time.Second, 45 * time.Second}, // clamped to 1
	}
	for _, c := range cases {
		for range 50 {
			d := Backoff(30, c.attempt)
			if d < c.min || d > c.max {
				t.Fatalf("Backoff(30, %d) = %v, want in [%v, %v]", c.attempt, d, c.min, c.max)
			}
		}
	}
}

func TestRegister_PanicsOnUnknownKind(t *testing.T) {
	t.Parallel()
	p := New(nil, Config{})

	defer func() {
		if recover() == nil {
			t.Error("Register with unknown kind did not panic")
		}
	}()
	p.Register("teleport", func(context.Context, store.Job) error { return nil })
}

func TestProcessBatch_CompletesOnSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, store.EnqueueJobParams{Kind: store.KindEnrich})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var handled int
	p := New(s, Config{ClaimBatchSize: 10})
	p.Register(store.KindEnrich, func(_ context.Context, job store.Job) error {
		handled++
		if job.ID != id {
			t.Errorf("handler got job %v, want %v", job.ID, id)
		}
		return nil
	})

	p.processBatch(ctx, store.KindEnrich)

	if handled != 1 {
		t.Fatalf("handler invoked %d times, want 1", handled)
	}
	j, err := s.GetJob(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("GetJob: %v, %v", j, err)
	}
	if j.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", j.Status)
	}
}

func TestProcessBatch_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, store.EnqueueJobParams{Kind: store.KindEnrich, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	p := New(s, Config{ClaimBatchSize: 10, BackoffBaseSeconds: 1})
	p.Register(store.KindEnrich, func(context.Context, store.Job) error {
		return errors.New("transient flake")
	})

	// First pass: fails, requeued with backoff.
	p.processBatch(ctx, store.KindEnrich)
	j, err := s.GetJob(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("GetJob: %v, %v", j, err)
	}
	if j.Status != store.StatusPending {
		t.Fatalf("after first failure: status = %q, want pending", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}

	// Clear the backoff so the second pass can claim it.
	if _, err := s.Pool().Exec(ctx, `UPDATE jobs SET run_at = now() WHERE id = $1`, id); err != nil {
		t.Fatalf("reset run_at: %v", err)
	}

	// Second pass: budget spent, dead-lettered.
	p.processBatch(ctx, store.KindEnrich)
	j, err = s.GetJob(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("GetJob: %v, %v", j, err)
	}
	if j.Status != store.StatusDeadLetter {
		t.Errorf("after second failure: status = %q, want dead_letter", j.Status)
	}
	if j.LastError == nil || *j.LastError != "transient flake" {
		t.Errorf("last_error = %v, want transient flake", j.LastError)
	}
}

func TestProcessBatch_PermanentErrorDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, store.EnqueueJobParams{Kind: store.KindEnrich, MaxAttempts: 5})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	p := New(s, Config{ClaimBatchSize: 10})
	p.Register(store.KindEnrich, func(context.Context, store.Job) error {
		return store.Permanent(errors.New("payload is not json"))
	})

	p.processBatch(ctx, store.KindEnrich)

	j, err := s.GetJob(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("GetJob: %v, %v", j, err)
	}
	if j.Status != store.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter (budget bypassed)", j.Status)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
}

func TestProcessBatch_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, store.EnqueueJobParams{Kind: store.KindEnrich, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	p := New(s, Config{ClaimBatchSize: 10, BackoffBaseSeconds: 1})
	p.Register(store.KindEnrich, func(context.Context, store.Job) error {
		panic("nil map write")
	})

	// Must not panic out of processBatch; the job is failed like any error.
	p.processBatch(ctx, store.KindEnrich)

	j, err := s.GetJob(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("GetJob: %v, %v", j, err)
	}
	if j.Status != store.StatusPending {
		t.Errorf("status = %q, want pending (retry after panic)", j.Status)
	}
	if j.LastError == nil {
		t.Error("last_error not recorded for panic")
	}
}
