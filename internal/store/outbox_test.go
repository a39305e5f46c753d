// ABOUTME: Integration tests for store/outbox.go — transactional enqueue and
// ABOUTME: the per-channel claim/complete/fail lifecycle.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseq/caseq/internal/store"
	"github.com/caseq/caseq/internal/testutil"
)

// mustEnqueueOutbox is a test helper that calls EnqueueOutbox or fatals.
func mustEnqueueOutbox(t *testing.T, s *store.Store, ctx context.Context, p store.EnqueueOutboxParams) uuid.UUID {
	t.Helper()
	id, err := s.EnqueueOutbox(ctx, p)
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	return id
}

// mustClaimOutbox claims outbox messages or fatals.
func mustClaimOutbox(t *testing.T, s *store.Store, ctx context.Context, ch store.Channel, workerID string, batch int) []store.OutboxMessage {
	t.Helper()
	msgs, err := s.ClaimOutbox(ctx, ch, workerID, batch, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimOutbox: %v", err)
	}
	return msgs
}

// getOutboxStatus reads the status of a message row by ID.
func getOutboxStatus(t *testing.T, s *store.Store, ctx context.Context, id uuid.UUID) store.Status {
	t.Helper()
	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxMessage(%v): %v", id, err)
	}
	if m == nil {
		t.Fatalf("GetOutboxMessage(%v): not found", id)
	}
	return m.Status
}

func TestEnqueueOutboxTx_RollsBackWithBusinessWrite(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// The message must commit or vanish together with the surrounding
	// transaction. Abort the transaction and verify nothing was written.
	sentinel := errors.New("business write failed")
	var id uuid.UUID
	err := s.Tx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = s.EnqueueOutboxTx(ctx, tx, store.EnqueueOutboxParams{
			Channel:       store.ChannelWebhook,
			Payload:       []byte(`{"url":"https://example.com/hook"}`),
			CorrelationID: "corr-1",
		})
		if err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Tx error = %v, want sentinel", err)
	}
	if id == uuid.Nil {
		t.Fatal("EnqueueOutboxTx did not return an id before rollback")
	}

	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxMessage: %v", err)
	}
	if m != nil {
		t.Error("outbox message survived a rolled-back transaction")
	}
}

func TestEnqueueOutbox_UnknownChannel(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{Channel: "carrier_pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestClaimOutbox_ChannelScopedFIFO(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id1 := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail, CorrelationID: "a"})
	id2 := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail, CorrelationID: "b"})
	mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelSMS, CorrelationID: "c"})

	msgs := mustClaimOutbox(t, s, ctx, store.ChannelEmail, "relay-1", 10)
	if len(msgs) != 2 {
		t.Fatalf("claimed %d email messages, want 2", len(msgs))
	}
	// FIFO within the channel.
	if msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Errorf("claim order = [%v %v], want [%v %v]", msgs[0].ID, msgs[1].ID, id1, id2)
	}
	for _, m := range msgs {
		if m.Status != store.StatusProcessing {
			t.Errorf("message %v status = %q, want processing", m.ID, m.Status)
		}
	}
}

func TestFailOutbox_DeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{
		Channel:     store.ChannelWebhook,
		MaxAttempts: 2,
	})

	mustClaimOutbox(t, s, ctx, store.ChannelWebhook, "relay-1", 1)
	if err := s.FailOutbox(ctx, id, "502 bad gateway", 0); err != nil {
		t.Fatalf("FailOutbox 1: %v", err)
	}
	if got := getOutboxStatus(t, s, ctx, id); got != store.StatusPending {
		t.Fatalf("after first failure: status = %q, want pending", got)
	}

	mustClaimOutbox(t, s, ctx, store.ChannelWebhook, "relay-1", 1)
	if err := s.FailOutbox(ctx, id, "502 bad gateway", 0); err != nil {
		t.Fatalf("FailOutbox 2: %v", err)
	}

	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil || m == nil {
		t.Fatalf("GetOutboxMessage: %v, %v", m, err)
	}
	if m.Status != store.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter", m.Status)
	}
	if m.DeadLetterAt == nil {
		t.Error("dead_letter_at not set")
	}
}

func TestCompleteOutbox_SetsProcessedAt(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail})
	mustClaimOutbox(t, s, ctx, store.ChannelEmail, "relay-1", 1)

	if err := s.CompleteOutbox(ctx, id); err != nil {
		t.Fatalf("CompleteOutbox: %v", err)
	}
	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil || m == nil {
		t.Fatalf("GetOutboxMessage: %v, %v", m, err)
	}
	if m.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", m.Status)
	}
	if m.ProcessedAt == nil {
		t.Error("processed_at not set")
	}
}

func TestDeadLetterOutbox_Immediate(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{
		Channel:     store.ChannelSMS,
		MaxAttempts: 5,
	})
	mustClaimOutbox(t, s, ctx, store.ChannelSMS, "relay-1", 1)

	if err := s.DeadLetterOutbox(ctx, id, "recipient malformed"); err != nil {
		t.Fatalf("DeadLetterOutbox: %v", err)
	}
	if got := getOutboxStatus(t, s, ctx, id); got != store.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter", got)
	}
}

func TestReplayOutbox(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{
		Channel:     store.ChannelWebhook,
		MaxAttempts: 1,
	})
	mustClaimOutbox(t, s, ctx, store.ChannelWebhook, "relay-1", 1)
	if err := s.FailOutbox(ctx, id, "down", 0); err != nil {
		t.Fatalf("FailOutbox: %v", err)
	}
	if got := getOutboxStatus(t, s, ctx, id); got != store.StatusDeadLetter {
		t.Fatalf("status = %q, want dead_letter before replay", got)
	}

	replayed, err := s.ReplayOutbox(ctx, id)
	if err != nil {
		t.Fatalf("ReplayOutbox: %v", err)
	}
	if !replayed {
		t.Fatal("ReplayOutbox returned false for dead-lettered message")
	}
	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil || m == nil {
		t.Fatalf("GetOutboxMessage: %v, %v", m, err)
	}
	if m.Status != store.StatusPending || m.Attempts != 0 {
		t.Errorf("after replay: status = %q attempts = %d, want pending/0", m.Status, m.Attempts)
	}

	// Replay on a pending message is a no-op.
	replayed, err = s.ReplayOutbox(ctx, id)
	if err != nil {
		t.Fatalf("ReplayOutbox (pending): %v", err)
	}
	if replayed {
		t.Error("ReplayOutbox returned true for pending message")
	}
}

func TestListOutbox_StatusFilter(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id1 := mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail})
	mustEnqueueOutbox(t, s, ctx, store.EnqueueOutboxParams{Channel: store.ChannelEmail})

	mustClaimOutbox(t, s, ctx, store.ChannelEmail, "relay-1", 1)
	if err := s.CompleteOutbox(ctx, id1); err != nil {
		t.Fatalf("CompleteOutbox: %v", err)
	}

	completed, err := s.ListOutbox(ctx, store.ListOutboxFilter{Status: store.StatusCompleted, Limit: 10})
	if err != nil {
		t.Fatalf("ListOutbox(completed): %v", err)
	}
	if len(completed) != 1 || completed[0].ID != id1 {
		t.Errorf("ListOutbox(completed) = %v, want only %v", completed, id1)
	}

	all, err := s.ListOutbox(ctx, store.ListOutboxFilter{Channel: store.ChannelEmail, Limit: 10})
	if err != nil {
		t.Fatalf("ListOutbox(all email): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListOutbox(all email): got %d rows, want 2", len(all))
	}
}
