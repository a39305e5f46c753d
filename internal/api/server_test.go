// ABOUTME: Integration tests for the remaining ops endpoints: health, stats,
// ABOUTME: workers, outbox, and import-run inspection/rollback.
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/store"
)

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	// Health is unauthenticated by design; no token was sent above.
}

func TestQueueStatsHandler(t *testing.T) {
	t.Parallel()
	ts, s := newTestServer(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, store.EnqueueJobParams{Kind: store.KindEnrich}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var stats store.QueueStats
	resp := doJSON(t, ts, http.MethodGet, "/api/v1/queue/stats", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(stats.Jobs) != 1 || stats.Jobs[0].Pending != 1 {
		t.Errorf("stats.Jobs = %+v, want one kind with 1 pending", stats.Jobs)
	}
}

func TestListWorkersHandler(t *testing.T) {
	t.Parallel()
	ts, s := newTestServer(t)
	ctx := context.Background()

	if err := s.RegisterHeartbeat(ctx, "job-1", "job", "host1", "running"); err != nil {
		t.Fatalf("RegisterHeartbeat: %v", err)
	}

	var resp workerListResponse
	httpResp := doJSON(t, ts, http.MethodGet, "/api/v1/workers", nil, &resp)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", httpResp.StatusCode)
	}
	if len(resp.Workers) != 1 || resp.Workers[0].WorkerID != "job-1" || resp.Workers[0].Stale {
		t.Errorf("workers = %+v, want one live job-1", resp.Workers)
	}
}

func TestOutboxHandlers(t *testing.T) {
	t.Parallel()
	ts, s := newTestServer(t)
	ctx := context.Background()

	var created map[string]string
	resp := doJSON(t, ts, http.MethodPost, "/api/v1/outbox", map[string]any{
		"channel":        "webhook",
		"payload":        map[string]string{"url": "https://example.com/hook"},
		"correlation_id": "corr-1",
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201", resp.StatusCode)
	}

	var list outboxListResponse
	resp = doJSON(t, ts, http.MethodGet, "/api/v1/outbox?channel=webhook", nil, &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if len(list.Items) != 1 || list.Items[0].CorrelationID != "corr-1" {
		t.Fatalf("list = %+v, want one corr-1 message", list.Items)
	}

	// Dead-letter it via the store, then replay over HTTP.
	id := uuid.MustParse(created["message_id"])
	if _, err := s.ClaimOutbox(ctx, store.ChannelWebhook, "relay-1", 1, time.Minute); err != nil {
		t.Fatalf("ClaimOutbox: %v", err)
	}
	if err := s.DeadLetterOutbox(ctx, id, "bad endpoint"); err != nil {
		t.Fatalf("DeadLetterOutbox: %v", err)
	}
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/outbox/"+id.String()+"/replay", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	m, err := s.GetOutboxMessage(ctx, id)
	if err != nil || m == nil {
		t.Fatalf("GetOutboxMessage: %v, %v", m, err)
	}
	if m.Status != store.StatusPending {
		t.Errorf("status after replay = %q, want pending", m.Status)
	}
}

func TestImportRunHandlers(t *testing.T) {
	t.Parallel()
	ts, s := newTestServer(t)
	ctx := context.Background()

	claim, err := s.ClaimImportRun(ctx, store.ClaimImportRunParams{
		Source: "clerk", BatchID: "b1", ContentHash: "h1",
	})
	if err != nil {
		t.Fatalf("ClaimImportRun: %v", err)
	}
	runID := claim.RunID
	if _, err := s.EnqueueJob(ctx, store.EnqueueJobParams{
		Kind: store.KindEnrich, ImportRunID: &runID,
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.CompleteImportRun(ctx, runID, 1); err != nil {
		t.Fatalf("CompleteImportRun: %v", err)
	}

	var run importRunEntry
	resp := doJSON(t, ts, http.MethodGet, "/api/v1/import-runs/"+runID.String(), nil, &run)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if run.Source != "clerk" || run.Status != "completed" {
		t.Errorf("run = %+v, want clerk/completed", run)
	}

	var rec store.Reconciliation
	resp = doJSON(t, ts, http.MethodGet, "/api/v1/import-runs/"+runID.String()+"/reconcile", nil, &rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d, want 200", resp.StatusCode)
	}
	if !rec.IsReconciled || rec.Actual != 1 {
		t.Errorf("reconciliation = %+v, want reconciled with actual=1", rec)
	}

	// Rollback requires a reason.
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/import-runs/"+runID.String()+"/rollback", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("rollback without reason status = %d, want 400", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/import-runs/"+runID.String()+"/rollback",
		map[string]string{"reason": "bad source file"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback status = %d, want 200", resp.StatusCode)
	}

	// Second rollback conflicts; unknown run is a 404 on get.
	resp = doJSON(t, ts, http.MethodPost, "/api/v1/import-runs/"+runID.String()+"/rollback",
		map[string]string{"reason": "again"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second rollback status = %d, want 409", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodGet, "/api/v1/import-runs/"+uuid.NewString(), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", resp.StatusCode)
	}
}
