// Package importer turns an import_batch job into an idempotent fan-out: the
// batch is claimed in the import-run ledger exactly once, then expanded into
// per-record jobs attributed to the run.
//
// This is the consumer side of the queue's asymmetric contract: EnqueueJob is
// deliberately not idempotent, so a redelivered or double-submitted batch job
// reaches this handler more than once — the ledger's uniqueness constraint is
// what collapses those into a single run.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/caseq/caseq/internal/store"
)

// Batch is the payload of an import_batch job.
type Batch struct {
	Source   string   `json:"source"`
	BatchID  string   `json:"batch_id"`
	Filename string   `json:"filename"`
	Kind     string   `json:"kind"`
	Records  []Record `json:"records"`
}

// Record is one unit of the batch, fanned out as its own job.
type Record struct {
	Kind     store.Kind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int32           `json:"priority"`
}

// NewBatchHandler returns the handler for import_batch jobs.
func NewBatchHandler(st *store.Store) func(ctx context.Context, job store.Job) error {
	return func(ctx context.Context, job store.Job) error {
		var batch Batch
		if err := json.Unmarshal(job.Payload, &batch); err != nil {
			return store.Permanent(fmt.Errorf("import batch payload: %w", err))
		}
		if batch.Source == "" || batch.BatchID == "" {
			return store.Permanent(fmt.Errorf("import batch payload: source and batch_id are required"))
		}

		hash, err := ContentHash(job.Payload)
		if err != nil {
			return store.Permanent(err)
		}

		claim, err := st.ClaimImportRun(ctx, store.ClaimImportRunParams{
			Source:      batch.Source,
			BatchID:     batch.BatchID,
			ContentHash: hash,
			Filename:    batch.Filename,
			Kind:        batch.Kind,
		})
		if err != nil {
			return fmt.Errorf("claim import run: %w", err)
		}
		if !claim.Claimed {
			// Duplicate submission or redelivery of this exact batch; the
			// prior run owns it. Succeeding here is the dedup.
			slog.Info("import batch already claimed",
				"source", batch.Source, "batch_id", batch.BatchID,
				"run_id", claim.RunID, "run_status", claim.ExistingStatus)
			return nil
		}

		fanned := int32(0)
		for i, rec := range batch.Records {
			if !store.ValidKind(rec.Kind) {
				msg := fmt.Sprintf("record %d: unknown kind %q", i, rec.Kind)
				if ferr := st.FailImportRun(ctx, claim.RunID, msg); ferr != nil {
					slog.Error("fail import run error", "run_id", claim.RunID, "error", ferr)
				}
				return store.Permanent(fmt.Errorf("import batch: %s", msg))
			}
			runID := claim.RunID
			if _, err := st.EnqueueJob(ctx, store.EnqueueJobParams{
				Kind:        rec.Kind,
				Payload:     rec.Payload,
				Priority:    rec.Priority,
				ImportRunID: &runID,
			}); err != nil {
				// Partial fan-out: fail the run but keep the rows already
				// enqueued; Reconcile surfaces the discrepancy to operators.
				if ferr := st.FailImportRun(ctx, claim.RunID, err.Error()); ferr != nil {
					slog.Error("fail import run error", "run_id", claim.RunID, "error", ferr)
				}
				return fmt.Errorf("fan out record %d: %w", i, err)
			}
			fanned++
		}

		if err := st.CompleteImportRun(ctx, claim.RunID, fanned); err != nil {
			return fmt.Errorf("complete import run: %w", err)
		}
		slog.Info("import batch fanned out",
			"source", batch.Source, "batch_id", batch.BatchID,
			"run_id", claim.RunID, "records", fanned)
		return nil
	}
}
