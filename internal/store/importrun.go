// ABOUTME: Import-run idempotency ledger: claim via unique-insert, reconcile,
// ABOUTME: soft rollback. Uniqueness on (source, batch_id, content_hash).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const importRunColumns = `id, source, batch_id, content_hash, filename, kind,
	status, reported_count, last_error, rollback_reason,
	created_at, completed_at, rolled_back_at`

// ClaimImportRunParams identifies the batch being claimed.
type ClaimImportRunParams struct {
	Source      string
	BatchID     string
	ContentHash string
	Filename    string
	Kind        string
}

// ImportClaim is the outcome of ClaimImportRun. When Claimed is false the
// batch was already claimed; RunID and ExistingStatus describe the prior run
// so the caller can decide whether to skip or wait.
type ImportClaim struct {
	Claimed        bool
	RunID          uuid.UUID
	ExistingStatus Status
}

const claimImportRunSQL = `
INSERT INTO import_runs (source, batch_id, content_hash, filename, kind)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source, batch_id, content_hash) DO NOTHING
RETURNING id`

// ClaimImportRun attempts to own a fresh run for the batch. The insert is
// guarded by the uniqueness constraint: accidental double-submission of the
// identical batch never produces two runs, while the same logical batch with
// changed content (different hash) creates a new run. A duplicate is reported
// as data, not as an error.
func (s *Store) ClaimImportRun(ctx context.Context, p ClaimImportRunParams) (ImportClaim, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, claimImportRunSQL,
		p.Source, p.BatchID, p.ContentHash, p.Filename, p.Kind,
	).Scan(&id)
	if err == nil {
		return ImportClaim{Claimed: true, RunID: id}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ImportClaim{}, fmt.Errorf("claim import run: %w", err)
	}

	// Conflict: surface the existing run instead of erroring.
	var status Status
	err = s.pool.QueryRow(ctx,
		`SELECT id, status FROM import_runs
		 WHERE source = $1 AND batch_id = $2 AND content_hash = $3`,
		p.Source, p.BatchID, p.ContentHash,
	).Scan(&id, &status)
	if err != nil {
		return ImportClaim{}, fmt.Errorf("claim import run: lookup existing: %w", err)
	}
	return ImportClaim{Claimed: false, RunID: id, ExistingStatus: status}, nil
}

const completeImportRunSQL = `
UPDATE import_runs
SET status = 'completed', reported_count = $2, completed_at = now()
WHERE id = $1 AND status = 'processing'`

// CompleteImportRun marks the run finished, recording the number of rows the
// importer reports having produced. Reconcile later checks this figure
// against the store.
func (s *Store) CompleteImportRun(ctx context.Context, id uuid.UUID, reportedCount int32) error {
	if _, err := s.pool.Exec(ctx, completeImportRunSQL, id, reportedCount); err != nil {
		return fmt.Errorf("complete import run %s: %w", id, err)
	}
	return nil
}

const failImportRunSQL = `
UPDATE import_runs
SET status = 'failed', last_error = $2, completed_at = now()
WHERE id = $1 AND status = 'processing'`

// FailImportRun marks the run failed. A failed run still occupies its
// identity triple; resubmitting the identical batch reports duplicate.
func (s *Store) FailImportRun(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := s.pool.Exec(ctx, failImportRunSQL, id, errMsg); err != nil {
		return fmt.Errorf("fail import run %s: %w", id, err)
	}
	return nil
}

// GetImportRun returns the run with the given id, or (nil, nil) if absent.
func (s *Store) GetImportRun(ctx context.Context, id uuid.UUID) (*ImportRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+importRunColumns+` FROM import_runs WHERE id = $1`, id)
	r, err := scanImportRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get import run %s: %w", id, err)
	}
	return &r, nil
}

// Reconciliation compares a run's self-reported counters against the rows
// actually attributed to it. A consistency-check read path for operators, not
// a correctness-enforcing mechanism.
type Reconciliation struct {
	RunID        uuid.UUID `json:"run_id"`
	Reported     int64     `json:"reported"`
	Actual       int64     `json:"actual"`
	Discrepancy  int64     `json:"discrepancy"`
	IsReconciled bool      `json:"is_reconciled"`
}

// ReconcileImportRun returns the reported-vs-actual comparison for the run.
func (s *Store) ReconcileImportRun(ctx context.Context, id uuid.UUID) (*Reconciliation, error) {
	run, err := s.GetImportRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	actual, err := s.CountJobsForImportRun(ctx, id)
	if err != nil {
		return nil, err
	}
	reported := int64(run.ReportedCount)
	return &Reconciliation{
		RunID:        id,
		Reported:     reported,
		Actual:       actual,
		Discrepancy:  reported - actual,
		IsReconciled: reported == actual,
	}, nil
}

const rollbackImportRunSQL = `
UPDATE import_runs
SET status = 'rolled_back', rollback_reason = $2, rolled_back_at = now()
WHERE id = $1 AND status <> 'rolled_back'`

// RollbackImportRun soft-marks the run and its attributed non-terminal jobs
// as rolled_back. Nothing is deleted; the audit trail stays intact. Returns
// false if the run does not exist or was already rolled back.
func (s *Store) RollbackImportRun(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	var rolled bool
	err := s.Tx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, rollbackImportRunSQL, id, reason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		rolled = true
		_, err = tx.Exec(ctx, rollbackJobsForRunSQL, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("rollback import run %s: %w", id, err)
	}
	return rolled, nil
}

func scanImportRun(row pgx.Row) (ImportRun, error) {
	var r ImportRun
	err := row.Scan(
		&r.ID, &r.Source, &r.BatchID, &r.ContentHash, &r.Filename, &r.Kind,
		&r.Status, &r.ReportedCount, &r.LastError, &r.RollbackReason,
		&r.CreatedAt, &r.CompletedAt, &r.RolledBackAt,
	)
	return r, err
}
