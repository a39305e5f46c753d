// ABOUTME: HTTP handlers for import-run inspection, reconcile, and rollback.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/store"
)

type importRunEntry struct {
	ID             string  `json:"id"`
	Source         string  `json:"source"`
	BatchID        string  `json:"batch_id"`
	ContentHash    string  `json:"content_hash"`
	Filename       string  `json:"filename,omitempty"`
	Kind           string  `json:"kind,omitempty"`
	Status         string  `json:"status"`
	ReportedCount  int32   `json:"reported_count"`
	LastError      *string `json:"last_error,omitempty"`
	RollbackReason *string `json:"rollback_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	RolledBackAt   *string `json:"rolled_back_at,omitempty"`
}

func toImportRunEntry(r store.ImportRun) importRunEntry {
	return importRunEntry{
		ID:             r.ID.String(),
		Source:         r.Source,
		BatchID:        r.BatchID,
		ContentHash:    r.ContentHash,
		Filename:       r.Filename,
		Kind:           r.Kind,
		Status:         string(r.Status),
		ReportedCount:  r.ReportedCount,
		LastError:      r.LastError,
		RollbackReason: r.RollbackReason,
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:    formatTimePtr(r.CompletedAt),
		RolledBackAt:   formatTimePtr(r.RolledBackAt),
	}
}

func (srv *Server) importRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// getImportRunHandler handles GET /api/v1/import-runs/{id}.
func (srv *Server) getImportRunHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := srv.importRunID(w, r)
	if !ok {
		return
	}
	run, err := srv.store.GetImportRun(r.Context(), id)
	if err != nil {
		httpInternalError(w, "get import run", err)
		return
	}
	if run == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toImportRunEntry(*run))
}

// reconcileImportRunHandler handles GET /api/v1/import-runs/{id}/reconcile.
// Reported-vs-actual comparison for operator investigation.
func (srv *Server) reconcileImportRunHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := srv.importRunID(w, r)
	if !ok {
		return
	}
	rec, err := srv.store.ReconcileImportRun(r.Context(), id)
	if err != nil {
		httpInternalError(w, "reconcile import run", err)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// rollbackImportRunHandler handles POST /api/v1/import-runs/{id}/rollback.
func (srv *Server) rollbackImportRunHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := srv.importRunID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	rolled, err := srv.store.RollbackImportRun(r.Context(), id, body.Reason)
	if err != nil {
		httpInternalError(w, "rollback import run", err)
		return
	}
	if !rolled {
		http.Error(w, "run not found or already rolled back", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}
