package api

import (
	"net/http"
	"time"

	"github.com/caseq/caseq/internal/store"
)

type workerEntry struct {
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
	Hostname   string `json:"hostname"`
	Status     string `json:"status"`
	Stale      bool   `json:"stale"`
	StartedAt  string `json:"started_at"`
	LastSeenAt string `json:"last_seen_at"`
}

type workerListResponse struct {
	Workers []workerEntry `json:"workers"`
}

// listWorkersHandler handles GET /api/v1/workers. Staleness is computed
// against STALE_WORKER_THRESHOLD at read time, not stored.
func (srv *Server) listWorkersHandler(w http.ResponseWriter, r *http.Request) {
	beats, err := srv.store.ListWorkers(r.Context(), srv.cfg.StaleWorkerThreshold)
	if err != nil {
		httpInternalError(w, "list workers", err)
		return
	}
	resp := workerListResponse{Workers: make([]workerEntry, 0, len(beats))}
	for _, b := range beats {
		resp.Workers = append(resp.Workers, toWorkerEntry(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toWorkerEntry(b store.WorkerHeartbeat) workerEntry {
	return workerEntry{
		WorkerID:   b.WorkerID,
		WorkerType: b.WorkerType,
		Hostname:   b.Hostname,
		Status:     b.Status,
		Stale:      b.Stale,
		StartedAt:  b.StartedAt.UTC().Format(time.RFC3339Nano),
		LastSeenAt: b.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}
