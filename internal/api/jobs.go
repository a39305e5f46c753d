// ABOUTME: HTTP handlers for job enqueue, list, detail, replay, and cancel.
// ABOUTME: List uses keyset pagination on (created_at DESC, id DESC).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/store"
)

// jobEntry is the list item shape (no payload to keep list responses small).
type jobEntry struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Priority       int32   `json:"priority"`
	Status         string  `json:"status"`
	Attempts       int32   `json:"attempts"`
	MaxAttempts    int32   `json:"max_attempts"`
	LockedBy       *string `json:"locked_by,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	ImportRunID    *string `json:"import_run_id,omitempty"`
	RunAt          string  `json:"run_at"`
	CreatedAt      string  `json:"created_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	DeadLetterAt   *string `json:"dead_letter_at,omitempty"`
}

// jobDetail extends jobEntry with the full payload.
type jobDetail struct {
	jobEntry
	Payload json.RawMessage `json:"payload"`
}

type jobListResponse struct {
	Items      []jobEntry `json:"items"`
	NextCursor *string    `json:"next_cursor,omitempty"`
}

func toJobEntry(j store.Job) jobEntry {
	e := jobEntry{
		ID:             j.ID.String(),
		Kind:           string(j.Kind),
		Priority:       j.Priority,
		Status:         string(j.Status),
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LockedBy:       j.LockedBy,
		LastError:      j.LastError,
		IdempotencyKey: j.IdempotencyKey,
		RunAt:          j.RunAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.ImportRunID != nil {
		s := j.ImportRunID.String()
		e.ImportRunID = &s
	}
	e.CompletedAt = formatTimePtr(j.CompletedAt)
	e.DeadLetterAt = formatTimePtr(j.DeadLetterAt)
	return e
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// encodeCursor encodes (time, uuid) as a stable string cursor.
// Format: <RFC3339Nano>/<uuid>
func encodeCursor(t time.Time, id uuid.UUID) string {
	return t.UTC().Format(time.RFC3339Nano) + "/" + id.String()
}

func decodeCursor(s string) (*time.Time, *uuid.UUID, bool) {
	if s == "" {
		return nil, nil, true
	}
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return nil, nil, false
	}
	t, err := time.Parse(time.RFC3339Nano, s[:idx])
	if err != nil {
		return nil, nil, false
	}
	id, err := uuid.Parse(s[idx+1:])
	if err != nil {
		return nil, nil, false
	}
	return &t, &id, true
}

func parseLimit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 50, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 200 {
		return 0, false
	}
	return n, true
}

// enqueueJobRequest is the producer-facing enqueue body.
type enqueueJobRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int32           `json:"priority"`
	MaxAttempts    int32           `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
}

// enqueueJobHandler handles POST /api/v1/jobs.
func (srv *Server) enqueueJobHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = srv.cfg.QueueMaxAttempts
	}
	id, err := srv.store.EnqueueJob(r.Context(), store.EnqueueJobParams{
		Kind:           store.Kind(req.Kind),
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          req.RunAt,
	})
	if err != nil {
		if isValidationErr(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpInternalError(w, "enqueue job", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id.String()})
}

// listJobsHandler handles GET /api/v1/jobs with optional kind, status,
// cursor, and limit query parameters.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(r)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	cursorTime, cursorID, ok := decodeCursor(q.Get("cursor"))
	if !ok {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}

	jobs, err := srv.store.ListJobs(r.Context(), store.ListJobsFilter{
		Kind:       store.Kind(q.Get("kind")),
		Status:     store.Status(q.Get("status")),
		CursorTime: cursorTime,
		CursorID:   cursorID,
		Limit:      limit,
	})
	if err != nil {
		httpInternalError(w, "list jobs", err)
		return
	}

	resp := jobListResponse{Items: make([]jobEntry, 0, len(jobs))}
	for _, j := range jobs {
		resp.Items = append(resp.Items, toJobEntry(j))
	}
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		c := encodeCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// getJobHandler handles GET /api/v1/jobs/{id}.
func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := srv.store.GetJob(r.Context(), id)
	if err != nil {
		httpInternalError(w, "get job", err)
		return
	}
	if job == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobDetail{jobEntry: toJobEntry(*job), Payload: job.Payload})
}

// replayJobHandler handles POST /api/v1/jobs/{id}/replay. Rate limited.
func (srv *Server) replayJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if !srv.replayLimiter.Allow() {
		http.Error(w, "replay rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	replayed, err := srv.store.ReplayJob(r.Context(), id)
	if err != nil {
		httpInternalError(w, "replay job", err)
		return
	}
	if !replayed {
		http.Error(w, "job not in a replayable state", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

// cancelJobHandler handles POST /api/v1/jobs/{id}/cancel.
func (srv *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // reason is optional
	cancelled, err := srv.store.CancelJob(r.Context(), id, body.Reason)
	if err != nil {
		httpInternalError(w, "cancel job", err)
		return
	}
	if !cancelled {
		http.Error(w, "job not pending", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
