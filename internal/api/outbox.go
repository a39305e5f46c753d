// ABOUTME: HTTP handlers for outbox enqueue, list, detail, and replay.
// ABOUTME: Mirrors the jobs handlers with channel scoping instead of kind.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caseq/caseq/internal/store"
)

type outboxEntry struct {
	ID            string  `json:"id"`
	Channel       string  `json:"channel"`
	Status        string  `json:"status"`
	Attempts      int32   `json:"attempts"`
	MaxAttempts   int32   `json:"max_attempts"`
	LockedBy      *string `json:"locked_by,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	RunAt         string  `json:"run_at"`
	CreatedAt     string  `json:"created_at"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
	DeadLetterAt  *string `json:"dead_letter_at,omitempty"`
}

type outboxDetail struct {
	outboxEntry
	Payload json.RawMessage `json:"payload"`
}

type outboxListResponse struct {
	Items      []outboxEntry `json:"items"`
	NextCursor *string       `json:"next_cursor,omitempty"`
}

func toOutboxEntry(m store.OutboxMessage) outboxEntry {
	return outboxEntry{
		ID:            m.ID.String(),
		Channel:       string(m.Channel),
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		MaxAttempts:   m.MaxAttempts,
		LockedBy:      m.LockedBy,
		LastError:     m.LastError,
		CorrelationID: m.CorrelationID,
		RunAt:         m.RunAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		ProcessedAt:   formatTimePtr(m.ProcessedAt),
		DeadLetterAt:  formatTimePtr(m.DeadLetterAt),
	}
}

type enqueueOutboxRequest struct {
	Channel       string          `json:"channel"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	MaxAttempts   int32           `json:"max_attempts"`
	RunAt         *time.Time      `json:"run_at,omitempty"`
}

// enqueueOutboxHandler handles POST /api/v1/outbox. Producers with a business
// transaction should use Store.EnqueueOutboxTx in-process instead; this
// endpoint serves external producers that have no such write.
func (srv *Server) enqueueOutboxHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueOutboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = srv.cfg.RelayMaxAttempts
	}
	id, err := srv.store.EnqueueOutbox(r.Context(), store.EnqueueOutboxParams{
		Channel:       store.Channel(req.Channel),
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		MaxAttempts:   maxAttempts,
		RunAt:         req.RunAt,
	})
	if err != nil {
		if isValidationErr(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpInternalError(w, "enqueue outbox", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id.String()})
}

// listOutboxHandler handles GET /api/v1/outbox with optional channel, status,
// cursor, and limit query parameters.
func (srv *Server) listOutboxHandler(w http.ResponseWriter, r *http.Request) {
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

	msgs, err := srv.store.ListOutbox(r.Context(), store.ListOutboxFilter{
		Channel:    store.Channel(q.Get("channel")),
		Status:     store.Status(q.Get("status")),
		CursorTime: cursorTime,
		CursorID:   cursorID,
		Limit:      limit,
	})
	if err != nil {
		httpInternalError(w, "list outbox", err)
		return
	}

	resp := outboxListResponse{Items: make([]outboxEntry, 0, len(msgs))}
	for _, m := range msgs {
		resp.Items = append(resp.Items, toOutboxEntry(m))
	}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		c := encodeCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

// getOutboxHandler handles GET /api/v1/outbox/{id}.
func (srv *Server) getOutboxHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	msg, err := srv.store.GetOutboxMessage(r.Context(), id)
	if err != nil {
		httpInternalError(w, "get outbox", err)
		return
	}
	if msg == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, outboxDetail{outboxEntry: toOutboxEntry(*msg), Payload: msg.Payload})
}

// replayOutboxHandler handles POST /api/v1/outbox/{id}/replay. Rate limited
// with the same budget as job replays.
func (srv *Server) replayOutboxHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if !srv.replayLimiter.Allow() {
		http.Error(w, "replay rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	replayed, err := srv.store.ReplayOutbox(r.Context(), id)
	if err != nil {
		httpInternalError(w, "replay outbox", err)
		return
	}
	if !replayed {
		http.Error(w, "message not in a replayable state", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}
