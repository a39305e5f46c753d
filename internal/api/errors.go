package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/caseq/caseq/internal/store"
)

// isValidationErr reports whether err is one of the store's validation
// sentinels. Those map to 400; anything else from the store is a 500.
func isValidationErr(err error) bool {
	return errors.Is(err, store.ErrUnknownKind) ||
		errors.Is(err, store.ErrUnknownChannel) ||
		errors.Is(err, store.ErrBadBatchSize) ||
		errors.Is(err, store.ErrBadLockTimeout)
}

// httpInternalError logs err and answers a generic 500 without leaking
// internals to the client.
func httpInternalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
