// Package worker provides a goroutine pool that claims and executes jobs
// from the jobs table using FOR UPDATE SKIP LOCKED.
//
// Handlers are registered per job kind before calling Pool.Start. Each kind
// gets a dedicated polling goroutine; shared tickers maintain the worker's
// heartbeat and release locks held by workers whose heartbeat went stale.
package worker

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/caseq/caseq/internal/store"
)

// Handler is the function executed for each claimed job.
//
// A non-nil return triggers retry with exponential backoff up to the job's
// max_attempts, then dead_letter. Wrap the error with store.Permanent to
// dead-letter immediately. A nil return marks the job completed.
//
// Delivery is at-least-once: a crash after the handler succeeds but before
// CompleteJob lands redelivers the job once the lock times out. Handlers must
// be idempotent or consult the job's IdempotencyKey before doing real work.
type Handler func(ctx context.Context, job store.Job) error

// Backoff returns the retry delay for the given attempt number (1-based):
// base·2^(attempt−1), with ±50% jitter to spread thundering retries.
func Backoff(baseSeconds, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(baseSeconds) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: jitter is not security-sensitive
	return time.Duration(delay * jitter * float64(time.Second))
}
