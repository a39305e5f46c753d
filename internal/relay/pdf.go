// ABOUTME: PDF sender: bridges the pdf outbox channel onto the job queue by
// ABOUTME: enqueueing a document_render job. Render logic lives in the handler.
package relay

import (
	"context"
	"fmt"

	"github.com/caseq/caseq/internal/store"
)

// PDFSender converts a pdf-channel outbox message into a document_render job.
// The outbox row guarantees the render request survives the producing
// transaction; the job queue then owns retry and priority for the render
// itself. The correlation id is carried as the job's idempotency key so the
// render handler can dedup redelivered bridge hops (enqueue itself always
// inserts).
type PDFSender struct {
	Store *store.Store
}

func (p *PDFSender) Send(ctx context.Context, msg store.OutboxMessage) error {
	var key *string
	if msg.CorrelationID != "" {
		k := msg.CorrelationID
		key = &k
	}
	_, err := p.Store.EnqueueJob(ctx, store.EnqueueJobParams{
		Kind:           store.KindDocumentRender,
		Payload:        msg.Payload,
		MaxAttempts:    msg.MaxAttempts,
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("bridge pdf message to job queue: %w", err)
	}
	return nil
}
