// ABOUTME: Integration tests for the relay loop: dispatch outcomes and the
// ABOUTME: pdf channel's bridge onto the job queue.
package relay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseq/caseq/internal/relay"
	"github.com/caseq/caseq/internal/store"
	"github.com/caseq/caseq/internal/testutil"
)

func TestRunOnce_DispatchOutcomes(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	okID, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{
		Channel: store.ChannelEmail, CorrelationID: "ok",
	})
	require.NoError(t, err)
	transientID, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{
		Channel: store.ChannelWebhook, CorrelationID: "transient", MaxAttempts: 3,
	})
	require.NoError(t, err)
	permanentID, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{
		Channel: store.ChannelSMS, CorrelationID: "permanent", MaxAttempts: 3,
	})
	require.NoError(t, err)

	r := relay.New(s, relay.Config{BackoffBaseSeconds: 1})
	r.Register(store.ChannelEmail, relay.SenderFunc(func(context.Context, store.OutboxMessage) error {
		return nil
	}))
	r.Register(store.ChannelWebhook, relay.SenderFunc(func(context.Context, store.OutboxMessage) error {
		return errors.New("receiver down")
	}))
	r.Register(store.ChannelSMS, relay.SenderFunc(func(context.Context, store.OutboxMessage) error {
		return store.Permanent(errors.New("number invalid"))
	}))

	r.RunOnce(ctx)

	ok, err := s.GetOutboxMessage(ctx, okID)
	require.NoError(t, err)
	require.NotNil(t, ok)
	assert.Equal(t, store.StatusCompleted, ok.Status)

	transient, err := s.GetOutboxMessage(ctx, transientID)
	require.NoError(t, err)
	require.NotNil(t, transient)
	assert.Equal(t, store.StatusPending, transient.Status)
	assert.EqualValues(t, 1, transient.Attempts)

	permanent, err := s.GetOutboxMessage(ctx, permanentID)
	require.NoError(t, err)
	require.NotNil(t, permanent)
	assert.Equal(t, store.StatusDeadLetter, permanent.Status)
}

func TestRunOnce_SenderPanicIsContained(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{
		Channel: store.ChannelWebhook, MaxAttempts: 3,
	})
	require.NoError(t, err)

	r := relay.New(s, relay.Config{BackoffBaseSeconds: 1})
	r.Register(store.ChannelWebhook, relay.SenderFunc(func(context.Context, store.OutboxMessage) error {
		panic("template nil deref")
	}))

	r.RunOnce(ctx)

	m, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusPending, m.Status, "panic is treated as a retryable failure")
	require.NotNil(t, m.LastError)
	assert.Contains(t, *m.LastError, "panic")
}

func TestPDFSender_BridgesToJobQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	msgID, err := s.EnqueueOutbox(ctx, store.EnqueueOutboxParams{
		Channel:       store.ChannelPDF,
		Payload:       []byte(`{"template":"case_summary","case_id":"C-100"}`),
		CorrelationID: "render-C-100",
		MaxAttempts:   4,
	})
	require.NoError(t, err)

	r := relay.New(s, relay.Config{})
	r.Register(store.ChannelPDF, &relay.PDFSender{Store: s})
	r.RunOnce(ctx)

	m, err := s.GetOutboxMessage(ctx, msgID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusCompleted, m.Status)

	jobs, err := s.ListJobs(ctx, store.ListJobsFilter{Kind: store.KindDocumentRender, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"template":"case_summary","case_id":"C-100"}`, string(jobs[0].Payload))
	assert.EqualValues(t, 4, jobs[0].MaxAttempts)
	require.NotNil(t, jobs[0].IdempotencyKey)
	assert.Equal(t, "render-C-100", *jobs[0].IdempotencyKey)
}
