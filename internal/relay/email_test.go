// ABOUTME: Tests for the email sender's payload validation. Actual SMTP
// ABOUTME: delivery is exercised against a dev mailpit instance, not in CI.
package relay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseq/caseq/internal/relay"
	"github.com/caseq/caseq/internal/store"
)

func TestEmailSend_BadPayloadIsPermanent(t *testing.T) {
	t.Parallel()
	sender := &relay.EmailSender{Cfg: relay.SMTPConfig{
		Host: "localhost", Port: 1025, From: "caseq@localhost",
	}}

	err := sender.Send(context.Background(), store.OutboxMessage{Payload: []byte(`not json`)})
	require.Error(t, err)
	assert.True(t, store.IsPermanent(err))

	err = sender.Send(context.Background(), store.OutboxMessage{
		Payload: []byte(`{"recipients":[],"subject":"hi"}`),
	})
	require.Error(t, err)
	assert.True(t, store.IsPermanent(err), "no recipients must be permanent")
}
