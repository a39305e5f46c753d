// ABOUTME: Webhook sender: HMAC-SHA256 signed POST, response body discarded.
// ABOUTME: Destination and secret travel in the outbox payload envelope.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caseq/caseq/internal/store"
)

// webhookPayload is the envelope stored in an outbox row on the webhook
// channel. Body is forwarded verbatim; URL and SigningSecret come from the
// producer's channel configuration at enqueue time.
type webhookPayload struct {
	URL           string            `json:"url"`
	SigningSecret string            `json:"signing_secret"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	Body          json.RawMessage   `json:"body"`
}

// deniedHeaders are custom header keys that producers must not override.
var deniedHeaders = map[string]bool{
	"host":              true,
	"content-type":      true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"x-caseq-timestamp": true,
	"x-caseq-signature": true,
}

// WebhookSender delivers webhook-channel outbox messages. The injected client
// should be the production safeurl-wrapped client; tests inject a plain one.
type WebhookSender struct {
	Client *http.Client
}

// Send posts the payload body to the destination URL with an HMAC-SHA256
// signature over "timestamp.body". Receivers dedup on the
// X-CaseQ-Correlation-ID header; dispatch is at-least-once.
func (w *WebhookSender) Send(ctx context.Context, msg store.OutboxMessage) error {
	var p webhookPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return store.Permanent(fmt.Errorf("webhook payload: %w", err))
	}
	if p.URL == "" {
		return store.Permanent(errors.New("webhook payload: missing url"))
	}

	body := []byte(p.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return store.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.CorrelationID != "" {
		req.Header.Set("X-CaseQ-Correlation-ID", msg.CorrelationID)
	}
	for k, v := range p.CustomHeaders {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(p.SigningSecret))
	mac.Write([]byte(ts + "." + string(body)))
	req.Header.Set("X-CaseQ-Timestamp", ts)
	req.Header.Set("X-CaseQ-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.Client.Do(req) //nolint:gosec // G107: SSRF enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
