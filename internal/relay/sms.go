// ABOUTME: SMS sender: POSTs to an HTTP SMS gateway with bearer auth.
// ABOUTME: The correlation id doubles as the gateway-side dedup reference.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/caseq/caseq/internal/store"
)

// SMSGatewayConfig holds the provider endpoint and credential.
type SMSGatewayConfig struct {
	URL   string
	Token string
}

// smsPayload is the envelope stored in an outbox row on the sms channel.
type smsPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// smsRequest is the gateway wire format. Reference carries the correlation id
// so the provider can dedup redelivered sends.
type smsRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

// SMSSender delivers sms-channel outbox messages through the HTTP gateway.
type SMSSender struct {
	Client *http.Client
	Cfg    SMSGatewayConfig
}

func (s *SMSSender) Send(ctx context.Context, msg store.OutboxMessage) error {
	if s.Cfg.URL == "" {
		return store.Permanent(errors.New("sms gateway not configured"))
	}
	var p smsPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return store.Permanent(fmt.Errorf("sms payload: %w", err))
	}
	if p.To == "" || p.Message == "" {
		return store.Permanent(errors.New("sms payload: missing to or message"))
	}

	body, err := json.Marshal(smsRequest{To: p.To, Message: p.Message, Reference: msg.CorrelationID})
	if err != nil {
		return store.Permanent(fmt.Errorf("sms request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Cfg.URL, bytes.NewReader(body))
	if err != nil {
		return store.Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Cfg.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sms POST: %w", err)
	}
	defer resp.Body.Close()                              //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The gateway rejected the request itself; retrying the same bytes
		// cannot succeed.
		return store.Permanent(fmt.Errorf("sms POST: gateway rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("sms POST: unexpected status %d", resp.StatusCode)
	}
}
