// ABOUTME: Constructs the production SSRF-safe HTTP client for webhook and
// ABOUTME: SMS gateway delivery. Redirect following disabled, 10s timeout.
package relay

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for outbound delivery.
// Webhook destinations are operator-supplied URLs, so the client must refuse
// private address ranges and not follow redirects.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
