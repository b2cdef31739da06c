package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minerwatch/fhpep/model"
)

// HTTPSource polls an external device-agent aggregation endpoint for the
// latest telemetry batch (§6.1/§6.3 — the agent protocol itself is out of
// scope; this only consumes whatever normalized JSON array it returns).
// Timeout discipline and URL validation mirror the alert-dispatch
// http.Client usage.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource builds a source polling endpoint with a bounded timeout.
func NewHTTPSource(endpoint string, timeout time.Duration) (*HTTPSource, error) {
	if err := validateEndpointURL(endpoint); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{endpoint: endpoint, client: &http.Client{Timeout: timeout}}, nil
}

// FetchLive implements Source.
func (s *HTTPSource) FetchLive(ctx context.Context) ([]model.TelemetryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry: unexpected status %d", resp.StatusCode)
	}

	var records []model.TelemetryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("telemetry: decode: %w", err)
	}
	return records, nil
}

// validateEndpointURL applies a narrower SSRF guard than the webhook
// dispatch's: it requires http or https and blocks the cloud-metadata hosts,
// but unlike dispatch.validateWebhookURL it allows loopback and private
// addresses.
func validateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid telemetry endpoint: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("telemetry endpoint must use http or https, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	blocked := []string{"169.254.169.254", "metadata.google.internal"}
	for _, b := range blocked {
		if host == b {
			return fmt.Errorf("telemetry endpoint host %q is blocked", host)
		}
	}
	return nil
}
