package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

// HealthProber checks the target's health endpoint once.
type HealthProber interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a GET endpoint expecting {"status":"ok"}. Any
// transport failure, non-2xx response or other status value counts as
// a failed probe.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber probes the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrHealthCheck, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: endpoint unreachable: %v", contracts.ErrHealthCheck, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: endpoint returned %d", contracts.ErrHealthCheck, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: unreadable health response: %v", contracts.ErrHealthCheck, err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("%w: health degraded (status=%q)", contracts.ErrHealthCheck, body.Status)
	}
	return nil
}
