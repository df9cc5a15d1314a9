package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProbeResult reports what a receiver answered to a single probe POST.
type ProbeResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	LatencyMs  int64  `json:"latencyMs"`
	OK         bool   `json:"ok"`
}

// ProbeReceiver posts a minimal probe body to url and reports status and
// round-trip latency. One attempt, no retry; a non-2xx answer is a result,
// not an error. Operators use this to check a receiver before wiring it
// into a project callback.
func (d *Dispatcher) ProbeReceiver(ctx context.Context, url, token string) (ProbeResult, error) {
	if url == "" {
		return ProbeResult{}, ErrNoCallback
	}

	body, err := json.Marshal(map[string]any{
		"event":     "probe",
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("encoding probe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probing receiver: %w", err)
	}
	defer resp.Body.Close()

	return ProbeResult{
		URL:        url,
		StatusCode: resp.StatusCode,
		LatencyMs:  time.Since(start).Milliseconds(),
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}
