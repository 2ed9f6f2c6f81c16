// Package enrich asks an external analysis service to explain alerts in
// operator terms. The engine treats enrichment as optional decoration:
// failures here never block detection or alerting.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"dnssentry/config"
)

// Enrichment is the service's explanation of one alert.
type Enrichment struct {
	Explanation string   `json:"explanation"`
	Remediation []string `json:"remediation"`
	Confidence  float64  `json:"confidence"`
}

// Service produces an enrichment for an alert payload.
type Service interface {
	Explain(ctx context.Context, payload map[string]any) (*Enrichment, error)
}

// HTTPService calls a JSON-over-HTTP enrichment endpoint, rate limited so a
// backlog of alerts cannot flood the upstream service.
type HTTPService struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPService builds a client for the configured enrichment endpoint.
func NewHTTPService(cfg *config.Config) *HTTPService {
	timeout := cfg.EnrichTimeout.Duration
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPService{
		url:     cfg.EnrichURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.EnrichRateLimit), 1),
	}
}

// Explain posts the alert payload and decodes the service's response. It
// blocks on the rate limiter, so callers should pass a bounded context.
func (s *HTTPService) Explain(ctx context.Context, payload map[string]any) (*Enrichment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("enrichment service returned %s", resp.Status)
	}

	var e Enrichment
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode enrichment response: %w", err)
	}

	if e.Confidence < 0 {
		e.Confidence = 0
	} else if e.Confidence > 1 {
		e.Confidence = 1
	}

	return &e, nil
}
