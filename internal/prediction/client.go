// Package prediction is the adapter for the external scoring service. It is
// stateless and never retries internally; retry policy belongs to callers.
// The feature vector may contain proprietary process data, so it is never
// logged or persisted here beyond the request itself.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"kilnwatch/internal/config"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
)

// Client errors
var (
	// ErrUpstreamUnavailable is transient: network failure or a 5xx from
	// the scoring service. Callers may retry with bounded backoff.
	ErrUpstreamUnavailable = errors.New("scoring service unavailable")

	// ErrInvalidRequest means the scoring service rejected the input.
	// Non-retryable; surfaced to the original caller as a 4xx.
	ErrInvalidRequest = errors.New("scoring service rejected request")

	ErrEmptyResponse = errors.New("scoring service returned no predictions")
)

// Client submits feature vectors to the scoring endpoint.
type Client struct {
	cfg  config.PredictionConfig
	http *http.Client
}

// NewClient creates a prediction client with a bounded request timeout.
func NewClient(cfg config.PredictionConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Instances []map[string]interface{} `json:"instances"`
}

type predictResponse struct {
	Predictions  []json.RawMessage    `json:"predictions"`
	Explanations []map[string]float64 `json:"explanations,omitempty"`
}

// Predict scores a batch of readings and returns one PredictionResult per
// reading, index-aligned. The configured model/endpoint identifiers are
// stamped onto every result unchanged.
func (c *Client) Predict(ctx context.Context, readings []*models.SensorReading) ([]*models.PredictionResult, error) {
	instances := make([]map[string]interface{}, len(readings))
	for i, r := range readings {
		instances[i] = r.Instance()
	}

	body, err := json.Marshal(predictRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	url := c.cfg.URL
	if c.cfg.Explain {
		url += ":explain"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.PredictionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		metrics.PredictionRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrInvalidRequest, resp.StatusCode)
	}

	var parsed predictResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	if len(parsed.Predictions) == 0 {
		metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w", ErrEmptyResponse)
	}

	results := make([]*models.PredictionResult, len(parsed.Predictions))
	for i, raw := range parsed.Predictions {
		value, err := extractValue(raw)
		if err != nil {
			metrics.PredictionRequestsTotal.WithLabelValues("unavailable").Inc()
			return nil, fmt.Errorf("%w: prediction %d: %v", ErrUpstreamUnavailable, i, err)
		}
		result := &models.PredictionResult{
			Value:      value,
			ModelID:    c.cfg.ModelID,
			EndpointID: c.cfg.EndpointID,
		}
		if i < len(parsed.Explanations) {
			result.Explanations = parsed.Explanations[i]
		}
		results[i] = result
	}

	metrics.PredictionRequestsTotal.WithLabelValues("ok").Inc()
	return results, nil
}

// ModelID returns the configured model identifier.
func (c *Client) ModelID() string { return c.cfg.ModelID }

// EndpointID returns the configured endpoint identifier.
func (c *Client) EndpointID() string { return c.cfg.EndpointID }

// extractValue handles both prediction shapes the scoring service emits:
// an object {"value": 1.598} or a bare number.
func extractValue(raw json.RawMessage) (float64, error) {
	var obj struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Value != nil {
		return *obj.Value, nil
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}

	return 0, fmt.Errorf("unrecognized prediction shape")
}
