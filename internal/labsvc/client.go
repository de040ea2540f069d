// Package labsvc is the HTTP client for the remote detection and PMI
// estimation service.
package labsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when the service base URL or shared secret is
// missing. This is a fatal misconfiguration, not a transient fault.
var ErrNotConfigured = errors.New("labsvc: base URL or secret not configured")

// secretHeader carries the shared secret on every request.
const secretHeader = "X-Service-Secret"

// APIError is a non-2xx response from the analysis service. The body is kept
// so failure reasons surface the service's own message.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("labsvc: status %d: %s", e.Status, e.Body)
}

// Client calls the analysis service. The zero value is unusable; a Client
// built without a base URL or secret returns ErrNotConfigured from every
// call so the caller's retry/compensation path handles it uniformly.
type Client struct {
	baseURL string
	secret  string
	httpc   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New returns a Client for the service at baseURL authenticating with the
// shared secret.
func New(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpc:   &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AggregatedResults is the per-stage detection summary for a case.
type AggregatedResults struct {
	TotalCounts         map[string]int `json:"total_counts"`
	OldestStageDetected *string        `json:"oldest_stage_detected"`
}

// PMIEstimation is the post-mortem interval computation attached to a
// detection response.
type PMIEstimation struct {
	PMIDays                 *float64 `json:"pmi_days"`
	PMIHours                *float64 `json:"pmi_hours"`
	PMIMinutes              *float64 `json:"pmi_minutes"`
	StageUsedForCalculation *string  `json:"stage_used_for_calculation"`
	TemperatureProvided     *float64 `json:"temperature_provided"`
	CalculatedADH           *float64 `json:"calculated_adh"`
	LDTUsed                 *float64 `json:"ldt_used"`
	PMISourceImageKey       *string  `json:"pmi_source_image_key"`
}

// DetectionResponse is the detect endpoint's payload.
type DetectionResponse struct {
	AggregatedResults *AggregatedResults `json:"aggregated_results"`
	PMIEstimation     *PMIEstimation     `json:"pmi_estimation"`
	Explanation       *string            `json:"explanation"`
}

// Empty reports whether the response carries no detections at all: neither
// per-stage counts nor an oldest detected stage. An empty response is a
// valid terminal outcome, not an error.
func (r *DetectionResponse) Empty() bool {
	return r.AggregatedResults == nil ||
		(len(r.AggregatedResults.TotalCounts) == 0 && r.AggregatedResults.OldestStageDetected == nil)
}

// Detect runs detection and PMI estimation for a case.
func (c *Client) Detect(ctx context.Context, caseID string) (*DetectionResponse, error) {
	var out DetectionResponse
	err := c.post(ctx, "/v1/detect", map[string]string{"case_id": caseID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Recalculate asks the service to recompute the PMI estimation for a case
// from its stored detections.
func (c *Client) Recalculate(ctx context.Context, caseID string) (*DetectionResponse, error) {
	var out DetectionResponse
	err := c.post(ctx, "/v1/computation/recalculate", map[string]string{"case_id": caseID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportRequest dispatches an export job. Exactly one of CaseID and UploadID
// is set.
type ExportRequest struct {
	ExportID string  `json:"export_id"`
	CaseID   *string `json:"case_id,omitempty"`
	UploadID *string `json:"upload_id,omitempty"`
	Format   string  `json:"format"`
}

// ExportAck is the service's dispatch acknowledgement. Completion is
// reported through a separate channel, not this client.
type ExportAck struct {
	Accepted bool    `json:"accepted"`
	JobID    *string `json:"job_id"`
}

// Export dispatches an export job and returns the acknowledgement.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*ExportAck, error) {
	var out ExportAck
	if err := c.post(ctx, "/v1/export/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.baseURL == "" || c.secret == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("labsvc: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("labsvc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("labsvc: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("labsvc: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("labsvc: decode response: %w", err)
		}
	}
	return nil
}
