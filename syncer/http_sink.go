package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"patrolkeeper/models"
)

// RejectionError is a 4xx answer from the ingest API: the server is
// reachable but refuses the report (unknown route, bad token).
type RejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rejected by server (%d)", e.StatusCode)
	}
	return fmt.Sprintf("rejected by server (%d): %s", e.StatusCode, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return errRejected
}

// HTTPSink submits reports to the ingest API (POST /api/reports).
type HTTPSink struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSink creates a sink for baseURL authenticated with a device token.
func NewHTTPSink(baseURL, token string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// SubmitReport posts one report. A duplicate acknowledgement counts as
// accepted; 4xx answers are returned as *RejectionError, anything else is
// an error to retry.
func (s *HTTPSink) SubmitReport(ctx context.Context, report models.CheckpointReport) (bool, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/reports", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", report.ReportID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	var ack models.SubmitReportResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&ack)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if decodeErr != nil {
			return false, fmt.Errorf("failed to decode acknowledgement: %w", decodeErr)
		}
		return ack.Accepted, nil
	case resp.StatusCode == http.StatusConflict:
		return true, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return false, &RejectionError{StatusCode: resp.StatusCode, Reason: ack.Error}
	default:
		return false, fmt.Errorf("server error (%s)", resp.Status)
	}
}
