// Package submit talks to the remote accounting service. Any non-success
// response is a retryable failure; the daily-submit timer is the retry loop.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/usage-relay/internal/report"
)

// Result is the subset of the accounting service's response this system
// consumes.
type Result struct {
	SubmissionID string         `json:"submissionId"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

// Submitter sends a canonical report to the accounting service.
type Submitter interface {
	Submit(ctx context.Context, rep *report.Report) (*Result, error)
}

// Client is the HTTP submitter. A circuit breaker fails attempts fast once
// the remote has rejected several in a row.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a submitter for the given accounting endpoint.
func New(baseURL, token string) *Client {
	settings := gobreaker.Settings{
		Name:        "accounting",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     10 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Submit POSTs the report and returns the remote-assigned submission id.
func (c *Client) Submit(ctx context.Context, rep *report.Report) (*Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, rep)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}

func (c *Client) post(ctx context.Context, rep *report.Report) (*Result, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("submit: encode report: %w", err)
	}

	url := fmt.Sprintf("%s/v1/usage/submissions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("submit: accounting api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("submit: decode response: %w", err)
	}
	return &result, nil
}
