// ABOUTME: Agent Service client that POSTs chat requests to an HTTP endpoint
// ABOUTME: Expects a JSON Result body and a 200 status

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stffns/QAI/internal/auth"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 4 << 20

// HTTPService calls a backend over HTTP.
type HTTPService struct {
	url    string
	client *http.Client
}

// NewHTTPService creates an HTTPService posting to url.
func NewHTTPService(url string, timeout time.Duration) (*HTTPService, error) {
	if url == "" {
		return nil, errors.New("agent http_url is required for the http backend")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPService{url: url, client: &http.Client{Timeout: timeout}}, nil
}

// Process implements Service.
func (s *HTTPService) Process(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}
	if id := auth.FromContext(ctx); id != nil {
		httpReq.Header.Set("X-User-ID", id.Subject)
		httpReq.Header.Set("X-Token-ID", id.TokenID)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(respBody))
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return checkResult(&res)
}
