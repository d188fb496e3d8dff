package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Failure sentinels for the tool layer to map onto error codes.
var (
	// ErrUnavailable means the sandbox service could not be reached or
	// answered with a server error.
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrTimeout means the execution exceeded its time budget.
	ErrTimeout = errors.New("sandbox execution timed out")
)

// clientGrace is added on top of the sandbox-side timeout before the HTTP
// call itself is abandoned.
const clientGrace = 10 * time.Second

// Client talks to an execution service: POST <endpoint>/execute with the
// source and a millisecond budget, bearer-authenticated.
type Client struct {
	endpoint string
	apiKey   string
	httpc    *http.Client
}

// NewClient builds a provider client. httpc may be nil; timeouts are driven
// per call from the execution budget.
func NewClient(endpoint, apiKey string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpc:    httpc,
	}
}

type executeRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// RunPython implements Provider. The sandbox enforces timeout server-side;
// the HTTP call is given the same budget plus a grace period. Transport
// failures wrap ErrUnavailable, expired budgets wrap ErrTimeout, and
// Python-level failures come back inside the Execution, not as an error.
func (c *Client) RunPython(ctx context.Context, code string, timeout time.Duration) (*Execution, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("sandbox: code is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	body, err := json.Marshal(executeRequest{
		Code:      code,
		Language:  "python",
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout+clientGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("sandbox: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Execution
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sandbox: decode response: %w", err)
	}
	return &out, nil
}

// transportError distinguishes an expired execution budget from an
// unreachable service. ctx is the caller's context: when it is still alive,
// a deadline error can only have come from the per-call budget.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sandbox: %w", ctx.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
