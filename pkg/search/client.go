package search

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

	"github.com/fathomlabs/fathom/pkg/ratelimit"
)

// Client talks to an Exa-style search API: POST <endpoint>/search with the
// query, search type and content options, authenticated by API key header.
type Client struct {
	endpoint string
	apiKey   string
	httpc    *http.Client
}

// NewClient builds a provider client. httpc may be nil; a 30 s timeout
// client is used then.
func NewClient(endpoint, apiKey string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpc:    httpc,
	}
}

type searchRequest struct {
	Query              string       `json:"query"`
	Type               string       `json:"type,omitempty"`
	NumResults         int          `json:"numResults,omitempty"`
	UseAutoprompt      bool         `json:"useAutoprompt,omitempty"`
	StartPublishedDate string       `json:"startPublishedDate,omitempty"`
	Contents           contentsSpec `json:"contents"`
}

type contentsSpec struct {
	Text bool `json:"text"`
}

// SearchWithContents implements Provider. Non-2xx responses come back as a
// *ratelimit.StatusError so the gate can classify them.
func (c *Client) SearchWithContents(ctx context.Context, query string, opts Options) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search: query is required")
	}

	body, err := json.Marshal(searchRequest{
		Query:              query,
		Type:               opts.Type,
		NumResults:         opts.NumResults,
		UseAutoprompt:      opts.UseAutoprompt,
		StartPublishedDate: opts.StartPublishedDate,
		Contents:           contentsSpec{Text: true},
	})
	if err != nil {
		return nil, fmt.Errorf("search: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}
	return &out, nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return ratelimit.NewStatusError(resp.StatusCode, resp.Header, strings.TrimSpace(string(snippet)))
}
