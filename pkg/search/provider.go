// Package search defines the web-search provider contract plus the HTTP
// implementation and the cache/gate layers stacked in front of it.
package search

import "context"

// Search type switch accepted by the provider.
const (
	TypeNeural  = "neural"
	TypeKeyword = "keyword"
	TypeAuto    = "auto"
)

// Options narrow a search. Zero values mean provider defaults.
type Options struct {
	NumResults         int
	Type               string // neural, keyword or auto
	UseAutoprompt      bool
	StartPublishedDate string // RFC3339 lower bound
}

// Result is one ranked document with its extracted text.
type Result struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Text          string  `json:"text,omitempty"`
	Author        string  `json:"author,omitempty"`
	PublishedDate string  `json:"publishedDate,omitempty"`
	Score         float64 `json:"score,omitempty"`
}

// Response is the provider's answer to one query.
type Response struct {
	Results    []Result `json:"results"`
	Autoprompt string   `json:"autopromptString,omitempty"`
}

// Provider performs a web search returning ranked documents with contents.
type Provider interface {
	SearchWithContents(ctx context.Context, query string, opts Options) (*Response, error)
}
