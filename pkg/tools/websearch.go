package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/prompt"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
	"github.com/fathomlabs/fathom/pkg/search"
)

// maxSnippetLen bounds the per-result excerpt used when summarisation fails.
const maxSnippetLen = 300

const webSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"},
		"num_results": {"type": "integer", "description": "Number of results to return (1-10, default 5)"},
		"search_type": {"type": "string", "enum": ["neural", "keyword", "auto"], "description": "Search mode (default auto)"},
		"use_autoprompt": {"type": "boolean", "description": "Let the provider rewrite the query for better recall"},
		"start_published_date": {"type": "string", "description": "Only return results published on or after this ISO 8601 date"},
		"description": {"type": "string", "description": "One sentence on why you are running this search"}
	},
	"required": ["query", "description"]
}`

// Summarizer digests raw search texts into the summary returned to the
// calling model.
type Summarizer interface {
	Summarize(ctx context.Context, query string, texts []string) (string, error)
}

// LLMSummarizer implements Summarizer on a chat model.
type LLMSummarizer struct {
	client    llm.Client
	model     string
	maxTokens int
}

// NewLLMSummarizer builds a summarizer that calls the given model.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model, maxTokens: 2048}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, query string, texts []string) (string, error) {
	resp, err := llm.Call(ctx, s.client, &llm.ChatRequest{
		Model:     s.model,
		System:    prompt.SummarizerSystem(),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt.SummarizerUser(query, texts)}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("summarizer returned no text")
	}
	return text, nil
}

// WebSearch queries the search provider and returns summarised findings.
// Raw extracted text never reaches the calling model: the summarizer digest
// plus result metadata is returned instead, with truncated per-result
// excerpts as the fallback when summarisation fails.
type WebSearch struct {
	provider   search.Provider
	summarizer Summarizer
	logger     *slog.Logger
}

// NewWebSearch builds the web_search tool. The provider is expected to be
// the gated (and usually cached) search client.
func NewWebSearch(provider search.Provider, summarizer Summarizer) *WebSearch {
	return &WebSearch{
		provider:   provider,
		summarizer: summarizer,
		logger:     slog.Default().With("component", "web_search"),
	}
}

type webSearchInput struct {
	Query              string `json:"query"`
	NumResults         int    `json:"num_results"`
	SearchType         string `json:"search_type"`
	UseAutoprompt      bool   `json:"use_autoprompt"`
	StartPublishedDate string `json:"start_published_date"`
	Description        string `json:"description"`
}

type searchResultMeta struct {
	Index         int     `json:"index"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Author        string  `json:"author,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	Score         float64 `json:"score,omitempty"`
}

type webSearchOutput struct {
	Summary    string             `json:"summary"`
	Results    []searchResultMeta `json:"results"`
	Autoprompt string             `json:"autoprompt,omitempty"`
}

func (t *WebSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:             NameWebSearch,
		Description:      "Search the web and get a summary of the findings plus source metadata.",
		ParametersSchema: webSearchSchema,
	}
}

func (t *WebSearch) Execute(ctx context.Context, arguments string) (json.RawMessage, error) {
	var in webSearchInput
	if err := llm.DecodeArguments(arguments, &in); err != nil {
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("invalid web_search arguments: %s", err),
			"Provide valid JSON arguments with at least a query.", true)
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, models.NewToolError(models.ErrValidationFailed,
			"query is required", "Provide a non-empty search query.", true)
	}

	numResults := in.NumResults
	if numResults < 1 {
		numResults = 5
	}
	if numResults > 10 {
		numResults = 10
	}
	searchType := in.SearchType
	if searchType == "" {
		searchType = search.TypeAuto
	}

	resp, err := t.provider.SearchWithContents(ctx, in.Query, search.Options{
		NumResults:         numResults,
		Type:               searchType,
		UseAutoprompt:      in.UseAutoprompt,
		StartPublishedDate: in.StartPublishedDate,
	})
	if err != nil {
		return nil, searchToolError(err)
	}
	if len(resp.Results) == 0 {
		return json.Marshal(webSearchOutput{
			Summary:    "No results found for this query.",
			Results:    []searchResultMeta{},
			Autoprompt: resp.Autoprompt,
		})
	}

	metas := make([]searchResultMeta, len(resp.Results))
	texts := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		metas[i] = searchResultMeta{
			Index:         i + 1,
			Title:         r.Title,
			URL:           r.URL,
			Author:        r.Author,
			PublishedDate: r.PublishedDate,
			Score:         r.Score,
		}
		texts[i] = r.Text
	}

	summary, err := t.summarizer.Summarize(ctx, in.Query, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn("Summarisation failed, falling back to snippets", "query", in.Query, "error", err)
		summary = snippetFallback(texts)
	}

	return json.Marshal(webSearchOutput{
		Summary:    summary,
		Results:    metas,
		Autoprompt: resp.Autoprompt,
	})
}

// searchToolError maps provider failures onto the tool error taxonomy.
func searchToolError(err error) *models.ToolError {
	var status *ratelimit.StatusError
	if errors.As(err, &status) && status.StatusCode == 429 {
		te := models.NewToolError(models.ErrSearchRateLimited,
			"the search provider is rate limiting requests",
			"Wait before searching again, or continue with the results you already have.", true)
		if status.RetryAfter > 0 {
			te = te.WithRetryAfter(status.RetryAfter)
		}
		return te
	}
	return models.NewToolError(models.ErrSearchFailed,
		fmt.Sprintf("search failed: %s", err),
		"Try again, or rephrase the query.", true)
}

// snippetFallback renders indexed excerpts of the raw texts, truncated to
// maxSnippetLen characters each.
func snippetFallback(texts []string) string {
	var b strings.Builder
	b.WriteString("Summarisation was unavailable. Per-result excerpts:\n")
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, truncateText(text, maxSnippetLen))
	}
	return b.String()
}

// truncateText cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
