package search

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoises identical queries so repeated searches across agents of a
// session do not burn provider quota. Entries are treated as read-only by
// callers.
type Cached struct {
	provider Provider
	cache    *lru.Cache[string, *Response]
}

// NewCached wraps provider with an LRU of the given entry count.
func NewCached(provider Provider, size int) (*Cached, error) {
	cache, err := lru.New[string, *Response](size)
	if err != nil {
		return nil, fmt.Errorf("search: create cache: %w", err)
	}
	return &Cached{provider: provider, cache: cache}, nil
}

// SearchWithContents implements Provider.
func (c *Cached) SearchWithContents(ctx context.Context, query string, opts Options) (*Response, error) {
	key := cacheKey(query, opts)
	if resp, ok := c.cache.Get(key); ok {
		slog.Debug("Search cache hit", "query", query)
		return resp, nil
	}
	resp, err := c.provider.SearchWithContents(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, resp)
	return resp, nil
}

func cacheKey(query string, opts Options) string {
	return fmt.Sprintf("%s|%s|%d|%t|%s",
		query, opts.Type, opts.NumResults, opts.UseAutoprompt, opts.StartPublishedDate)
}
