package search

import (
	"context"

	"github.com/fathomlabs/fathom/pkg/ratelimit"
)

// Gated funnels every provider call through the shared rate gate, so all
// agents of all sessions respect one dispatch schedule.
type Gated struct {
	provider Provider
	gate     *ratelimit.Gate
}

// NewGated wraps provider with gate.
func NewGated(provider Provider, gate *ratelimit.Gate) *Gated {
	return &Gated{provider: provider, gate: gate}
}

// SearchWithContents implements Provider.
func (g *Gated) SearchWithContents(ctx context.Context, query string, opts Options) (*Response, error) {
	var resp *Response
	err := g.gate.Do(ctx, func(ctx context.Context) error {
		r, err := g.provider.SearchWithContents(ctx, query, opts)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
