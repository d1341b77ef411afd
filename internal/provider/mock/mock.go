// Package mock is a deterministic local provider for development and demos.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"generation-orchestrator/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Provider echoes the request back as a Markdown section after a fixed
// latency.
type Provider struct {
	Latency time.Duration
}

// New returns a mock provider.
func New(latency time.Duration) *Provider {
	return &Provider{Latency: latency}
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	if p.Latency > 0 {
		timer := time.NewTimer(p.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		case <-timer.C:
		}
	}

	title := req.Title
	if title == "" {
		title = req.Identifier
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", title)
	for _, k := range sortedKeys(req.Entry) {
		fmt.Fprintf(&b, "- %s: %v\n", k, req.Entry[k])
	}
	if len(req.Entry) == 0 {
		fmt.Fprintf(&b, "Generated from %d subject fields.\n", len(req.Subject))
	}
	content := b.String()
	return provider.Response{Content: content, TokensUsed: len(strings.Fields(content))}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
