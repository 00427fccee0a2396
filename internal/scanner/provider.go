package scanner

import (
	"context"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Provider fetches OHLC data for a (symbol, timeframe) pair. Multiple
// Providers compose into a priority-ordered fallback chain — the first
// to succeed wins, the rest are never called.
type Provider interface {
	Name() string
	FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, error)
}

// ProviderChain tries each Provider in order until one succeeds.
type ProviderChain struct {
	providers []Provider
}

func NewProviderChain(providers ...Provider) *ProviderChain {
	return &ProviderChain{providers: providers}
}

func (c *ProviderChain) FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, string, error) {
	var lastErr error
	for _, p := range c.providers {
		frame, err := p.FetchOHLC(ctx, symbol, tf, count)
		if err == nil && len(frame) > 0 {
			return frame, p.Name(), nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}
