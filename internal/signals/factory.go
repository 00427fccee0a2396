// Package signals turns scan results into deduplicated, confluence-
// adjusted, persisted PENDING signals via a registry of pure strategies
// dispatched in parallel.
package signals

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Store is the narrow storage contract the factory needs.
type Store interface {
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
	HasRecentSignal(ctx context.Context, symbol string, st types.SignalType, tf types.Timeframe) (bool, error)
	SaveSignal(ctx context.Context, sig *types.Signal) (string, error)
}

// ScanEntry is one scanner result the factory dispatches strategies
// against.
type ScanEntry struct {
	Symbol    string
	Timeframe types.Timeframe
	Frame     types.Frame
	Regime    types.MarketRegime
}

// Factory is the Signal Factory.
type Factory struct {
	logger   *zap.Logger
	store    Store
	registry *Registry
}

func New(logger *zap.Logger, store Store, registry *Registry) *Factory {
	return &Factory{logger: logger.Named("signals"), store: store, registry: registry}
}

// Generate dispatches every registered strategy against every scan
// entry in parallel, deduplicates survivors, applies confluence, and
// persists each as PENDING. Returns the batch of newly-created signals.
func (f *Factory) Generate(ctx context.Context, entries []ScanEntry, higherTF map[string]map[types.Timeframe]types.MarketRegime, weights ConfluenceWeights) []*types.Signal {
	type candidate struct {
		sig   *types.Signal
		entry ScanEntry
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var candidates []candidate

	for _, entry := range entries {
		for _, strat := range f.registry.All() {
			entry, strat := entry, strat
			wg.Add(1)
			go func() {
				defer wg.Done()
				sig := strat.Analyze(entry.Symbol, entry.Frame, entry.Regime, entry.Timeframe)
				if sig == nil {
					return
				}
				mu.Lock()
				candidates = append(candidates, candidate{sig: sig, entry: entry})
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	var out []*types.Signal
	for _, c := range candidates {
		sig := c.sig
		if open, err := f.store.HasOpenPosition(ctx, sig.Symbol); err != nil {
			f.logger.Warn("dedup open-position check failed", zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		} else if open {
			continue
		}
		if recent, err := f.store.HasRecentSignal(ctx, sig.Symbol, sig.SignalType, sig.Timeframe); err != nil {
			f.logger.Warn("dedup recent-signal check failed", zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		} else if recent {
			continue
		}

		if hig, ok := higherTF[sig.Symbol]; ok {
			ApplyConfluence(sig, hig, weights)
		}

		sig.Status = types.StatusPending
		if _, err := f.store.SaveSignal(ctx, sig); err != nil {
			f.logger.Error("failed to persist signal", zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		out = append(out, sig)
	}
	return out
}
