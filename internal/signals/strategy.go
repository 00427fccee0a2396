package signals

import (
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Strategy analyzes one (symbol, frame, regime) triple and proposes a
// candidate Signal, or nil if it has nothing to say. Implementations
// must be pure with respect to the frame — no hidden state that would
// make Classify/Analyze non-deterministic for the same inputs.
type Strategy interface {
	Name() string
	Analyze(symbol string, frame types.Frame, regime types.MarketRegime, tf types.Timeframe) *types.Signal
}

// Registry is a composition-time, no-reflection list of registered
// strategies dispatched in parallel by the Signal Factory.
type Registry struct {
	strategies []Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

func (r *Registry) All() []Strategy { return r.strategies }

func (r *Registry) Register(s Strategy) { r.strategies = append(r.strategies, s) }
