package signals

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// ConfluenceWeights maps a higher timeframe to its bonus/penalty weight,
// tuned by the feedback loop and loaded from dynamic params.
type ConfluenceWeights map[types.Timeframe]decimal.Decimal

// ConfluenceBreakdown records, per higher timeframe, the contribution to
// the final confluence score, for auditability in signal.metadata.
type ConfluenceBreakdown struct {
	Timeframe types.Timeframe `json:"timeframe"`
	Regime    types.MarketRegime `json:"regime"`
	Aligned   bool            `json:"aligned"`
	Weight    decimal.Decimal `json:"weight"`
	Contrib   decimal.Decimal `json:"contribution"`
}

// ApplyConfluence adjusts a primary signal's confidence by an additive
// bonus/penalty in [-100,+100] derived from agreement between the
// signal's direction and higher-timeframe regimes (Open Question #1:
// confluence is additive to the base score, not multiplicative).
// Disabled (nil weights) is a pass-through.
func ApplyConfluence(sig *types.Signal, higherTFRegimes map[types.Timeframe]types.MarketRegime, weights ConfluenceWeights) {
	if len(weights) == 0 {
		return
	}

	total := decimal.Zero
	var breakdown []ConfluenceBreakdown
	for tf, reg := range higherTFRegimes {
		weight, ok := weights[tf]
		if !ok {
			continue
		}
		aligned := directionAligned(sig.SignalType, reg)
		contrib := weight
		if !aligned {
			contrib = weight.Neg()
		}
		total = total.Add(contrib)
		breakdown = append(breakdown, ConfluenceBreakdown{Timeframe: tf, Regime: reg, Aligned: aligned, Weight: weight, Contrib: contrib})
	}

	if total.GreaterThan(decimal.NewFromInt(100)) {
		total = decimal.NewFromInt(100)
	}
	if total.LessThan(decimal.NewFromInt(-100)) {
		total = decimal.NewFromInt(-100)
	}

	if sig.Metadata == nil {
		sig.Metadata = map[string]interface{}{}
	}
	sig.Metadata["confluence_analysis"] = map[string]interface{}{
		"total_score": total.StringFixed(2),
		"breakdown":   breakdown,
	}

	bonus, _ := total.Div(decimal.NewFromInt(100)).Float64()
	sig.Confidence += bonus * 0.25
	if sig.Confidence > 1 {
		sig.Confidence = 1
	}
	if sig.Confidence < 0 {
		sig.Confidence = 0
	}
}

func directionAligned(st types.SignalType, regime types.MarketRegime) bool {
	switch regime {
	case types.RegimeBull, types.RegimeTrend:
		return st == types.SignalBuy
	case types.RegimeBear, types.RegimeCrash:
		return st == types.SignalSell
	default:
		return false
	}
}
