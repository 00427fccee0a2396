package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/internal/sizing"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// CalculatePositionSizeMaster is the single source of truth for lot
// sizing — delegates to the sizing package with the governor's current
// lockdown state.
func (g *Governor) CalculatePositionSizeMaster(ctx context.Context, sig *types.Signal, conn sizing.MarketData, regime types.MarketRegime) sizing.Result {
	profile, err := g.store.GetAssetProfile(ctx, sig.Symbol, sig.TraceID)
	if err != nil || profile == nil {
		return sizing.Result{Lots: decimal.Zero, Rejected: true, Reason: "no asset profile for " + sig.Symbol}
	}
	return g.sizer.CalculateMaster(ctx, sig, profile, conn, regime, g.IsLocked())
}

// CalculatePositionSize is the legacy Decimal lot calculation: lots =
// risk_amount_usd / (sl_distance * contract_size), rounded down to
// lot_step and clamped to [lot_min, lot_max]. Aborts with
// AssetNotNormalizedError if no profile exists for symbol.
func (g *Governor) CalculatePositionSize(ctx context.Context, symbol string, riskAmountUSD, slDistance decimal.Decimal, traceID string) (decimal.Decimal, error) {
	profile, err := g.store.GetAssetProfile(ctx, symbol, traceID)
	if err != nil {
		return decimal.Zero, err
	}
	if profile == nil {
		return decimal.Zero, errs.AssetNotNormalized(symbol, traceID)
	}
	if slDistance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	riskPerLot := slDistance.Mul(profile.ContractSize)
	if riskPerLot.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	rawLots := riskAmountUSD.Div(riskPerLot)

	step := profile.LotStep
	if step.LessThanOrEqual(decimal.Zero) {
		step = decimal.NewFromFloat(0.01)
	}
	finalLots := rawLots.Div(step).Floor().Mul(step)

	if profile.LotMin.GreaterThan(decimal.Zero) && finalLots.LessThan(profile.LotMin) {
		finalLots = profile.LotMin
	}
	if profile.LotMax.GreaterThan(decimal.Zero) && finalLots.GreaterThan(profile.LotMax) {
		finalLots = profile.LotMax
	}
	return finalLots, nil
}
