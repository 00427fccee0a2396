// Package sizing is the single source of truth for lot calculation:
// balance, symbol normalization, pip/point value triangulation, regime
// volatility adjustment, margin and broker-limit validation, and a final
// sanity check — guarded throughout by a circuit breaker that blocks
// sizing once calculations start failing consecutively.
package sizing

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

var (
	hundred   = decimal.NewFromInt(100)
	oneTenth  = decimal.NewFromFloat(0.1)
	threeTen  = decimal.NewFromFloat(0.3)
	threePct  = decimal.NewFromFloat(0.03)
	anomLots  = decimal.NewFromInt(1000)
	fallback50 = decimal.NewFromInt(50)
)

// MarketData is the narrow slice of the broker connector contract sizing
// needs: balance, symbol info, and spot prices for currency
// triangulation. Any BrokerConnector implementation satisfies it
// structurally.
type MarketData interface {
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// Sizer calculates lot sizes per signal.
type Sizer struct {
	logger       *zap.Logger
	monitor      *Monitor
	riskPerTrade decimal.Decimal
}

func New(logger *zap.Logger, monitor *Monitor, riskPerTrade decimal.Decimal) *Sizer {
	return &Sizer{logger: logger.Named("sizing"), monitor: monitor, riskPerTrade: riskPerTrade}
}

// Result is what CalculateMaster returns.
type Result struct {
	Lots     decimal.Decimal
	RiskUSD  decimal.Decimal
	Rejected bool
	Reason   string
}

func rejected(reason string) Result { return Result{Lots: decimal.Zero, Rejected: true, Reason: reason} }

// CalculateMaster is the master sizing algorithm. lockdownActive and the
// profile's per-asset risk multiplier are supplied by the caller (Risk
// Governor); regime drives the volatility multiplier.
func (sz *Sizer) CalculateMaster(ctx context.Context, sig *types.Signal, profile *types.AssetProfile, conn MarketData, regime types.MarketRegime, lockdownActive bool) Result {
	if lockdownActive {
		sz.monitor.Record(sig.Symbol, StatusWarning, "", []string{"lockdown mode active"})
		return rejected("lockdown mode active")
	}
	if !sz.monitor.IsTradingAllowed() {
		sz.monitor.Record(sig.Symbol, StatusCritical, "circuit breaker active", nil)
		return rejected("circuit breaker active")
	}

	balance, err := conn.GetAccountBalance(ctx)
	if err != nil || balance.LessThanOrEqual(decimal.Zero) {
		sz.monitor.Record(sig.Symbol, StatusError, "invalid account balance", nil)
		return rejected("invalid account balance")
	}

	symInfo, err := conn.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		sz.monitor.Record(sig.Symbol, StatusError, "could not get symbol info", nil)
		return rejected("could not get symbol info for " + sig.Symbol)
	}

	pipSize := pipSizeFor(profile, symInfo)
	pointValue := sz.pointValue(ctx, symInfo, pipSize, sig, conn)
	if pointValue.LessThanOrEqual(decimal.Zero) {
		sz.monitor.Record(sig.Symbol, StatusError, "non-positive point value", nil)
		return rejected("non-positive point value")
	}

	slDistancePips := fallback50
	if sig.StopLoss.GreaterThan(decimal.Zero) {
		slDistancePips = sig.EntryPrice.Sub(sig.StopLoss).Abs().Div(pipSize)
	}
	if slDistancePips.LessThanOrEqual(decimal.Zero) {
		sz.monitor.Record(sig.Symbol, StatusError, "non-positive stop distance", nil)
		return rejected("non-positive stop distance")
	}

	volMult := volatilityMultiplier(regime)
	riskPerTrade := sz.riskPerTrade
	if profile.RiskMultiplier.GreaterThan(decimal.Zero) {
		riskPerTrade = riskPerTrade.Mul(profile.RiskMultiplier)
	}
	riskAdj := riskPerTrade.Mul(volMult)
	riskUSD := balance.Mul(riskAdj)

	valueAtRiskPerLot := slDistancePips.Mul(pointValue)
	if valueAtRiskPerLot.LessThanOrEqual(decimal.Zero) {
		sz.monitor.Record(sig.Symbol, StatusError, "non-positive value at risk per lot", nil)
		return rejected("non-positive value at risk per lot")
	}
	lots := riskUSD.Div(valueAtRiskPerLot)

	if !validateMargin(symInfo, lots) {
		sz.monitor.Record(sig.Symbol, StatusError, "insufficient margin", nil)
		return rejected("insufficient margin")
	}

	lotsFinal := normalizeVolume(lots, symInfo, profile)
	realRisk := lotsFinal.Mul(slDistancePips).Mul(pointValue)
	if realRisk.GreaterThan(riskUSD) {
		step := symInfo.VolumeStep
		if step.LessThanOrEqual(decimal.Zero) {
			step = decimal.NewFromFloat(0.01)
		}
		candidate := lotsFinal.Sub(step)
		if candidate.GreaterThanOrEqual(minVolume(symInfo, profile)) {
			lotsFinal = candidate
		}
	}

	realRiskUSD := lotsFinal.Mul(slDistancePips).Mul(pointValue)
	sane, reason := validateRiskSanity(lotsFinal, slDistancePips, pointValue, riskUSD, balance)
	if !sane {
		sz.monitor.Record(sig.Symbol, StatusCritical, reason, nil)
		return rejected(reason)
	}

	var warnings []string
	if lotsFinal.LessThan(minVolume(symInfo, profile).Mul(decimal.NewFromFloat(1.5))) {
		warnings = append(warnings, "position size very small")
	}
	if lotsFinal.GreaterThan(maxVolume(symInfo, profile).Mul(decimal.NewFromFloat(0.5))) {
		warnings = append(warnings, "position size large")
	}
	status := StatusSuccess
	if len(warnings) > 0 {
		status = StatusWarning
	}
	sz.monitor.Record(sig.Symbol, status, "", warnings)

	return Result{Lots: lotsFinal, RiskUSD: realRiskUSD}
}

func pipSizeFor(profile *types.AssetProfile, info types.SymbolInfo) decimal.Decimal {
	if profile != nil && profile.PipSize.GreaterThan(decimal.Zero) {
		return profile.PipSize
	}
	if info.Point.GreaterThan(decimal.Zero) {
		return info.Point
	}
	return decimal.NewFromFloat(0.0001)
}

// pointValue triangulates the per-pip USD value of one lot. USD-quoted
// pairs (EURUSD) are direct; USD-base pairs (USDJPY) divide by entry;
// cross pairs convert via USD<quote> or, failing that, <quote>USD.
func (sz *Sizer) pointValue(ctx context.Context, info types.SymbolInfo, pipSize decimal.Decimal, sig *types.Signal, conn MarketData) decimal.Decimal {
	contractSize := info.ContractSize
	if contractSize.LessThanOrEqual(decimal.Zero) {
		contractSize = decimal.NewFromInt(100000)
	}
	symbol := strings.ToUpper(sig.Symbol)

	base := contractSize.Mul(pipSize)

	if strings.HasSuffix(symbol, "USD") {
		return base
	}
	if strings.HasPrefix(symbol, "USD") {
		if sig.EntryPrice.GreaterThan(decimal.Zero) {
			return base.Div(sig.EntryPrice)
		}
		return decimal.NewFromInt(10)
	}

	quote := symbol
	if len(symbol) >= 3 {
		quote = symbol[len(symbol)-3:]
	}
	if price, ok := conn.GetCurrentPrice(ctx, "USD"+quote); ok && price.GreaterThan(decimal.Zero) {
		return base.Div(price)
	}
	if price, ok := conn.GetCurrentPrice(ctx, quote+"USD"); ok && price.GreaterThan(decimal.Zero) {
		return base.Mul(price)
	}
	if sig.EntryPrice.GreaterThan(decimal.Zero) {
		return base.Div(sig.EntryPrice)
	}
	return decimal.NewFromInt(10)
}

func volatilityMultiplier(regime types.MarketRegime) decimal.Decimal {
	switch regime {
	case types.RegimeRange, types.RegimeCrash:
		return decimal.NewFromFloat(0.5)
	default:
		return decimal.NewFromInt(1)
	}
}

func validateMargin(info types.SymbolInfo, lots decimal.Decimal) bool {
	if info.VolumeMax.GreaterThan(decimal.Zero) && lots.GreaterThan(info.VolumeMax.Mul(decimal.NewFromInt(10))) {
		return false
	}
	return true
}

func minVolume(info types.SymbolInfo, profile *types.AssetProfile) decimal.Decimal {
	if profile != nil && profile.LotMin.GreaterThan(decimal.Zero) {
		return profile.LotMin
	}
	if info.VolumeMin.GreaterThan(decimal.Zero) {
		return info.VolumeMin
	}
	return decimal.NewFromFloat(0.01)
}

func maxVolume(info types.SymbolInfo, profile *types.AssetProfile) decimal.Decimal {
	if profile != nil && profile.LotMax.GreaterThan(decimal.Zero) {
		return profile.LotMax
	}
	if info.VolumeMax.GreaterThan(decimal.Zero) {
		return info.VolumeMax
	}
	return decimal.NewFromInt(100)
}

func volumeStep(info types.SymbolInfo, profile *types.AssetProfile) decimal.Decimal {
	if profile != nil && profile.LotStep.GreaterThan(decimal.Zero) {
		return profile.LotStep
	}
	if info.VolumeStep.GreaterThan(decimal.Zero) {
		return info.VolumeStep
	}
	return decimal.NewFromFloat(0.01)
}

// normalizeVolume rounds down to the nearest lot step and clamps to
// [min, max].
func normalizeVolume(lots decimal.Decimal, info types.SymbolInfo, profile *types.AssetProfile) decimal.Decimal {
	step := volumeStep(info, profile)
	min := minVolume(info, profile)
	max := maxVolume(info, profile)

	if step.GreaterThan(decimal.Zero) {
		steps := lots.Div(step).Floor()
		lots = steps.Mul(step)
	}
	if lots.LessThan(min) {
		lots = min
	}
	if lots.GreaterThan(max) {
		lots = max
	}
	return lots
}

// validateRiskSanity is the final guard: over-risk, under-risk, absolute
// account-risk ceiling, and anomalous lot-size detection.
func validateRiskSanity(lots, slPips, pointValue, targetUSD, balance decimal.Decimal) (bool, string) {
	actualRiskUSD := lots.Mul(slPips).Mul(pointValue)

	if targetUSD.GreaterThan(decimal.Zero) {
		if actualRiskUSD.GreaterThan(targetUSD) {
			errPct := actualRiskUSD.Sub(targetUSD).Div(targetUSD)
			if errPct.GreaterThan(oneTenth) {
				return false, "over-risk: calculation produced " + errPct.Mul(hundred).StringFixed(1) + "% higher risk than target"
			}
		} else {
			errPct := targetUSD.Sub(actualRiskUSD).Div(targetUSD)
			if errPct.GreaterThan(threeTen) {
				return false, "under-risk: deviation " + errPct.Mul(hundred).StringFixed(1) + "% from target"
			}
		}
	}

	if balance.GreaterThan(decimal.Zero) {
		riskOfBalance := actualRiskUSD.Div(balance)
		if riskOfBalance.GreaterThan(threePct) {
			return false, "absolute risk limit reached: " + riskOfBalance.Mul(hundred).StringFixed(1) + "% of account"
		}
	}

	if lots.GreaterThan(anomLots) {
		return false, "anomalous lot size detected: " + lots.StringFixed(2)
	}

	return true, ""
}
