package risk

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/sizing"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// correlationMap mirrors the reference implementation's standard
// cross-asset correlations used for the confluence divergence check.
var correlationMap = map[string]struct {
	inverse []string
	direct  []string
}{
	"EURUSD": {inverse: []string{"USDJPY"}, direct: []string{"GBPUSD"}},
	"GBPUSD": {direct: []string{"EURUSD"}},
	"BTCUSD": {direct: []string{"ETHUSD"}},
	"XAUUSD": {direct: []string{"XAGUSD"}},
}

// LiquidityCheck vetoes trades on symbols whose spread, expressed in
// pips, exceeds maxSpreadPips — a proxy for illiquid/wide-market
// conditions where slippage risk is high.
func LiquidityCheck(maxSpreadPips decimal.Decimal) PolicyCheck {
	return func(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (bool, string) {
		info, err := conn.GetSymbolInfo(ctx, sig.Symbol)
		if err != nil {
			return true, "" // can't evaluate liquidity — don't block solely for that
		}
		if info.Ask.IsZero() || info.Bid.IsZero() || info.Point.IsZero() {
			return true, ""
		}
		spreadPips := info.Ask.Sub(info.Bid).Div(info.Point)
		if spreadPips.GreaterThan(maxSpreadPips) {
			return false, "LIQUIDITY: spread " + spreadPips.StringFixed(1) + " pips exceeds ceiling"
		}
		return true, ""
	}
}

// ConfluenceCheck vetoes a trade whose direction conflicts with a
// divergence detected against its standard correlated instrument. A
// symbol without a correlation mapping always passes.
func ConfluenceCheck() PolicyCheck {
	return func(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (bool, string) {
		symbol := strings.ToUpper(sig.Symbol)
		corr, ok := correlationMap[symbol]
		if !ok {
			return true, ""
		}
		target := ""
		inverse := false
		if len(corr.inverse) > 0 {
			target, inverse = corr.inverse[0], true
		} else if len(corr.direct) > 0 {
			target = corr.direct[0]
		} else {
			return true, ""
		}

		basePrice, baseOK := conn.GetCurrentPrice(ctx, symbol)
		corrPrice, corrOK := conn.GetCurrentPrice(ctx, target)
		if !baseOK || !corrOK {
			return true, "insufficient data for correlation check"
		}

		baseUp := basePrice.GreaterThan(sig.EntryPrice)
		corrUp := corrPrice.GreaterThan(sig.EntryPrice)
		if inverse && baseUp == corrUp {
			return false, "CHOPPY: alignment failure between " + symbol + " and " + target
		}
		return true, ""
	}
}

// SentimentCheck vetoes a trade when recent closed-trade history for the
// symbol shows a losing streak classified as a bearish sentiment signal
// distinct from — and in addition to — the lockdown counter, which is
// global rather than per-symbol.
func SentimentCheck(recentLossThreshold int, symbolLossCounts func(symbol string) int) PolicyCheck {
	return func(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (bool, string) {
		if symbolLossCounts == nil {
			return true, ""
		}
		if n := symbolLossCounts(sig.Symbol); n >= recentLossThreshold {
			return false, "SENTIMENT: recent losing streak on " + sig.Symbol
		}
		return true, ""
	}
}

// AccountRiskCheck vetoes a new trade while the open risk reported by
// openRiskUSD already exceeds maxAccountRiskPct of balance; the candidate
// trade's own risk is not added.
func AccountRiskCheck(maxAccountRiskPct decimal.Decimal, openRiskUSD func() decimal.Decimal) PolicyCheck {
	return func(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (bool, string) {
		if openRiskUSD == nil || balance.LessThanOrEqual(decimal.Zero) {
			return true, ""
		}
		pct := openRiskUSD().Div(balance).Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(maxAccountRiskPct) {
			return false, "ACCOUNT_RISK: open risk " + pct.StringFixed(1) + "% exceeds cap"
		}
		return true, ""
	}
}
