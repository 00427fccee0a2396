package signals

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// TrendFollow is a reference strategy: it proposes a BUY in a bullish
// trend regime and a SELL in a bearish one, sizing the stop from the
// frame's recent range. It is a concrete strategy implementation
// exercising the Registry/Factory dispatch path, not a curated edge.
type TrendFollow struct {
	stopATRMultiple    decimal.Decimal
	takeProfitMultiple decimal.Decimal
}

func NewTrendFollow() *TrendFollow {
	return &TrendFollow{
		stopATRMultiple:    decimal.NewFromFloat(1.5),
		takeProfitMultiple: decimal.NewFromFloat(3.0),
	}
}

func (t *TrendFollow) Name() string { return "trend_follow" }

func (t *TrendFollow) Analyze(symbol string, frame types.Frame, regime types.MarketRegime, tf types.Timeframe) *types.Signal {
	if len(frame) < 20 {
		return nil
	}
	if regime != types.RegimeBull && regime != types.RegimeBear {
		return nil
	}

	last := frame[len(frame)-1]
	rangeSize := recentRange(frame, 14)
	if rangeSize.IsZero() {
		return nil
	}

	sig := &types.Signal{
		Symbol: symbol, Timeframe: tf, EntryPrice: last.Close, Confidence: 0.55,
		Metadata: map[string]interface{}{"regime": string(regime), "strategy": t.Name()},
	}

	if regime == types.RegimeBull {
		sig.SignalType = types.SignalBuy
		sig.StopLoss = last.Close.Sub(rangeSize.Mul(t.stopATRMultiple))
		sig.TakeProfit = last.Close.Add(rangeSize.Mul(t.takeProfitMultiple))
	} else {
		sig.SignalType = types.SignalSell
		sig.StopLoss = last.Close.Add(rangeSize.Mul(t.stopATRMultiple))
		sig.TakeProfit = last.Close.Sub(rangeSize.Mul(t.takeProfitMultiple))
	}
	return sig
}

// recentRange is the average high-low range over the last `period` bars,
// used as a cheap stop-distance proxy.
func recentRange(frame types.Frame, period int) decimal.Decimal {
	n := len(frame)
	if n == 0 {
		return decimal.Zero
	}
	if period > n {
		period = n
	}
	sum := decimal.Zero
	for i := n - period; i < n; i++ {
		sum = sum.Add(frame[i].High.Sub(frame[i].Low))
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
