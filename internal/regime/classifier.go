// Package regime classifies market behavior for a (symbol, timeframe)
// pair into Aethelgard's eight-regime set using ADX-based trend/range
// detection and ATR-based shock detection, deterministic given the same
// frame.
package regime

import (
	"math"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Thresholds are the boundary values a classification run uses. The
// orchestrator takes ADXTrend from the dynamic parameter
// strategy_thresholds.adx_threshold on every cycle, so the tuner can
// adjust it; the ATR multipliers come from its configuration.
type Thresholds struct {
	ADXTrend     float64 // ADX above this => trending
	ATRShockMult float64 // current ATR > ATRShockMult * average ATR => SHOCK
	ATRVolMult   float64 // current ATR > ATRVolMult * average ATR => VOLATILE
}

// DefaultThresholds mirrors the teacher's own default regime boundaries,
// retargeted to ADX/ATR semantics.
func DefaultThresholds() Thresholds {
	return Thresholds{ADXTrend: 25.0, ATRShockMult: 3.0, ATRVolMult: 1.75}
}

// Classifier is a stateless, deterministic classifier: given the same
// frame and thresholds it always returns the same regime.
type Classifier struct {
	logger *zap.Logger
}

// New creates a Classifier.
func New(logger *zap.Logger) *Classifier {
	return &Classifier{logger: logger.Named("regime")}
}

// Result is the classifier's output for one (symbol, timeframe) pair.
type Result struct {
	Regime     types.MarketRegime
	ADX        float64
	ATR        float64
	Confidence float64
}

// Classify computes ADX and ATR over frame and maps them to one of the
// eight regimes. Requires at least 15 bars; shorter frames return NORMAL
// with zero confidence rather than erroring — the scanner simply omits
// low-confidence pairs from further dispatch if it chooses to.
func (c *Classifier) Classify(frame types.Frame, th Thresholds) Result {
	if len(frame) < 15 {
		return Result{Regime: types.RegimeNormal, Confidence: 0}
	}

	adx := computeADX(frame, 14)
	atr := computeATR(frame, 14)
	avgATR := averageATR(frame, 14)

	trendUp := isUptrend(frame)

	switch {
	case avgATR > 0 && atr > th.ATRShockMult*avgATR:
		return Result{Regime: types.RegimeShock, ADX: adx, ATR: atr, Confidence: confidenceFromRatio(atr, th.ATRShockMult*avgATR)}
	case avgATR > 0 && atr > th.ATRVolMult*avgATR:
		regime := types.RegimeVolatile
		if adx >= th.ADXTrend && !trendUp {
			regime = types.RegimeCrash
		}
		return Result{Regime: regime, ADX: adx, ATR: atr, Confidence: confidenceFromRatio(atr, th.ATRVolMult*avgATR)}
	case adx >= th.ADXTrend:
		regime := types.RegimeTrend
		if trendUp {
			regime = types.RegimeBull
		} else {
			regime = types.RegimeBear
		}
		return Result{Regime: regime, ADX: adx, ATR: atr, Confidence: confidenceFromRatio(adx, th.ADXTrend)}
	default:
		return Result{Regime: types.RegimeRange, ADX: adx, ATR: atr, Confidence: confidenceFromRatio(th.ADXTrend, adx+1)}
	}
}

func confidenceFromRatio(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	ratio := value / threshold
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// isUptrend is a simple close[last] vs close[first-of-window] comparison
// over the ADX lookback window.
func isUptrend(frame types.Frame) bool {
	n := len(frame)
	lookback := 14
	if n <= lookback {
		lookback = n - 1
	}
	first := frame[n-1-lookback].Close
	last := frame[n-1].Close
	return last.GreaterThan(first)
}

// ATR exposes computeATR for callers outside the classifier (the
// position manager's regime-change SL/TP re-targeting).
func ATR(frame types.Frame, period int) float64 {
	return computeATR(frame, period)
}

// computeATR computes the simple-average True Range over the last
// `period` bars.
func computeATR(frame types.Frame, period int) float64 {
	n := len(frame)
	if n < 2 {
		return 0
	}
	start := n - period
	if start < 1 {
		start = 1
	}
	var sum float64
	count := 0
	for i := start; i < n; i++ {
		sum += trueRange(frame[i], frame[i-1])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// averageATR computes ATR over the window preceding the most recent
// `period` bars, used as the baseline for shock/volatility ratios.
func averageATR(frame types.Frame, period int) float64 {
	n := len(frame)
	end := n - period
	if end < 2 {
		return computeATR(frame, period)
	}
	start := end - period
	if start < 1 {
		start = 1
	}
	var sum float64
	count := 0
	for i := start; i < end; i++ {
		sum += trueRange(frame[i], frame[i-1])
		count++
	}
	if count == 0 {
		return computeATR(frame, period)
	}
	return sum / float64(count)
}

func trueRange(cur, prev types.OHLC) float64 {
	high, _ := cur.High.Float64()
	low, _ := cur.Low.Float64()
	prevClose, _ := prev.Close.Float64()

	hl := high - low
	hc := math.Abs(high - prevClose)
	lc := math.Abs(low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// computeADX returns the directional index (DX) computed from +DM, -DM
// and true range each summed over the last `period` bars. It applies no
// recursive Wilder smoothing and does not average DX over time.
func computeADX(frame types.Frame, period int) float64 {
	n := len(frame)
	if n < period+1 {
		return 0
	}

	var plusDM, minusDM, tr []float64
	for i := 1; i < n; i++ {
		high, _ := frame[i].High.Float64()
		low, _ := frame[i].Low.Float64()
		prevHigh, _ := frame[i-1].High.Float64()
		prevLow, _ := frame[i-1].Low.Float64()

		upMove := high - prevHigh
		downMove := prevLow - low

		pd, md := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			pd = upMove
		}
		if downMove > upMove && downMove > 0 {
			md = downMove
		}
		plusDM = append(plusDM, pd)
		minusDM = append(minusDM, md)
		tr = append(tr, trueRange(frame[i], frame[i-1]))
	}

	smoothedTR := wilderSmooth(tr, period)
	smoothedPlusDM := wilderSmooth(plusDM, period)
	smoothedMinusDM := wilderSmooth(minusDM, period)

	if smoothedTR == 0 {
		return 0
	}
	plusDI := 100 * smoothedPlusDM / smoothedTR
	minusDI := 100 * smoothedMinusDM / smoothedTR

	sumDI := plusDI + minusDI
	if sumDI == 0 {
		return 0
	}
	dx := 100 * math.Abs(plusDI-minusDI) / sumDI
	return dx
}

func wilderSmooth(values []float64, period int) float64 {
	if len(values) < period {
		period = len(values)
	}
	if period == 0 {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum
}
