package feedback

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// TunerStore is the narrow storage contract the tuner needs.
type TunerStore interface {
	GetRecentTrades(ctx context.Context, limit int) ([]*types.TradeResult, error)
	GetDynamicParams(ctx context.Context) (map[string]interface{}, error)
	UpdateDynamicParams(ctx context.Context, patch map[string]interface{}) error
}

// AdjustmentResult records why and how the tuner moved parameters.
type AdjustmentResult struct {
	Trigger          string
	WinRate          float64
	TargetWinRate    float64
	SampleSize       int
	AdjustmentFactor float64 // +1 = relaxed, -1 = tightened, 0 = no-op
	Changes          map[string]string
}

// Tuner periodically rewrites dynamic parameters from the recent win
// rate: a win rate below target-minus-margin tightens the strategy
// thresholds, one above target-plus-margin relaxes them back.
type Tuner struct {
	logger *zap.Logger
	store  TunerStore
	margin float64 // tolerance band around target_win_rate, e.g. 0.05
}

func NewTuner(logger *zap.Logger, store TunerStore, margin float64) *Tuner {
	return &Tuner{logger: logger.Named("feedback.tuner"), store: store, margin: margin}
}

// Adjust reads up to limitTrades recent trades and the live dynamic
// params, and nudges the strategy-threshold knobs conservative or
// relaxed depending on whether the sample win rate undershoots or
// overshoots target_win_rate by more than the tolerance margin. It is
// a no-op (AdjustmentFactor 0) below the configured sample-size floor.
func (t *Tuner) Adjust(ctx context.Context, limitTrades int) (*AdjustmentResult, error) {
	params, err := t.store.GetDynamicParams(ctx)
	if err != nil {
		return nil, err
	}

	if enabled, ok := params["tuning_enabled"].(bool); ok && !enabled {
		return &AdjustmentResult{Trigger: "tuning_disabled"}, nil
	}

	minTrades := intParam(params, "min_trades_for_tuning", 20)
	targetWinRate := floatParam(params, "target_win_rate", 0.55)

	trades, err := t.store.GetRecentTrades(ctx, limitTrades)
	if err != nil {
		return nil, err
	}
	if len(trades) < minTrades {
		return &AdjustmentResult{
			Trigger: "insufficient_sample", SampleSize: len(trades), TargetWinRate: targetWinRate,
		}, nil
	}

	wins := 0
	for _, tr := range trades {
		if tr.IsWin {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(trades))

	result := &AdjustmentResult{
		SampleSize: len(trades), WinRate: winRate, TargetWinRate: targetWinRate, Changes: map[string]string{},
	}

	thresholds, _ := params["strategy_thresholds"].(map[string]interface{})
	if thresholds == nil {
		thresholds = map[string]interface{}{}
	}

	switch {
	case winRate < targetWinRate-t.margin:
		result.Trigger = "win_rate_below_target"
		result.AdjustmentFactor = -1
		t.tighten(thresholds, result.Changes)
	case winRate > targetWinRate+t.margin:
		result.Trigger = "win_rate_above_target"
		result.AdjustmentFactor = 1
		t.relax(thresholds, result.Changes)
	default:
		result.Trigger = "within_tolerance"
		return result, nil
	}

	if err := t.store.UpdateDynamicParams(ctx, map[string]interface{}{"strategy_thresholds": thresholds}); err != nil {
		return nil, err
	}
	t.logger.Info("dynamic parameters tuned",
		zap.String("trigger", result.Trigger), zap.Float64("win_rate", winRate),
		zap.Float64("target", targetWinRate), zap.Int("sample_size", len(trades)))
	return result, nil
}

// tighten moves thresholds toward fewer, higher-quality signals: ADX
// and min-score up, ATR multiplier up, proximity down.
func (t *Tuner) tighten(thresholds map[string]interface{}, changes map[string]string) {
	t.bump(thresholds, changes, "adx_threshold", 1.0, 40)
	t.bump(thresholds, changes, "atr_multiplier", 0.1, 3.0)
	t.bump(thresholds, changes, "min_score", 2.0, 90)
	t.bump(thresholds, changes, "proximity", -0.01, 0.02)
}

// relax moves thresholds back toward the default operating band,
// reversing tighten's direction, floored so it never overshoots past
// looser-than-baseline.
func (t *Tuner) relax(thresholds map[string]interface{}, changes map[string]string) {
	t.bump(thresholds, changes, "adx_threshold", -1.0, 20)
	t.bump(thresholds, changes, "atr_multiplier", -0.1, 1.0)
	t.bump(thresholds, changes, "min_score", -2.0, 50)
	t.bump(thresholds, changes, "proximity", 0.01, 0.15)
}

// bump adds delta to thresholds[key], clamped so it never crosses
// floor (delta>0) or never dips below floor (delta<0).
func (t *Tuner) bump(thresholds map[string]interface{}, changes map[string]string, key string, delta, floor float64) {
	current := floatParam(thresholds, key, floor)
	next := current + delta
	if delta > 0 && next > floor {
		next = floor
	}
	if delta < 0 && next < floor {
		next = floor
	}
	thresholds[key] = strconv.FormatFloat(next, 'f', -1, 64)
	changes[key] = strconv.FormatFloat(current, 'f', -1, 64) + " -> " + strconv.FormatFloat(next, 'f', -1, 64)
}

func floatParam(m map[string]interface{}, key string, fallback float64) float64 {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

func intParam(m map[string]interface{}, key string, fallback int) int {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}
