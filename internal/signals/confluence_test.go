package signals_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atlas-desktop/aethelgard/internal/signals"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

func TestApplyConfluenceNoOpWhenWeightsEmpty(t *testing.T) {
	sig := &types.Signal{SignalType: types.SignalBuy, Confidence: 0.5}
	signals.ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{types.TF4h: types.RegimeBull}, nil)
	assert.Equal(t, 0.5, sig.Confidence)
	assert.Nil(t, sig.Metadata)
}

func TestApplyConfluenceBoostsAlignedDirection(t *testing.T) {
	sig := &types.Signal{SignalType: types.SignalBuy, Confidence: 0.5}
	weights := signals.ConfluenceWeights{types.TF4h: decimal.NewFromInt(40)}
	signals.ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{types.TF4h: types.RegimeBull}, weights)
	assert.Greater(t, sig.Confidence, 0.5)
}

func TestApplyConfluencePenalizesMisalignedDirection(t *testing.T) {
	sig := &types.Signal{SignalType: types.SignalBuy, Confidence: 0.5}
	weights := signals.ConfluenceWeights{types.TF4h: decimal.NewFromInt(40)}
	signals.ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{types.TF4h: types.RegimeBear}, weights)
	assert.Less(t, sig.Confidence, 0.5)
}

func TestApplyConfluenceClampsConfidenceToUnitRange(t *testing.T) {
	sig := &types.Signal{SignalType: types.SignalBuy, Confidence: 0.95}
	weights := signals.ConfluenceWeights{
		types.TF1h: decimal.NewFromInt(100), types.TF4h: decimal.NewFromInt(100), types.TF1d: decimal.NewFromInt(100),
	}
	signals.ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{
		types.TF1h: types.RegimeBull, types.TF4h: types.RegimeBull, types.TF1d: types.RegimeBull,
	}, weights)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
}

func TestApplyConfluenceIgnoresTimeframesWithoutAWeight(t *testing.T) {
	sig := &types.Signal{SignalType: types.SignalBuy, Confidence: 0.5}
	weights := signals.ConfluenceWeights{types.TF4h: decimal.NewFromInt(40)}
	signals.ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{types.TF1d: types.RegimeBull}, weights)
	assert.Equal(t, 0.5, sig.Confidence) // D1 has no configured weight, contributes nothing
}
