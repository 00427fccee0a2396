package regime_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/regime"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

func bar(ts time.Time, o, h, l, c float64) types.OHLC {
	return types.OHLC{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(1000),
	}
}

func TestClassifyShortFrameReturnsNormalWithZeroConfidence(t *testing.T) {
	c := regime.New(zap.NewNop())
	frame := types.Frame{bar(time.Now(), 1, 1.01, 0.99, 1)}
	result := c.Classify(frame, regime.DefaultThresholds())
	assert.Equal(t, types.RegimeNormal, result.Regime)
	assert.Zero(t, result.Confidence)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := regime.New(zap.NewNop())
	frame := steadyUptrend(30)
	th := regime.DefaultThresholds()

	r1 := c.Classify(frame, th)
	r2 := c.Classify(frame, th)
	assert.Equal(t, r1, r2)
}

func TestClassifyDetectsUptrendAsBull(t *testing.T) {
	c := regime.New(zap.NewNop())
	frame := steadyUptrend(30)
	result := c.Classify(frame, regime.DefaultThresholds())
	assert.Equal(t, types.RegimeBull, result.Regime)
}

func TestClassifyFlatMarketIsRange(t *testing.T) {
	c := regime.New(zap.NewNop())
	frame := flatMarket(30)
	result := c.Classify(frame, regime.DefaultThresholds())
	assert.Equal(t, types.RegimeRange, result.Regime)
}

func TestClassifyDetectsShock(t *testing.T) {
	c := regime.New(zap.NewNop())
	frame := flatMarket(25)
	// Append one violently wide bar — ATR spikes far past the shock
	// multiplier of the preceding quiet baseline.
	last := frame[len(frame)-1]
	shockBar := bar(last.Timestamp.Add(time.Hour), 100, 140, 60, 100)
	frame = append(frame, shockBar)

	result := c.Classify(frame, regime.DefaultThresholds())
	assert.Equal(t, types.RegimeShock, result.Regime)
}

func steadyUptrend(n int) types.Frame {
	start := time.Now().Add(-time.Duration(n) * time.Hour)
	frame := make(types.Frame, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		o := price
		c := price + 1
		h := c + 0.2
		l := o - 0.2
		frame = append(frame, bar(start.Add(time.Duration(i)*time.Hour), o, h, l, c))
		price = c
	}
	return frame
}

func flatMarket(n int) types.Frame {
	start := time.Now().Add(-time.Duration(n) * time.Hour)
	frame := make(types.Frame, 0, n)
	for i := 0; i < n; i++ {
		frame = append(frame, bar(start.Add(time.Duration(i)*time.Hour), 100, 100.2, 99.8, 100))
	}
	return frame
}

func TestATRExportedHelperMatchesClassification(t *testing.T) {
	frame := steadyUptrend(20)
	atr := regime.ATR(frame, 14)
	assert.GreaterOrEqual(t, atr, 0.0)
}
