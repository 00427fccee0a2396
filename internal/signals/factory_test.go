package signals_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/signals"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

type fakeFactoryStore struct {
	openPositions map[string]bool
	recentSignals map[string]bool
	saved         []*types.Signal
}

func newFakeFactoryStore() *fakeFactoryStore {
	return &fakeFactoryStore{openPositions: map[string]bool{}, recentSignals: map[string]bool{}}
}

func (f *fakeFactoryStore) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	return f.openPositions[symbol], nil
}
func (f *fakeFactoryStore) HasRecentSignal(ctx context.Context, symbol string, st types.SignalType, tf types.Timeframe) (bool, error) {
	return f.recentSignals[symbol], nil
}
func (f *fakeFactoryStore) SaveSignal(ctx context.Context, sig *types.Signal) (string, error) {
	sig.ID = "saved-" + sig.Symbol
	f.saved = append(f.saved, sig)
	return sig.ID, nil
}

func trendingFrame(n int) types.Frame {
	start := time.Now().Add(-time.Duration(n) * time.Hour)
	frame := make(types.Frame, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		o, c := price, price+1
		frame = append(frame, types.OHLC{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(o), High: decimal.NewFromFloat(c + 0.2),
			Low: decimal.NewFromFloat(o - 0.2), Close: decimal.NewFromFloat(c), Volume: decimal.NewFromInt(1000),
		})
		price = c
	}
	return frame
}

func TestGenerateProducesAndPersistsSignal(t *testing.T) {
	store := newFakeFactoryStore()
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	entries := []signals.ScanEntry{{Symbol: "EURUSD", Timeframe: types.TF1h, Frame: trendingFrame(30), Regime: types.RegimeBull}}
	out := factory.Generate(context.Background(), entries, nil, nil)

	require.Len(t, out, 1)
	assert.Equal(t, types.SignalBuy, out[0].SignalType)
	assert.Equal(t, types.StatusPending, out[0].Status)
	require.Len(t, store.saved, 1)
}

func TestGenerateSkipsSymbolWithOpenPosition(t *testing.T) {
	store := newFakeFactoryStore()
	store.openPositions["EURUSD"] = true
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	entries := []signals.ScanEntry{{Symbol: "EURUSD", Timeframe: types.TF1h, Frame: trendingFrame(30), Regime: types.RegimeBull}}
	out := factory.Generate(context.Background(), entries, nil, nil)

	assert.Empty(t, out)
	assert.Empty(t, store.saved)
}

func TestGenerateSkipsDuplicateRecentSignal(t *testing.T) {
	store := newFakeFactoryStore()
	store.recentSignals["EURUSD"] = true
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	entries := []signals.ScanEntry{{Symbol: "EURUSD", Timeframe: types.TF1h, Frame: trendingFrame(30), Regime: types.RegimeBull}}
	out := factory.Generate(context.Background(), entries, nil, nil)

	assert.Empty(t, out)
}

func TestGenerateRangeRegimeYieldsNoSignal(t *testing.T) {
	store := newFakeFactoryStore()
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	entries := []signals.ScanEntry{{Symbol: "EURUSD", Timeframe: types.TF1h, Frame: trendingFrame(30), Regime: types.RegimeRange}}
	out := factory.Generate(context.Background(), entries, nil, nil)

	assert.Empty(t, out)
}

func TestGenerateAppliesConfluenceWhenHigherTFProvided(t *testing.T) {
	store := newFakeFactoryStore()
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	entries := []signals.ScanEntry{{Symbol: "EURUSD", Timeframe: types.TF1h, Frame: trendingFrame(30), Regime: types.RegimeBull}}
	higherTF := map[string]map[types.Timeframe]types.MarketRegime{
		"EURUSD": {types.TF4h: types.RegimeBull},
	}
	weights := signals.ConfluenceWeights{types.TF4h: decimal.NewFromInt(40)}

	out := factory.Generate(context.Background(), entries, higherTF, weights)
	require.Len(t, out, 1)
	meta, ok := out[0].Metadata["confluence_analysis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "40.00", meta["total_score"])
}
