package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/risk"
	"github.com/atlas-desktop/aethelgard/internal/sizing"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

type fakeStore struct {
	profile           *types.AssetProfile
	state             map[string]interface{}
	params            map[string]interface{}
	timeSinceLastTrade time.Duration
	hasTraded          bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profile: &types.AssetProfile{
			Symbol: "EURUSD", ContractSize: decimal.NewFromInt(100000), Enabled: true,
			PipSize: decimal.NewFromFloat(0.0001), LotMin: decimal.NewFromFloat(0.01), LotMax: decimal.NewFromInt(100),
		},
		state:  map[string]interface{}{"lockdown_mode": false, "consecutive_losses": float64(0)},
		params: map[string]interface{}{"max_r_per_trade": "2.0"},
	}
}

func (f *fakeStore) GetAssetProfile(ctx context.Context, symbol, traceID string) (*types.AssetProfile, error) {
	return f.profile, nil
}
func (f *fakeStore) GetSystemState(ctx context.Context) (map[string]interface{}, error) {
	return f.state, nil
}
func (f *fakeStore) UpdateSystemState(ctx context.Context, patch map[string]interface{}) error {
	for k, v := range patch {
		f.state[k] = v
	}
	return nil
}
func (f *fakeStore) GetDynamicParams(ctx context.Context) (map[string]interface{}, error) {
	return f.params, nil
}
func (f *fakeStore) TimeSinceLastTrade(ctx context.Context) (time.Duration, bool, error) {
	return f.timeSinceLastTrade, f.hasTraded, nil
}

func buySig() *types.Signal {
	return &types.Signal{
		Symbol: "EURUSD", TraceID: "trace-1", Timeframe: types.TF1h, SignalType: types.SignalBuy,
		EntryPrice: decimal.NewFromFloat(1.1), StopLoss: decimal.NewFromFloat(1.099),
		TakeProfit: decimal.NewFromFloat(1.12),
	}
}

func TestCanTakeNewTradeHappyPath(t *testing.T) {
	store := newFakeStore()
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	ok, reason := gov.CanTakeNewTrade(context.Background(), buySig(), &fakeMarketData{}, decimal.NewFromInt(10000))
	assert.True(t, ok, reason)
}

func TestCanTakeNewTradeRejectsWhenAssetNotNormalized(t *testing.T) {
	store := newFakeStore()
	store.profile = nil
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	ok, reason := gov.CanTakeNewTrade(context.Background(), buySig(), &fakeMarketData{}, decimal.NewFromInt(10000))
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestCanTakeNewTradeRejectsWhenLocked(t *testing.T) {
	store := newFakeStore()
	store.state["lockdown_mode"] = true
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))
	require.NoError(t, gov.Bootstrap(context.Background()))

	ok, reason := gov.CanTakeNewTrade(context.Background(), buySig(), &fakeMarketData{}, decimal.NewFromInt(10000))
	assert.False(t, ok)
	assert.Equal(t, "REJECTED_LOCKDOWN", reason)
}

func TestSafetyGovernorVetoesExcessiveRUnit(t *testing.T) {
	store := newFakeStore()
	store.params["max_r_per_trade"] = "0.01" // absurdly tight ceiling forces a veto
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	ok, reason := gov.CanTakeNewTrade(context.Background(), buySig(), &fakeMarketData{}, decimal.NewFromInt(10000))
	assert.False(t, ok)
	assert.Contains(t, reason, "SAFETY_GOV")
}

func TestRecordTradeResultActivatesLockdownAfterConsecutiveLosses(t *testing.T) {
	store := newFakeStore()
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	assert.False(t, gov.IsLocked())
	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	assert.False(t, gov.IsLocked())
	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	assert.True(t, gov.IsLocked())

	assert.Equal(t, true, store.state["lockdown_mode"])
}

func TestRecordTradeResultWinResetsConsecutiveLossesAndDeactivatesLockdown(t *testing.T) {
	store := newFakeStore()
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	gov.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-100), 3)
	require.True(t, gov.IsLocked())

	gov.RecordTradeResult(context.Background(), true, decimal.NewFromInt(500), 3)
	assert.False(t, gov.IsLocked())
	assert.Equal(t, 0, gov.Status().ConsecutiveLosses)
}

func TestBootstrapResetsStaleLockdown(t *testing.T) {
	store := newFakeStore()
	store.state["lockdown_mode"] = true
	store.state["lockdown_date"] = ""
	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	require.NoError(t, gov.Bootstrap(context.Background()))
	assert.False(t, gov.IsLocked())
}

func TestBootstrapResetsAfter24hRest(t *testing.T) {
	store := newFakeStore()
	store.state["lockdown_mode"] = true
	store.state["lockdown_date"] = time.Now().Add(-48 * time.Hour).Format(time.RFC3339)
	store.state["lockdown_balance"] = "10000" // capital 10000 < 102% of it, so only the rest rule can reset
	store.timeSinceLastTrade = 25 * time.Hour
	store.hasTraded = true

	sizer := sizing.New(zap.NewNop(), sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig()), decimal.NewFromFloat(0.01))
	gov := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	require.NoError(t, gov.Bootstrap(context.Background()))
	assert.False(t, gov.IsLocked())
}

type fakeMarketData struct{}

func (fakeMarketData) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}
func (fakeMarketData) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	return types.SymbolInfo{
		Digits: 5, Point: decimal.NewFromFloat(0.0001), ContractSize: decimal.NewFromInt(100000),
		VolumeMin: decimal.NewFromFloat(0.01), VolumeMax: decimal.NewFromInt(100), VolumeStep: decimal.NewFromFloat(0.01),
	}, nil
}
func (fakeMarketData) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	return decimal.Zero, false
}
