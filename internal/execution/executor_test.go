package execution_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/internal/execution"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

type fakeExecStore struct {
	saved     []*types.Signal
	statuses  map[string]types.SignalStatus
	metadata  map[string]map[string]interface{}
	positions map[string]*types.PositionMetadata
	saveErr   error
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		statuses:  map[string]types.SignalStatus{},
		metadata:  map[string]map[string]interface{}{},
		positions: map[string]*types.PositionMetadata{},
	}
}

func (f *fakeExecStore) SaveSignal(ctx context.Context, sig *types.Signal) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	if sig.ID == "" {
		sig.ID = "sig-" + sig.Symbol
	}
	f.saved = append(f.saved, sig)
	f.statuses[sig.ID] = sig.Status
	return sig.ID, nil
}

func (f *fakeExecStore) UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error {
	f.statuses[id] = newStatus
	f.metadata[id] = extraMetadata
	return nil
}

func (f *fakeExecStore) UpsertPositionMetadata(ctx context.Context, pm *types.PositionMetadata) error {
	f.positions[pm.Ticket] = pm
	return nil
}

type fakeGovernor struct{ locked bool }

func (g *fakeGovernor) IsLocked() bool { return g.locked }

func buyPaperSignal() *types.Signal {
	return &types.Signal{
		TraceID:       "trace-1",
		Symbol:        "EURUSD",
		Timeframe:     types.TF1h,
		SignalType:    types.SignalBuy,
		Confidence:    0.7,
		EntryPrice:    decimal.NewFromFloat(1.1000),
		StopLoss:      decimal.NewFromFloat(1.0950),
		TakeProfit:    decimal.NewFromFloat(1.1100),
		Volume:        decimal.NewFromFloat(0.1),
		ConnectorType: types.ConnectorPaper,
		Status:        types.StatusPending,
	}
}

func TestExecuteSignalRejectsMalformedShape(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{})

	sig := buyPaperSignal()
	sig.Confidence = 2.0

	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)
	require.Error(t, err)
	assert.Equal(t, types.StatusRejected, store.statuses[sig.ID])
	assert.Contains(t, store.metadata[sig.ID]["reject_reason"], "INVALID_DATA")
}

func TestExecuteSignalRejectsWhenLockdownActive(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{locked: true})

	sig := buyPaperSignal()
	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)
	require.Error(t, err)
	assert.Contains(t, store.metadata[sig.ID]["reject_reason"], "REJECTED_LOCKDOWN")
}

func TestExecuteSignalRejectsWhenNoConnectorRegistered(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{})

	sig := buyPaperSignal()
	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)
	require.Error(t, err)
	assert.Contains(t, store.metadata[sig.ID]["reject_reason"], "REJECTED_CONNECTION")
}

func TestExecuteSignalSucceedsAndPersistsPositionMetadata(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	paper := execution.NewPaperConnector(decimal.NewFromInt(10000))
	paper.SetPrice("EURUSD", decimal.NewFromFloat(1.1005))
	registry.Register(types.ConnectorPaper, paper)
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{})

	sig := buyPaperSignal()
	err := ex.ExecuteSignal(context.Background(), sig, 50, types.RegimeBull)
	require.NoError(t, err)

	assert.Equal(t, types.StatusExecuted, store.statuses[sig.ID])
	assert.Len(t, store.positions, 1)
	for _, pm := range store.positions {
		assert.Equal(t, "EURUSD", pm.Symbol)
		assert.True(t, pm.InitialRiskUSD.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, types.RegimeBull, pm.EntryRegime)
	}
}

func TestExecuteSignalUsesExistingIDWithoutResaving(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	paper := execution.NewPaperConnector(decimal.NewFromInt(10000))
	registry.Register(types.ConnectorPaper, paper)
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{})

	sig := buyPaperSignal()
	sig.ID = "pre-assigned"
	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)
	require.NoError(t, err)

	assert.Empty(t, store.saved)
	assert.Equal(t, types.StatusExecuted, store.statuses["pre-assigned"])
}

func TestExecuteSignalRejectsMT5ConnectorWhenTicketMissing(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	registry.Register(types.ConnectorMetaTrader5, &noTicketConnector{})
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{})

	sig := buyPaperSignal()
	sig.ConnectorType = types.ConnectorMetaTrader5
	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)
	require.Error(t, err)
	assert.Equal(t, types.StatusRejected, store.statuses[sig.ID])
	assert.Contains(t, store.metadata[sig.ID]["reject_reason"], "REJECTED_CONNECTION")
}

// noTicketConnector embeds PaperConnector's behaviour for ExecuteSignal
// but reports success without a ticket, exercising the MT5-specific
// ticket-required branch.
type noTicketConnector struct {
	execution.PaperConnector
}

func (c *noTicketConnector) ExecuteSignal(ctx context.Context, sig *types.Signal) (types.ExecuteResult, error) {
	return types.ExecuteResult{Success: true, Ticket: ""}, nil
}

func TestRegistryGetReturnsRegisteredConnector(t *testing.T) {
	registry := execution.NewRegistry()
	_, ok := registry.Get(types.ConnectorPaper)
	assert.False(t, ok)

	paper := execution.NewPaperConnector(decimal.Zero)
	registry.Register(types.ConnectorPaper, paper)
	conn, ok := registry.Get(types.ConnectorPaper)
	require.True(t, ok)
	assert.Same(t, paper, conn)
}

func TestPolicyRejectionErrorCarriesReasonAndTraceID(t *testing.T) {
	store := newFakeExecStore()
	registry := execution.NewRegistry()
	ex := execution.New(zap.NewNop(), store, registry, &fakeGovernor{locked: true})

	sig := buyPaperSignal()
	err := ex.ExecuteSignal(context.Background(), sig, 10, types.RegimeBull)

	var structured *errs.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, errs.KindPolicyRejection, structured.Kind)
	assert.Equal(t, sig.TraceID, structured.TraceID)
}
