package feedback_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/feedback"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

type fakeClosureStore struct {
	executed        []*types.Signal
	statuses        map[string]types.SignalStatus
	savedResults    []*types.TradeResult
	deletedTickets   []string
}

func (f *fakeClosureStore) GetSignals(ctx context.Context, filters storage.SignalFilters) ([]*types.Signal, error) {
	if filters.Status != types.StatusExecuted {
		return nil, nil
	}
	return f.executed, nil
}

func (f *fakeClosureStore) UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error {
	if f.statuses == nil {
		f.statuses = map[string]types.SignalStatus{}
	}
	f.statuses[id] = newStatus
	return nil
}

func (f *fakeClosureStore) SaveTradeResult(ctx context.Context, tr *types.TradeResult) (string, error) {
	f.savedResults = append(f.savedResults, tr)
	return "result-1", nil
}

func (f *fakeClosureStore) DeletePositionMetadata(ctx context.Context, ticket string) error {
	f.deletedTickets = append(f.deletedTickets, ticket)
	return nil
}

func (f *fakeClosureStore) GetPositionMetadata(ctx context.Context, ticket string) (*types.PositionMetadata, error) {
	return nil, nil
}

type fakeClosedPositionSource struct {
	positions []types.ClosedPosition
}

func (f *fakeClosedPositionSource) GetClosedPositions(ctx context.Context, sinceHours int) ([]types.ClosedPosition, error) {
	return f.positions, nil
}

type fakeResultRecorder struct {
	calls []bool
}

func (f *fakeResultRecorder) RecordTradeResult(ctx context.Context, isWin bool, pnl decimal.Decimal, maxConsecutiveLosses int) {
	f.calls = append(f.calls, isWin)
}

func TestIngestMatchesClosedPositionToExecutedSignalByTicket(t *testing.T) {
	store := &fakeClosureStore{
		executed: []*types.Signal{{ID: "sig-1", Symbol: "EURUSD", OrderID: "ticket-1", Timestamp: time.Now().Add(-time.Hour)}},
	}
	recorder := &fakeResultRecorder{}
	closure := feedback.NewClosure(zap.NewNop(), store, recorder)

	source := &fakeClosedPositionSource{positions: []types.ClosedPosition{
		{Ticket: "ticket-1", Profit: decimal.NewFromInt(25), CloseTime: time.Now(), EntryPrice: decimal.NewFromFloat(1.1), ExitPrice: decimal.NewFromFloat(1.105)},
	}}

	count, err := closure.Ingest(context.Background(), source, 24, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, types.StatusClosed, store.statuses["sig-1"])
	require.Len(t, store.savedResults, 1)
	assert.True(t, store.savedResults[0].IsWin)
	assert.Equal(t, []string{"ticket-1"}, store.deletedTickets)
	assert.Equal(t, []bool{true}, recorder.calls)
}

func TestIngestSkipsClosedPositionsWithNoMatchingSignal(t *testing.T) {
	store := &fakeClosureStore{}
	recorder := &fakeResultRecorder{}
	closure := feedback.NewClosure(zap.NewNop(), store, recorder)

	source := &fakeClosedPositionSource{positions: []types.ClosedPosition{
		{Ticket: "orphan", Profit: decimal.NewFromInt(10), CloseTime: time.Now()},
	}}

	count, err := closure.Ingest(context.Background(), source, 24, 3)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, recorder.calls)
}

func TestIngestRecordsLossForNegativeProfit(t *testing.T) {
	store := &fakeClosureStore{
		executed: []*types.Signal{{ID: "sig-1", Symbol: "EURUSD", OrderID: "ticket-1", Timestamp: time.Now().Add(-time.Hour)}},
	}
	recorder := &fakeResultRecorder{}
	closure := feedback.NewClosure(zap.NewNop(), store, recorder)

	source := &fakeClosedPositionSource{positions: []types.ClosedPosition{
		{Ticket: "ticket-1", Profit: decimal.NewFromInt(-15), CloseTime: time.Now()},
	}}

	count, err := closure.Ingest(context.Background(), source, 24, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, store.savedResults[0].IsWin)
	assert.Equal(t, []bool{false}, recorder.calls)
}
