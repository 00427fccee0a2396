// Package feedback closes the loop from broker fills back into risk
// state and dynamic parameters: closure ingestion matches closed
// positions to EXECUTED signals and records trade results; the Tuner
// periodically rewrites dynamic parameters from the recent win rate.
package feedback

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Store is the narrow storage contract closure ingestion needs.
type Store interface {
	GetSignals(ctx context.Context, f storage.SignalFilters) ([]*types.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error
	SaveTradeResult(ctx context.Context, t *types.TradeResult) (string, error)
	DeletePositionMetadata(ctx context.Context, ticket string) error
	GetPositionMetadata(ctx context.Context, ticket string) (*types.PositionMetadata, error)
}

// ResultRecorder is satisfied by the risk Governor.
type ResultRecorder interface {
	RecordTradeResult(ctx context.Context, isWin bool, pnl decimal.Decimal, maxConsecutiveLosses int)
}

// ClosedPositionSource is satisfied by a BrokerConnector.
type ClosedPositionSource interface {
	GetClosedPositions(ctx context.Context, sinceHours int) ([]types.ClosedPosition, error)
}

// Closure is the closure-ingestion listener.
type Closure struct {
	logger   *zap.Logger
	store    Store
	governor ResultRecorder
}

func NewClosure(logger *zap.Logger, store Store, governor ResultRecorder) *Closure {
	return &Closure{logger: logger.Named("feedback.closure"), store: store, governor: governor}
}

// Ingest polls conn for recently closed positions, matches each to its
// EXECUTED signal by ticket, writes a TradeResult, transitions the
// signal to CLOSED, and feeds the outcome to the risk governor.
func (c *Closure) Ingest(ctx context.Context, conn ClosedPositionSource, sinceHours int, maxConsecutiveLosses int) (int, error) {
	closedPositions, err := conn.GetClosedPositions(ctx, sinceHours)
	if err != nil {
		return 0, errs.Connector("fetch closed positions", err)
	}

	executed, err := c.store.GetSignals(ctx, storage.SignalFilters{Status: types.StatusExecuted})
	if err != nil {
		return 0, err
	}
	byTicket := map[string]*types.Signal{}
	for _, sig := range executed {
		if sig.OrderID != "" {
			byTicket[sig.OrderID] = sig
		}
	}

	ingested := 0
	for _, closedPos := range closedPositions {
		sig, ok := byTicket[closedPos.Ticket]
		if !ok {
			continue
		}

		isWin := closedPos.Profit.GreaterThan(decimal.Zero)
		durationMinutes := int64(closedPos.CloseTime.Sub(sig.Timestamp).Minutes())
		regime, _ := sig.Regime()

		result := &types.TradeResult{
			SignalID: sig.ID, Symbol: sig.Symbol, EntryPrice: closedPos.EntryPrice, ExitPrice: closedPos.ExitPrice,
			ProfitLoss: closedPos.Profit, IsWin: isWin, ExitReason: closedPos.ExitReason,
			DurationMinutes: durationMinutes, MarketRegime: regime, Timestamp: closedPos.CloseTime,
		}
		if _, err := c.store.SaveTradeResult(ctx, result); err != nil {
			c.logger.Error("failed to save trade result", zap.String("ticket", closedPos.Ticket), zap.Error(err))
			continue
		}
		if err := c.store.UpdateSignalStatus(ctx, sig.ID, types.StatusClosed, map[string]interface{}{
			"close_price": closedPos.ExitPrice.String(), "profit_loss": closedPos.Profit.String(),
		}); err != nil {
			c.logger.Error("failed to transition signal to closed", zap.String("id", sig.ID), zap.Error(err))
			continue
		}
		if err := c.store.DeletePositionMetadata(ctx, closedPos.Ticket); err != nil {
			c.logger.Warn("failed to delete position metadata after close", zap.String("ticket", closedPos.Ticket), zap.Error(err))
		}

		c.governor.RecordTradeResult(ctx, isWin, closedPos.Profit, maxConsecutiveLosses)
		ingested++
	}
	return ingested, nil
}
