package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

func decimalFromFloat(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Store is the narrow storage contract the executor needs.
type Store interface {
	SaveSignal(ctx context.Context, sig *types.Signal) (string, error)
	UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error
	UpsertPositionMetadata(ctx context.Context, pm *types.PositionMetadata) error
}

// LockdownChecker reports whether the Risk Governor is currently locked.
type LockdownChecker interface {
	IsLocked() bool
}

// Executor takes an approved signal and submits it to the right
// connector exactly once.
type Executor struct {
	logger     *zap.Logger
	store      Store
	registry   *Registry
	governor   LockdownChecker
}

func New(logger *zap.Logger, store Store, registry *Registry, governor LockdownChecker) *Executor {
	return &Executor{logger: logger.Named("execution"), store: store, registry: registry, governor: governor}
}

// ExecuteSignal runs the seven-step algorithm from the spec: validate,
// lockdown check, idempotent persist, connector routing, execution,
// and the EXECUTED/REJECTED_CONNECTION transition.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *types.Signal, riskUSD float64, regime types.MarketRegime) error {
	if err := validateShape(sig); err != nil {
		return e.reject(ctx, sig, types.StatusRejected, "INVALID_DATA: "+err.Error())
	}

	if e.governor != nil && e.governor.IsLocked() {
		return e.reject(ctx, sig, types.StatusRejected, "REJECTED_LOCKDOWN")
	}

	if sig.ID == "" {
		id, err := e.store.SaveSignal(ctx, sig)
		if err != nil {
			return errs.Storage("save signal before execution", err)
		}
		sig.ID = id
	}

	conn, ok := e.registry.Get(sig.ConnectorType)
	if !ok {
		return e.reject(ctx, sig, types.StatusRejected, "REJECTED_CONNECTION: no connector for "+string(sig.ConnectorType))
	}

	result, err := conn.ExecuteSignal(ctx, sig)
	if err != nil || !result.Success || (sig.ConnectorType == types.ConnectorMetaTrader5 && result.Ticket == "") {
		reason := "REJECTED_CONNECTION"
		if err != nil {
			reason += ": " + err.Error()
		} else if result.Error != "" {
			reason += ": " + result.Error
		}
		return e.reject(ctx, sig, types.StatusRejected, reason)
	}

	now := time.Now().UTC()
	execMeta := map[string]interface{}{
		"ticket": result.Ticket, "execution_price": result.Price.String(),
		"execution_time": now, "connector": string(sig.ConnectorType),
	}
	if err := e.store.UpdateSignalStatus(ctx, sig.ID, types.StatusExecuted, execMeta); err != nil {
		return errs.Storage("transition to executed", err)
	}

	pm := &types.PositionMetadata{
		Ticket: result.Ticket, Symbol: sig.Symbol, EntryPrice: result.Price, EntryTime: now,
		StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit, Volume: sig.Volume,
		InitialRiskUSD: decimalFromFloat(riskUSD), EntryRegime: regime, Timeframe: sig.Timeframe,
	}
	if err := e.store.UpsertPositionMetadata(ctx, pm); err != nil {
		e.logger.Error("failed to persist position metadata after execution",
			zap.String("ticket", result.Ticket), zap.Error(err))
	}
	return nil
}

func (e *Executor) reject(ctx context.Context, sig *types.Signal, status types.SignalStatus, reason string) error {
	if sig.ID == "" {
		id, err := e.store.SaveSignal(ctx, sig)
		if err != nil {
			return errs.Storage("save signal before reject", err)
		}
		sig.ID = id
	}
	if err := e.store.UpdateSignalStatus(ctx, sig.ID, status, map[string]interface{}{"reject_reason": reason}); err != nil {
		return errs.Storage("transition to rejected", err)
	}
	return errs.PolicyRejection(reason, sig.TraceID)
}

func validateShape(sig *types.Signal) error {
	if sig.Symbol == "" {
		return errBlank("symbol")
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return errBlank("confidence out of range")
	}
	switch sig.SignalType {
	case types.SignalBuy, types.SignalSell, types.SignalHold:
	default:
		return errBlank("signal_type invalid")
	}
	return nil
}

type shapeError string

func (e shapeError) Error() string { return string(e) }

func errBlank(reason string) error { return shapeError(reason) }
