// Package position implements post-execution monitoring: the Position
// Manager (emergency close, time-based exit, regime-adjusted SL/TP) and
// the Expiration Manager (aging PENDING signals to EXPIRED).
package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/execution"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Store is the narrow storage contract the position manager needs.
type Store interface {
	GetPositionMetadata(ctx context.Context, ticket string) (*types.PositionMetadata, error)
	UpsertPositionMetadata(ctx context.Context, pm *types.PositionMetadata) error
	RollbackPositionModification(ctx context.Context, ticket string) error
}

// RegimeLookup returns the current regime for a symbol, as cached by the
// scanner.
type RegimeLookup func(symbol string) (types.MarketRegime, bool)

// StaleThreshold is the regime-specific age after which a position is
// time-exited regardless of P&L.
func StaleThreshold(regime types.MarketRegime) time.Duration {
	switch regime {
	case types.RegimeTrend, types.RegimeBull:
		return 72 * time.Hour
	case types.RegimeRange:
		return 4 * time.Hour
	case types.RegimeVolatile:
		return 2 * time.Hour
	case types.RegimeCrash:
		return 1 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// regimeMultiplier is the ATR/R multiple used to re-target SL/TP when
// the current regime differs from the position's entry regime.
type regimeMultiplier struct {
	sl decimal.Decimal // multiples of ATR
	tp decimal.Decimal // multiples of R
}

func multiplierFor(regime types.MarketRegime) regimeMultiplier {
	switch regime {
	case types.RegimeTrend, types.RegimeBull, types.RegimeBear:
		return regimeMultiplier{sl: decimal.NewFromInt(3), tp: decimal.NewFromInt(3)}
	case types.RegimeRange:
		return regimeMultiplier{sl: decimal.NewFromFloat(1.5), tp: decimal.NewFromFloat(1.5)}
	default:
		return regimeMultiplier{sl: decimal.NewFromInt(2), tp: decimal.NewFromInt(2)}
	}
}

// SafetyRails bounds how aggressively the manager may touch a position.
type SafetyRails struct {
	FreezeLevelMarginPct decimal.Decimal // extra safety margin beyond broker freeze level, e.g. 0.10
	CooldownBetweenMods  time.Duration   // 5 min
	DailyModCap          int             // 10
	DrawdownMultiplier   decimal.Decimal // emergency-close trigger, multiples of initial_risk_usd
}

func DefaultSafetyRails() SafetyRails {
	return SafetyRails{
		FreezeLevelMarginPct: decimal.NewFromFloat(0.10),
		CooldownBetweenMods:  5 * time.Minute,
		DailyModCap:          10,
		DrawdownMultiplier:   decimal.NewFromInt(2),
	}
}

// Manager is the Position Manager.
type Manager struct {
	logger *zap.Logger
	store  Store
	rails  SafetyRails
}

func New(logger *zap.Logger, store Store, rails SafetyRails) *Manager {
	return &Manager{logger: logger.Named("position"), store: store, rails: rails}
}

// Action is what MonitorPositions decided to do with one open position.
type Action string

const (
	ActionNone            Action = "NONE"
	ActionEmergencyClose  Action = "EMERGENCY_CLOSE"
	ActionTimeExit        Action = "TIME_EXIT"
	ActionRegimeAdjust    Action = "REGIME_ADJUST"
	ActionCooldownSkipped Action = "COOLDOWN_SKIPPED"
	ActionModCapReached   Action = "MOD_CAP_REACHED"
)

// MonitorPositions evaluates every open position in order: emergency
// close, time-based exit, then regime-change SL/TP adjustment. atr is a
// per-symbol average-true-range lookup used to size the new SL/TP.
func (m *Manager) MonitorPositions(ctx context.Context, openPositions []types.OpenPosition, currentRegime RegimeLookup, atr func(symbol string) decimal.Decimal, conn execution.BrokerConnector) map[string]Action {
	results := make(map[string]Action, len(openPositions))

	for _, pos := range openPositions {
		action := m.evaluateOne(ctx, pos, currentRegime, atr, conn)
		results[pos.Ticket] = action
	}
	return results
}

func (m *Manager) evaluateOne(ctx context.Context, pos types.OpenPosition, currentRegime RegimeLookup, atr func(symbol string) decimal.Decimal, conn execution.BrokerConnector) Action {
	meta, err := m.store.GetPositionMetadata(ctx, pos.Ticket)
	if err != nil || meta == nil {
		m.logger.Warn("no metadata for open position, skipping", zap.String("ticket", pos.Ticket))
		return ActionNone
	}

	// 1. Emergency close on floating loss.
	if meta.InitialRiskUSD.GreaterThan(decimal.Zero) && pos.Profit.LessThan(decimal.Zero) {
		loss := pos.Profit.Abs()
		if loss.GreaterThanOrEqual(meta.InitialRiskUSD.Mul(m.rails.DrawdownMultiplier)) {
			if _, err := conn.ClosePosition(ctx, pos.Ticket, string(types.ExitManual)); err != nil {
				m.logger.Error("emergency close failed", zap.String("ticket", pos.Ticket), zap.Error(err))
			}
			return ActionEmergencyClose
		}
	}

	// 2. Time-based exit.
	regime, ok := currentRegime(pos.Symbol)
	if !ok {
		regime = meta.EntryRegime
	}
	if time.Since(meta.EntryTime) > StaleThreshold(regime) {
		if _, err := conn.ClosePosition(ctx, pos.Ticket, string(types.ExitManual)); err != nil {
			m.logger.Error("time-based exit failed", zap.String("ticket", pos.Ticket), zap.Error(err))
		}
		return ActionTimeExit
	}

	// 3. Regime-change SL/TP adjustment, if the regime has changed.
	if regime == meta.EntryRegime {
		return ActionNone
	}
	return m.adjustForRegime(ctx, pos, meta, regime, atr, conn)
}

func (m *Manager) adjustForRegime(ctx context.Context, pos types.OpenPosition, meta *types.PositionMetadata, regime types.MarketRegime, atr func(symbol string) decimal.Decimal, conn execution.BrokerConnector) Action {
	if !meta.LastModificationTime.IsZero() &&
		meta.LastModificationTime.UTC().Format("2006-01-02") != time.Now().UTC().Format("2006-01-02") {
		meta.ModificationCount = 0 // the cap counts modifications per UTC day
	}
	if meta.ModificationCount >= m.rails.DailyModCap {
		return ActionModCapReached
	}
	if !meta.LastModificationTime.IsZero() && time.Since(meta.LastModificationTime) < m.rails.CooldownBetweenMods {
		return ActionCooldownSkipped
	}

	mult := multiplierFor(regime)
	atrValue := atr(pos.Symbol)
	if atrValue.LessThanOrEqual(decimal.Zero) {
		return ActionNone
	}

	riskDistance := pos.PriceOpen.Sub(meta.StopLoss).Abs()
	var newSL, newTP decimal.Decimal
	if pos.Type == types.SignalBuy {
		newSL = pos.PriceOpen.Sub(atrValue.Mul(mult.sl))
		newTP = pos.PriceOpen.Add(riskDistance.Mul(mult.tp))
	} else {
		newSL = pos.PriceOpen.Add(atrValue.Mul(mult.sl))
		newTP = pos.PriceOpen.Sub(riskDistance.Mul(mult.tp))
	}

	info, err := conn.GetSymbolInfo(ctx, pos.Symbol)
	if err == nil && info.FreezeLevel.GreaterThan(decimal.Zero) {
		margin := info.FreezeLevel.Mul(decimal.NewFromInt(1).Add(m.rails.FreezeLevelMarginPct))
		if newSL.Sub(pos.PriceOpen).Abs().LessThan(margin) {
			return ActionNone
		}
	}

	result, err := conn.ModifyPosition(ctx, pos.Ticket, newSL, newTP)
	if err != nil || !result.Supported || !result.Success {
		if err := m.store.RollbackPositionModification(ctx, pos.Ticket); err != nil {
			m.logger.Error("rollback failed", zap.String("ticket", pos.Ticket), zap.Error(err))
		}
		return ActionNone
	}

	meta.StopLoss, meta.TakeProfit = newSL, newTP
	meta.ModificationCount++
	meta.LastModificationTime = time.Now().UTC()
	if err := m.store.UpsertPositionMetadata(ctx, meta); err != nil {
		m.logger.Error("failed to persist modification", zap.String("ticket", pos.Ticket), zap.Error(err))
	}
	return ActionRegimeAdjust
}
