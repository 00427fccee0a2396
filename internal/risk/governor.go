// Package risk is the single gate every candidate order passes through
// before execution: a composed policy enforcer (liquidity, confluence,
// sentiment, the Safety Governor R-unit veto, account-risk caps,
// instrument-enabled), sizing delegation, and the lockdown state
// machine.
package risk

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/internal/sizing"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Store is the narrow storage contract the governor needs. system_state
// and dynamic_params are shallow JSON blobs, matching how the rest of
// the storage layer persists them.
type Store interface {
	GetAssetProfile(ctx context.Context, symbol, traceID string) (*types.AssetProfile, error)
	GetSystemState(ctx context.Context) (map[string]interface{}, error)
	UpdateSystemState(ctx context.Context, patch map[string]interface{}) error
	GetDynamicParams(ctx context.Context) (map[string]interface{}, error)
	TimeSinceLastTrade(ctx context.Context) (time.Duration, bool, error)
}

// PolicyCheck is one link in the enforcer chain. It returns ok=false with
// a human-readable reason to veto.
type PolicyCheck func(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (ok bool, reason string)

// Governor is the Risk Governor.
type Governor struct {
	logger *zap.Logger
	store  Store
	sizer  *sizing.Sizer

	checks []PolicyCheck

	mu                sync.Mutex
	lockdownMode      bool
	lockdownDate      time.Time
	lockdownBalance   decimal.Decimal
	consecutiveLosses int
	capital           decimal.Decimal
}

// RejectionAudit is emitted whenever the Safety Governor vetoes a trade.
type RejectionAudit struct {
	TraceID    string
	Timestamp  time.Time
	Symbol     string
	RCalculated decimal.Decimal
	RLimit     decimal.Decimal
	Reason     string
}

func New(logger *zap.Logger, store Store, sizer *sizing.Sizer, initialCapital decimal.Decimal, checks ...PolicyCheck) *Governor {
	return &Governor{
		logger:  logger.Named("risk"),
		store:   store,
		sizer:   sizer,
		checks:  checks,
		capital: initialCapital,
	}
}

// Bootstrap reconstructs lockdown state from storage at startup, applying
// the same reset rules the lockdown state machine enforces at runtime.
func (g *Governor) Bootstrap(ctx context.Context) error {
	state, err := g.store.GetSystemState(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lockdownMode, _ = state["lockdown_mode"].(bool)
	if n, ok := state["consecutive_losses"].(float64); ok {
		g.consecutiveLosses = int(n)
	}
	if s, ok := state["lockdown_balance"].(string); ok {
		if d, err := decimal.NewFromString(s); err == nil {
			g.lockdownBalance = d
		}
	}
	if s, ok := state["lockdown_date"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			g.lockdownDate = t
		}
	}

	if g.lockdownMode {
		if reset, reason := g.shouldResetLockdownLocked(ctx); reset {
			g.logger.Info("lockdown deactivated at bootstrap", zap.String("reason", reason))
			g.deactivateLockdownLocked(ctx)
		}
	}
	return nil
}

// IsLocked reports whether the governor is currently in LOCKED state.
func (g *Governor) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockdownMode
}

func newTraceID(prefix string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return prefix + "-" + hex.EncodeToString(buf)
}

// CanTakeNewTrade runs the full policy chain. It never panics on a check
// failing to evaluate — each check owns its own error handling; a check
// that lacks the data to evaluate (no symbol info, no correlated price)
// passes rather than vetoing.
func (g *Governor) CanTakeNewTrade(ctx context.Context, sig *types.Signal, conn sizing.MarketData, balance decimal.Decimal) (bool, string) {
	if g.IsLocked() {
		return false, "REJECTED_LOCKDOWN"
	}

	profile, err := g.store.GetAssetProfile(ctx, sig.Symbol, sig.TraceID)
	if err != nil {
		return false, "storage error resolving asset profile"
	}
	if profile == nil {
		return false, errs.AssetNotNormalized(sig.Symbol, sig.TraceID).Error()
	}
	if !profile.Enabled {
		return false, "instrument disabled"
	}

	for _, check := range g.checks {
		if ok, reason := check(ctx, sig, conn, balance); !ok {
			return false, reason
		}
	}

	if ok, audit := g.safetyGovernorCheck(ctx, sig, profile, balance); !ok {
		g.logger.Warn("safety governor veto",
			zap.String("trace_id", audit.TraceID), zap.String("symbol", audit.Symbol),
			zap.String("r_calculated", audit.RCalculated.String()), zap.String("r_limit", audit.RLimit.String()))
		return false, "SAFETY_GOV: R-unit " + audit.RCalculated.StringFixed(2) + " exceeds limit " + audit.RLimit.StringFixed(2) + " (trace=" + audit.TraceID + ")"
	}

	return true, ""
}

// safetyGovernorCheck implements the R-unit veto: R = |entry-sl| *
// contract_size / balance * 100. A missing/zero stop loss skips the
// check rather than blocking the trade.
func (g *Governor) safetyGovernorCheck(ctx context.Context, sig *types.Signal, profile *types.AssetProfile, balance decimal.Decimal) (bool, RejectionAudit) {
	if sig.StopLoss.IsZero() || balance.LessThanOrEqual(decimal.Zero) {
		return true, RejectionAudit{}
	}

	params, err := g.store.GetDynamicParams(ctx)
	maxR := decimal.NewFromInt(2)
	if err == nil && params != nil {
		if s, ok := params["max_r_per_trade"].(string); ok {
			if d, derr := decimal.NewFromString(s); derr == nil && d.GreaterThan(decimal.Zero) {
				maxR = d
			}
		}
	}

	r := sig.EntryPrice.Sub(sig.StopLoss).Abs().Mul(profile.ContractSize).Div(balance).Mul(decimal.NewFromInt(100))
	if r.GreaterThan(maxR) {
		return false, RejectionAudit{
			TraceID: newTraceID("GOV"), Timestamp: time.Now().UTC(), Symbol: sig.Symbol,
			RCalculated: r, RLimit: maxR, Reason: "R-unit ceiling exceeded",
		}
	}
	return true, RejectionAudit{}
}

// RecordTradeResult updates capital and the consecutive-loss counter,
// activating lockdown on the threshold and deactivating it on a win.
func (g *Governor) RecordTradeResult(ctx context.Context, isWin bool, pnl decimal.Decimal, maxConsecutiveLosses int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.capital = g.capital.Add(pnl)
	if isWin {
		g.consecutiveLosses = 0
		if g.lockdownMode {
			g.deactivateLockdownLocked(ctx)
		}
		return
	}
	g.consecutiveLosses++
	if g.consecutiveLosses >= maxConsecutiveLosses {
		g.activateLockdownLocked(ctx)
	}
}

func (g *Governor) activateLockdownLocked(ctx context.Context) {
	if g.lockdownMode {
		return
	}
	now := time.Now().UTC()
	g.lockdownMode = true
	g.lockdownDate = now
	g.lockdownBalance = g.capital

	if err := g.store.UpdateSystemState(ctx, map[string]interface{}{
		"lockdown_mode": true, "lockdown_date": now, "lockdown_balance": g.capital.String(),
		"consecutive_losses": g.consecutiveLosses,
	}); err != nil {
		g.logger.Error("failed to persist lockdown activation", zap.Error(err))
	}
	g.logger.Error("LOCKDOWN ACTIVATED", zap.Int("consecutive_losses", g.consecutiveLosses))
}

func (g *Governor) deactivateLockdownLocked(ctx context.Context) {
	if !g.lockdownMode {
		return
	}
	g.lockdownMode = false
	g.consecutiveLosses = 0
	g.lockdownBalance = decimal.Zero
	g.lockdownDate = time.Time{}

	if err := g.store.UpdateSystemState(ctx, map[string]interface{}{
		"lockdown_mode": false, "lockdown_date": nil, "lockdown_balance": nil, "consecutive_losses": 0,
	}); err != nil {
		g.logger.Error("failed to persist lockdown deactivation", zap.Error(err))
	}
	g.logger.Info("lockdown deactivated")
}

// shouldResetLockdownLocked implements the three reset rules: stale
// lockdown date, 102%-balance recovery, and 24h system rest.
func (g *Governor) shouldResetLockdownLocked(ctx context.Context) (bool, string) {
	if g.lockdownDate.IsZero() {
		return true, "no lockdown date (stale)"
	}
	if g.lockdownBalance.GreaterThan(decimal.Zero) &&
		g.capital.GreaterThanOrEqual(g.lockdownBalance.Mul(decimal.NewFromFloat(1.02))) {
		return true, "balance recovered from lockdown level"
	}
	if since, ok, err := g.store.TimeSinceLastTrade(ctx); err == nil && ok {
		if since >= 24*time.Hour {
			return true, "system rested 24h"
		}
	} else if time.Since(g.lockdownDate) >= 24*time.Hour {
		return true, "system rested 24h since lockdown"
	}
	return false, "lockdown active - waiting recovery or 24h rest"
}

// Status is a read-only snapshot for dashboards/tests.
type Status struct {
	Capital           decimal.Decimal
	ConsecutiveLosses int
	IsLocked          bool
}

func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Capital: g.capital, ConsecutiveLosses: g.consecutiveLosses, IsLocked: g.lockdownMode}
}
