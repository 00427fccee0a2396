package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// SaveTradeResult persists a closed-trade record for the feedback loop.
func (s *Store) SaveTradeResult(ctx context.Context, t *types.TradeResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = nowUTC()
	}
	params, err := json.Marshal(t.ParametersUsed)
	if err != nil {
		return "", errs.Storage("marshal parameters_used", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trade_results
		(id, signal_id, symbol, entry_price, exit_price, profit_loss, pips, is_win, exit_reason, duration_minutes, market_regime, parameters_used, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SignalID, t.Symbol, t.EntryPrice.String(), t.ExitPrice.String(), t.ProfitLoss.String(), t.Pips.String(),
		boolToInt(t.IsWin), string(t.ExitReason), t.DurationMinutes, string(t.MarketRegime), string(params), tsFormat(t.Timestamp),
	)
	if err != nil {
		return "", errs.Storage("insert trade result", err)
	}
	return t.ID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetRecentTrades returns the most recent `limit` trade results.
func (s *Store) GetRecentTrades(ctx context.Context, limit int) ([]*types.TradeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, symbol, entry_price, exit_price, profit_loss, pips, is_win, exit_reason, duration_minutes, market_regime, parameters_used, created_at
		FROM trade_results ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Storage("get recent trades", err)
	}
	defer rows.Close()

	var out []*types.TradeResult
	for rows.Next() {
		t, err := scanTradeResult(rows)
		if err != nil {
			return nil, errs.Storage("scan trade result", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func scanTradeResult(row interface{ Scan(dest ...interface{}) error }) (*types.TradeResult, error) {
	var (
		id, signalID, symbol, entry, exit, pl, pips, exitReason, regime, paramsRaw, createdAt string
		isWin, duration                                                                       int64
	)
	if err := row.Scan(&id, &signalID, &symbol, &entry, &exit, &pl, &pips, &isWin, &exitReason, &duration, &regime, &paramsRaw, &createdAt); err != nil {
		return nil, err
	}
	ts, _ := tsParse(createdAt)
	var params map[string]decimal.Decimal
	_ = json.Unmarshal([]byte(paramsRaw), &params)

	entryD, _ := decimal.NewFromString(entry)
	exitD, _ := decimal.NewFromString(exit)
	plD, _ := decimal.NewFromString(pl)
	pipsD, _ := decimal.NewFromString(pips)

	return &types.TradeResult{
		ID: id, SignalID: signalID, Symbol: symbol, EntryPrice: entryD, ExitPrice: exitD,
		ProfitLoss: plD, Pips: pipsD, IsWin: isWin != 0, ExitReason: types.ExitReason(exitReason),
		DurationMinutes: duration, MarketRegime: types.MarketRegime(regime), ParametersUsed: params, Timestamp: ts,
	}, nil
}

// GetWinRate computes the win rate over the last `days` days. Returns
// (0, false) if there are no trades in the window.
func (s *Store) GetWinRate(ctx context.Context, days int) (decimal.Decimal, bool, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	var total, wins int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_win), 0) FROM trade_results WHERE created_at >= ?`,
		tsFormat(since)).Scan(&total, &wins)
	if err != nil {
		return decimal.Zero, false, errs.Storage("get win rate", err)
	}
	if total == 0 {
		return decimal.Zero, false, nil
	}
	rate := decimal.NewFromInt(wins).Div(decimal.NewFromInt(total))
	return rate, true, nil
}

// GetProfitBySymbol sums profit_loss per symbol over the last `days` days.
func (s *Store) GetProfitBySymbol(ctx context.Context, days int) (map[string]decimal.Decimal, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, profit_loss FROM trade_results WHERE created_at >= ?`, tsFormat(since))
	if err != nil {
		return nil, errs.Storage("get profit by symbol", err)
	}
	defer rows.Close()

	out := map[string]decimal.Decimal{}
	for rows.Next() {
		var symbol, pl string
		if err := rows.Scan(&symbol, &pl); err != nil {
			return nil, errs.Storage("scan profit row", err)
		}
		d, _ := decimal.NewFromString(pl)
		out[symbol] = out[symbol].Add(d)
	}
	return out, nil
}

// TimeSinceLastTrade returns the duration since the most recent trade
// result, used by the lockdown 24h-rest reset rule. ok is false if no
// trades have ever been recorded.
func (s *Store) TimeSinceLastTrade(ctx context.Context) (dur time.Duration, ok bool, err error) {
	var createdAt sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM trade_results`).Scan(&createdAt)
	if err != nil {
		return 0, false, errs.Storage("time since last trade", err)
	}
	if !createdAt.Valid || createdAt.String == "" {
		return 0, false, nil
	}
	ts, perr := tsParse(createdAt.String)
	if perr != nil || ts.IsZero() {
		return 0, false, nil
	}
	return time.Since(ts), true, nil
}
