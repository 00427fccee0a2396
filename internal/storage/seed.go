package storage

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// seedDefaults populates default asset profiles and dynamic parameters on
// first open; idempotent — it only inserts rows that don't already exist.
func (s *Store) seedDefaults(ctx context.Context) error {
	if err := s.seedAssetProfiles(ctx); err != nil {
		return err
	}
	if err := s.seedDynamicParams(ctx); err != nil {
		return err
	}
	if err := s.seedSystemState(ctx); err != nil {
		return err
	}
	return nil
}

// defaultAssetProfiles is the fixed table of profiles seeded at bootstrap:
// forex pairs use a 100000 contract and a 0.01 lot step, crypto uses a
// contract size of 1, gold a contract size of 100.
func defaultAssetProfiles() []struct {
	symbol, category, subcategory string
	contractSize, lotStep, lotMin, lotMax, pipSize, riskMult float64
	digits                                                   int
} {
	return []struct {
		symbol, category, subcategory string
		contractSize, lotStep, lotMin, lotMax, pipSize, riskMult float64
		digits                                                   int
	}{
		{"EURUSD", "FOREX", "majors", 100000, 0.01, 0.01, 100, 0.0001, 1.0, 5},
		{"GBPUSD", "FOREX", "majors", 100000, 0.01, 0.01, 100, 0.0001, 1.0, 5},
		{"USDJPY", "FOREX", "majors", 100000, 0.01, 0.01, 100, 0.01, 1.0, 3},
		{"GBPJPY", "FOREX", "minors", 100000, 0.01, 0.01, 100, 0.01, 1.1, 3},
		{"BTCUSD", "CRYPTO", "tier1", 1, 0.001, 0.001, 10, 1, 1.5, 2},
		{"ETHUSD", "CRYPTO", "tier1", 1, 0.01, 0.01, 50, 0.1, 1.5, 2},
		{"XAUUSD", "METAL", "precious", 100, 0.01, 0.01, 50, 0.1, 1.2, 2},
	}
}

func (s *Store) seedAssetProfiles(ctx context.Context) error {
	for _, p := range defaultAssetProfiles() {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM asset_profiles WHERE symbol = ?`, p.symbol).Scan(&exists)
		if err == nil {
			continue // already seeded
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO asset_profiles
			(symbol, contract_size, lot_step, lot_min, lot_max, digits, pip_size, category, subcategory, enabled, min_score, risk_multiplier)
			VALUES (?,?,?,?,?,?,?,?,?,1,0,?)`,
			p.symbol,
			decimal.NewFromFloat(p.contractSize).String(),
			decimal.NewFromFloat(p.lotStep).String(),
			decimal.NewFromFloat(p.lotMin).String(),
			decimal.NewFromFloat(p.lotMax).String(),
			p.digits,
			decimal.NewFromFloat(p.pipSize).String(),
			p.category, p.subcategory,
			decimal.NewFromFloat(p.riskMult).String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedDynamicParams(ctx context.Context) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dynamic_params WHERE id = 1`).Scan(&exists); err == nil {
		return nil
	}
	defaults := defaultDynamicParamsJSON()
	raw, err := json.Marshal(defaults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dynamic_params (id, data) VALUES (1, ?)`, string(raw))
	return err
}

func (s *Store) seedSystemState(ctx context.Context) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM system_state WHERE id = 1`).Scan(&exists); err == nil {
		return nil
	}
	defaults := map[string]interface{}{
		"lockdown_mode":      false,
		"lockdown_date":      nil,
		"lockdown_balance":   "0",
		"consecutive_losses": 0,
		"session_stats": map[string]interface{}{
			"date":              "",
			"signals_processed": 0,
			"signals_executed":  0,
			"cycles_completed":  0,
			"errors_count":      0,
		},
		"modules_enabled": map[string]bool{},
	}
	raw, err := json.Marshal(defaults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO system_state (id, data) VALUES (1, ?)`, string(raw))
	return err
}

func defaultDynamicParamsJSON() map[string]interface{} {
	return map[string]interface{}{
		"risk_per_trade":          "0.005",
		"max_consecutive_losses":  3,
		"max_account_risk_pct":    "5.0",
		"max_r_per_trade":         "2.0",
		"strategy_thresholds": map[string]string{
			"adx_threshold":    "25",
			"atr_multiplier":   "1.5",
			"proximity":        "0.1",
			"min_score":        "60",
		},
		"confluence_weights": map[string]string{
			"M5": "10", "M15": "20", "M30": "25", "H1": "30", "H4": "40", "D1": "50",
		},
		"position_management": map[string]interface{}{
			"drawdown_multiplier": "2.0",
			"cooldown_minutes":    5,
			"daily_mod_cap":       10,
		},
		"tuning_enabled":         true,
		"min_trades_for_tuning":  20,
		"target_win_rate":        "0.55",
	}
}
