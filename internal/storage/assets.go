package storage

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// GetAssetProfile returns the profile seeded for symbol, or nil if none
// exists — the caller (Risk Governor) must treat nil as a hard abort
// (AssetNotNormalizedError), never guess defaults.
func (s *Store) GetAssetProfile(ctx context.Context, symbol, traceID string) (*types.AssetProfile, error) {
	var (
		contractSize, lotStep, lotMin, lotMax, pipSize, riskMult string
		category, subcategory                                   string
		digits                                                   int
		enabled                                                  int
		minScore                                                 float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT contract_size, lot_step, lot_min, lot_max, digits, pip_size, category, subcategory, enabled, min_score, risk_multiplier
		FROM asset_profiles WHERE symbol = ?`, symbol,
	).Scan(&contractSize, &lotStep, &lotMin, &lotMax, &digits, &pipSize, &category, &subcategory, &enabled, &minScore, &riskMult)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "get asset profile", traceID, err)
	}

	cs, _ := decimal.NewFromString(contractSize)
	ls, _ := decimal.NewFromString(lotStep)
	lmin, _ := decimal.NewFromString(lotMin)
	lmax, _ := decimal.NewFromString(lotMax)
	ps, _ := decimal.NewFromString(pipSize)
	rm, _ := decimal.NewFromString(riskMult)

	return &types.AssetProfile{
		Symbol: symbol, ContractSize: cs, LotStep: ls, LotMin: lmin, LotMax: lmax,
		Digits: digits, PipSize: ps, Category: types.AssetCategory(category), Subcategory: subcategory,
		Enabled: enabled != 0, MinScore: minScore, RiskMultiplier: rm,
	}, nil
}

// UpsertAssetProfile creates or replaces a symbol's profile — used at
// bootstrap seeding and by operator tooling, never from the hot path.
func (s *Store) UpsertAssetProfile(ctx context.Context, p *types.AssetProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_profiles (symbol, contract_size, lot_step, lot_min, lot_max, digits, pip_size, category, subcategory, enabled, min_score, risk_multiplier)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			contract_size=excluded.contract_size, lot_step=excluded.lot_step, lot_min=excluded.lot_min, lot_max=excluded.lot_max,
			digits=excluded.digits, pip_size=excluded.pip_size, category=excluded.category, subcategory=excluded.subcategory,
			enabled=excluded.enabled, min_score=excluded.min_score, risk_multiplier=excluded.risk_multiplier`,
		p.Symbol, p.ContractSize.String(), p.LotStep.String(), p.LotMin.String(), p.LotMax.String(),
		p.Digits, p.PipSize.String(), string(p.Category), p.Subcategory,
		boolToInt(p.Enabled), p.MinScore, p.RiskMultiplier.String(),
	)
	if err != nil {
		return errs.Storage("upsert asset profile", err)
	}
	return nil
}
