package storage

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// UpsertPositionMetadata creates or replaces the metadata row for a
// ticket, keeping the previous SL/TP so a subsequent modification can be
// rolled back.
func (s *Store) UpsertPositionMetadata(ctx context.Context, pm *types.PositionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getPositionMetadataLocked(ctx, pm.Ticket)
	if err != nil {
		return err
	}
	prevSL, prevTP := "", ""
	if existing != nil {
		prevSL = existing.StopLoss.String()
		prevTP = existing.TakeProfit.String()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_metadata
		(ticket, symbol, entry_price, entry_time, sl, tp, volume, initial_risk_usd, entry_regime, timeframe, modification_count, last_modification_time, prev_sl, prev_tp)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ticket) DO UPDATE SET
			sl = excluded.sl, tp = excluded.tp, modification_count = excluded.modification_count,
			last_modification_time = excluded.last_modification_time, prev_sl = ?, prev_tp = ?`,
		pm.Ticket, pm.Symbol, pm.EntryPrice.String(), tsFormat(pm.EntryTime), pm.StopLoss.String(), pm.TakeProfit.String(),
		pm.Volume.String(), pm.InitialRiskUSD.String(), string(pm.EntryRegime), string(pm.Timeframe),
		pm.ModificationCount, tsFormat(pm.LastModificationTime), prevSL, prevTP,
		prevSL, prevTP,
	)
	if err != nil {
		return errs.Storage("upsert position metadata", err)
	}
	return nil
}

// GetPositionMetadata returns position metadata for ticket, or nil if
// unknown.
func (s *Store) GetPositionMetadata(ctx context.Context, ticket string) (*types.PositionMetadata, error) {
	return s.getPositionMetadataLocked(ctx, ticket)
}

func (s *Store) getPositionMetadataLocked(ctx context.Context, ticket string) (*types.PositionMetadata, error) {
	var (
		symbol, entry, entryTime, sl, tp, volume, risk, regime, tf, lastMod string
		modCount                                                           int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, entry_price, entry_time, sl, tp, volume, initial_risk_usd, entry_regime, timeframe, modification_count, last_modification_time
		FROM position_metadata WHERE ticket = ?`, ticket,
	).Scan(&symbol, &entry, &entryTime, &sl, &tp, &volume, &risk, &regime, &tf, &modCount, &lastMod)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("get position metadata", err)
	}

	entryD, _ := decimal.NewFromString(entry)
	slD, _ := decimal.NewFromString(sl)
	tpD, _ := decimal.NewFromString(tp)
	volD, _ := decimal.NewFromString(volume)
	riskD, _ := decimal.NewFromString(risk)
	entryTS, _ := tsParse(entryTime)
	lastModTS, _ := tsParse(lastMod)

	return &types.PositionMetadata{
		Ticket: ticket, Symbol: symbol, EntryPrice: entryD, EntryTime: entryTS,
		StopLoss: slD, TakeProfit: tpD, Volume: volD, InitialRiskUSD: riskD,
		EntryRegime: types.MarketRegime(regime), Timeframe: types.Timeframe(tf),
		ModificationCount: modCount, LastModificationTime: lastModTS,
	}, nil
}

// RollbackPositionModification reverts SL/TP to the values before the
// last modification, used when a connector rejects a modify call.
func (s *Store) RollbackPositionModification(ctx context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSL, prevTP string
	err := s.db.QueryRowContext(ctx, `SELECT prev_sl, prev_tp FROM position_metadata WHERE ticket = ?`, ticket).Scan(&prevSL, &prevTP)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errs.Storage("read rollback source", err)
	}
	if prevSL == "" && prevTP == "" {
		return nil // nothing to roll back to
	}
	_, err = s.db.ExecContext(ctx, `UPDATE position_metadata SET sl = ?, tp = ? WHERE ticket = ?`, prevSL, prevTP, ticket)
	if err != nil {
		return errs.Storage("rollback position modification", err)
	}
	return nil
}

// DeletePositionMetadata removes a ticket's metadata once its signal
// reaches CLOSED.
func (s *Store) DeletePositionMetadata(ctx context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM position_metadata WHERE ticket = ?`, ticket)
	if err != nil {
		return errs.Storage("delete position metadata", err)
	}
	return nil
}
