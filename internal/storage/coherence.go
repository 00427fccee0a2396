package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// LogCoherenceEvent persists a coherence-monitor finding.
func (s *Store) LogCoherenceEvent(ctx context.Context, e *types.CoherenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coherence_events (id, signal_id, stage, status, reason, connector_type, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SignalID, e.Stage, e.Status, e.Reason, string(e.ConnectorType), tsFormat(e.Timestamp),
	)
	if err != nil {
		return errs.Storage("log coherence event", err)
	}
	return nil
}

// GetRecentCoherenceEvents returns the most recent `limit` coherence
// events, newest first.
func (s *Store) GetRecentCoherenceEvents(ctx context.Context, limit int) ([]*types.CoherenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, stage, status, reason, connector_type, created_at
		FROM coherence_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Storage("get recent coherence events", err)
	}
	defer rows.Close()

	var out []*types.CoherenceEvent
	for rows.Next() {
		var e types.CoherenceEvent
		var connectorType, createdAt string
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Stage, &e.Status, &e.Reason, &connectorType, &createdAt); err != nil {
			return nil, errs.Storage("scan coherence event", err)
		}
		e.ConnectorType = types.ConnectorType(connectorType)
		e.Timestamp, _ = tsParse(createdAt)
		out = append(out, &e)
	}
	return out, nil
}

// LogMarketState records a market-state snapshot.
func (s *Store) LogMarketState(ctx context.Context, snap *types.MarketStateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Timestamp.IsZero() {
		snap.Timestamp = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_states (symbol, created_at, regime, adx, volatility)
		VALUES (?,?,?,?,?)`,
		snap.Symbol, tsFormat(snap.Timestamp), string(snap.Regime), snap.ADX, snap.Volatility,
	)
	if err != nil {
		return errs.Storage("log market state", err)
	}
	return nil
}

// GetMarketStateHistory returns the most recent `limit` snapshots for
// symbol, newest first.
func (s *Store) GetMarketStateHistory(ctx context.Context, symbol string, limit int) ([]*types.MarketStateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, created_at, regime, adx, volatility
		FROM market_states WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, errs.Storage("get market state history", err)
	}
	defer rows.Close()

	var out []*types.MarketStateSnapshot
	for rows.Next() {
		var snap types.MarketStateSnapshot
		var createdAt, regime string
		if err := rows.Scan(&snap.Symbol, &createdAt, &regime, &snap.ADX, &snap.Volatility); err != nil {
			return nil, errs.Storage("scan market state", err)
		}
		snap.Regime = types.MarketRegime(regime)
		snap.Timestamp, _ = tsParse(createdAt)
		out = append(out, &snap)
	}
	return out, nil
}
