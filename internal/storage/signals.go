package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// legalTransitions enumerates the signal status state machine from §4.1:
// PENDING -> {EXECUTED, REJECTED, EXPIRED}; EXECUTED -> CLOSED.
var legalTransitions = map[types.SignalStatus]map[types.SignalStatus]bool{
	types.StatusPending: {
		types.StatusExecuted: true,
		types.StatusRejected: true,
		types.StatusExpired:  true,
	},
	types.StatusExecuted: {
		types.StatusClosed: true,
	},
}

// SaveSignal allocates an id/trace_id if absent and inserts the signal
// with status PENDING. Idempotent: calling twice with the same id is a
// no-op on the second call rather than a duplicate row.
func (s *Store) SaveSignal(ctx context.Context, sig *types.Signal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.TraceID == "" {
		sig.TraceID = "SIG-" + uuid.New().String()[:8]
	}
	if sig.Status == "" {
		sig.Status = types.StatusPending
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = nowUTC()
	}
	if sig.Metadata == nil {
		sig.Metadata = map[string]interface{}{}
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM signals WHERE id = ?`, sig.ID).Scan(&exists); err == nil {
		return sig.ID, nil // already persisted — idempotent
	}

	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		return "", errs.Storage("marshal signal metadata", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals
		(id, trace_id, symbol, timeframe, signal_type, confidence, entry_price, stop_loss, take_profit, volume,
		 connector_type, market_type, account_id, account_type, status, order_id, created_at, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.TraceID, sig.Symbol, string(sig.Timeframe), string(sig.SignalType), sig.Confidence,
		sig.EntryPrice.String(), sig.StopLoss.String(), sig.TakeProfit.String(), sig.Volume.String(),
		string(sig.ConnectorType), sig.MarketType, sig.AccountID, string(sig.AccountType),
		string(sig.Status), sig.OrderID, tsFormat(sig.Timestamp), string(meta),
	)
	if err != nil {
		return "", errs.Storage("insert signal", err)
	}
	return sig.ID, nil
}

// UpdateSignalStatus enforces legal transitions and merges extraMetadata
// into the signal's metadata, all within a single transaction.
func (s *Store) UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin tx", err)
	}
	defer tx.Rollback()

	var currentStatus, metaRaw, connectorType, orderID string
	err = tx.QueryRowContext(ctx, `SELECT status, metadata, connector_type, order_id FROM signals WHERE id = ?`, id).
		Scan(&currentStatus, &metaRaw, &connectorType, &orderID)
	if err == sql.ErrNoRows {
		return errs.Storage("signal not found", fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return errs.Storage("query signal", err)
	}

	cur := types.SignalStatus(currentStatus)
	if cur == newStatus {
		return nil // idempotent no-op re-application
	}
	allowed := legalTransitions[cur]
	if !allowed[newStatus] {
		return errs.New("IllegalStateTransition", fmt.Sprintf("%s -> %s not legal for signal %s", cur, newStatus, id), "")
	}

	if newStatus == types.StatusExecuted && types.ConnectorType(connectorType) == types.ConnectorMetaTrader5 {
		ticket := orderID
		if extraMetadata != nil {
			if t, ok := extraMetadata["ticket"].(string); ok && t != "" {
				ticket = t
			}
		}
		if ticket == "" {
			return errs.Validation("EXECUTED for METATRADER5 requires a non-empty ticket")
		}
	}

	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		meta = map[string]interface{}{}
	}
	for k, v := range extraMetadata {
		meta[k] = v
	}
	mergedRaw, err := json.Marshal(meta)
	if err != nil {
		return errs.Storage("marshal merged metadata", err)
	}

	orderIDUpdate := orderID
	if newStatus == types.StatusExecuted {
		if t, ok := extraMetadata["ticket"].(string); ok && t != "" {
			orderIDUpdate = t
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE signals SET status = ?, metadata = ?, order_id = ? WHERE id = ?`,
		string(newStatus), string(mergedRaw), orderIDUpdate, id)
	if err != nil {
		return errs.Storage("update signal status", err)
	}

	return tx.Commit()
}

func scanSignal(row interface {
	Scan(dest ...interface{}) error
}) (*types.Signal, error) {
	var (
		id, traceID, symbol, timeframe, signalType, entry, sl, tp, vol string
		connectorType, marketType, accountID, accountType, status     string
		orderID, createdAt, metaRaw                                   string
		confidence                                                    float64
	)
	if err := row.Scan(&id, &traceID, &symbol, &timeframe, &signalType, &confidence, &entry, &sl, &tp, &vol,
		&connectorType, &marketType, &accountID, &accountType, &status, &orderID, &createdAt, &metaRaw); err != nil {
		return nil, err
	}
	ts, _ := tsParse(createdAt)
	var meta map[string]interface{}
	_ = json.Unmarshal([]byte(metaRaw), &meta)

	entryD, _ := decimal.NewFromString(entry)
	slD, _ := decimal.NewFromString(sl)
	tpD, _ := decimal.NewFromString(tp)
	volD, _ := decimal.NewFromString(vol)

	return &types.Signal{
		ID: id, TraceID: traceID, Symbol: symbol, Timeframe: types.Timeframe(timeframe),
		SignalType: types.SignalType(signalType), Confidence: confidence,
		EntryPrice: entryD, StopLoss: slD, TakeProfit: tpD, Volume: volD,
		ConnectorType: types.ConnectorType(connectorType), MarketType: marketType,
		AccountID: accountID, AccountType: types.AccountType(accountType),
		Status: types.SignalStatus(status), OrderID: orderID, Timestamp: ts, Metadata: meta,
	}, nil
}

const signalColumns = `id, trace_id, symbol, timeframe, signal_type, confidence, entry_price, stop_loss, take_profit, volume,
	connector_type, market_type, account_id, account_type, status, order_id, created_at, metadata`

// GetSignalByID returns a signal or nil if it doesn't exist.
func (s *Store) GetSignalByID(ctx context.Context, id string) (*types.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("get signal by id", err)
	}
	return sig, nil
}

// SignalFilters narrows GetSignals queries.
type SignalFilters struct {
	Symbol     string
	Status     types.SignalStatus
	SignalType types.SignalType
	Timeframe  types.Timeframe
	Since      time.Time
}

// GetSignals returns signals matching the given filters, most recent
// first.
func (s *Store) GetSignals(ctx context.Context, f SignalFilters) ([]*types.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	var args []interface{}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.SignalType != "" {
		query += ` AND signal_type = ?`
		args = append(args, string(f.SignalType))
	}
	if f.Timeframe != "" {
		query += ` AND timeframe = ?`
		args = append(args, string(f.Timeframe))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, tsFormat(f.Since))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("get signals", err)
	}
	defer rows.Close()

	var out []*types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, errs.Storage("scan signal", err)
		}
		out = append(out, sig)
	}
	return out, nil
}

// GetSignalsToday returns all signals created since UTC midnight.
func (s *Store) GetSignalsToday(ctx context.Context) ([]*types.Signal, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	return s.GetSignals(ctx, SignalFilters{Since: midnight})
}

// GetRecentSignals returns signals created within the last `minutes`.
func (s *Store) GetRecentSignals(ctx context.Context, minutes int) ([]*types.Signal, error) {
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	return s.GetSignals(ctx, SignalFilters{Since: since})
}

// CountExecutedSignals counts signals with status EXECUTED created on the
// given UTC date (YYYY-MM-DD).
func (s *Store) CountExecutedSignals(ctx context.Context, date string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals
		WHERE status = ? AND substr(created_at, 1, 10) = ?`,
		string(types.StatusExecuted), date,
	).Scan(&count)
	if err != nil {
		return 0, errs.Storage("count executed signals", err)
	}
	return count, nil
}

// HasOpenPosition reports whether an EXECUTED signal for symbol has not
// yet reached a terminal CLOSED state.
func (s *Store) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM signals WHERE symbol = ? AND status = ? LIMIT 1`,
		symbol, string(types.StatusExecuted),
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Storage("has open position", err)
	}
	return true, nil
}

// HasRecentSignal reports whether a PENDING or EXECUTED signal of the
// same (symbol, signal_type, timeframe) exists within that timeframe's
// dedup window.
func (s *Store) HasRecentSignal(ctx context.Context, symbol string, signalType types.SignalType, tf types.Timeframe) (bool, error) {
	window := tf.DedupWindow()
	since := time.Now().UTC().Add(-window)

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM signals
		WHERE symbol = ? AND signal_type = ? AND timeframe = ?
		  AND status IN (?, ?) AND created_at >= ?
		LIMIT 1`,
		symbol, string(signalType), string(tf),
		string(types.StatusPending), string(types.StatusExecuted),
		tsFormat(since),
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Storage("has recent signal", err)
	}
	return true, nil
}
