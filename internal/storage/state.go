package storage

import (
	"context"
	"encoding/json"

	"github.com/atlas-desktop/aethelgard/internal/errs"
)

// GetSystemState returns the current system-state blob as a generic map
// so callers can read whichever keys they need (lockdown_mode,
// lockdown_date, lockdown_balance, consecutive_losses, session_stats,
// modules_enabled).
func (s *Store) GetSystemState(ctx context.Context) (map[string]interface{}, error) {
	return s.readJSONBlob(ctx, "system_state")
}

// UpdateSystemState shallow-merges patch into the persisted system state
// atomically.
func (s *Store) UpdateSystemState(ctx context.Context, patch map[string]interface{}) error {
	return s.mergeJSONBlob(ctx, "system_state", patch)
}

// GetDynamicParams returns the current dynamic-parameters blob.
func (s *Store) GetDynamicParams(ctx context.Context) (map[string]interface{}, error) {
	return s.readJSONBlob(ctx, "dynamic_params")
}

// UpdateDynamicParams shallow-merges patch into the persisted dynamic
// parameters atomically. The tuner and any bootstrap seeding are the only
// writers.
func (s *Store) UpdateDynamicParams(ctx context.Context, patch map[string]interface{}) error {
	return s.mergeJSONBlob(ctx, "dynamic_params", patch)
}

func (s *Store) readJSONBlob(ctx context.Context, table string) (map[string]interface{}, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = 1").Scan(&raw)
	if err != nil {
		return nil, errs.Storage("read "+table, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errs.Storage("unmarshal "+table, err)
	}
	return out, nil
}

// mergeJSONBlob performs a shallow merge (top-level keys only, matching
// the spec's "shallow-merged key-value updates") within a single
// transaction so the read-modify-write is atomic with respect to other
// writers.
func (s *Store) mergeJSONBlob(ctx context.Context, table string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin tx", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = 1").Scan(&raw); err != nil {
		return errs.Storage("read "+table+" for merge", err)
	}

	var current map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		current = map[string]interface{}{}
	}
	for k, v := range patch {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return errs.Storage("marshal merged "+table, err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET data = ? WHERE id = 1", string(merged)); err != nil {
		return errs.Storage("write "+table, err)
	}
	return tx.Commit()
}
