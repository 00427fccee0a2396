package position

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// ExpirationStore is the narrow storage contract the expiration manager
// needs: pulling PENDING signals and aging them out.
type ExpirationStore interface {
	GetSignals(ctx context.Context, f storage.SignalFilters) ([]*types.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, newStatus types.SignalStatus, extraMetadata map[string]interface{}) error
}

// ExpirationManager ages PENDING signals past their timeframe's
// expiration window into EXPIRED. EXECUTED and other terminal signals
// are never touched.
type ExpirationManager struct {
	logger *zap.Logger
	store  ExpirationStore
}

func NewExpirationManager(logger *zap.Logger, store ExpirationStore) *ExpirationManager {
	return &ExpirationManager{logger: logger.Named("expiration"), store: store}
}

// ExpireStale scans PENDING signals and transitions over-age ones to
// EXPIRED, returning how many were expired.
func (m *ExpirationManager) ExpireStale(ctx context.Context) (int, error) {
	pending, err := m.store.GetSignals(ctx, storage.SignalFilters{Status: types.StatusPending})
	if err != nil {
		return 0, err
	}

	expired := 0
	now := time.Now().UTC()
	for _, sig := range pending {
		window := sig.Timeframe.ExpirationWindow()
		if now.Sub(sig.Timestamp) <= window {
			continue
		}
		meta := map[string]interface{}{
			"expired_at":       now,
			"reason":           "stale_pending",
			"timeframe_window": window.Minutes(),
		}
		if err := m.store.UpdateSignalStatus(ctx, sig.ID, types.StatusExpired, meta); err != nil {
			m.logger.Error("failed to expire signal", zap.String("id", sig.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
