// Package coherence tracks end-to-end consistency between scanner,
// signal, strategy, execution and broker ticket. It is DB-first and
// connector-agnostic: it reads recent signals and flags state that
// should never occur if every upstream stage behaved correctly.
package coherence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

const (
	ReasonExecutedWithoutTicket = "EXECUTED_WITHOUT_TICKET"
	ReasonUnnormalizedSymbol    = "UNNORMALIZED_SYMBOL"
	ReasonPendingTimeout        = "PENDING_TIMEOUT"
	StatusInconsistent          = "INCONSISTENT"
	StatusLearningOpportunity   = "LEARNING_OPPORTUNITY"
)

// Store is the narrow storage contract the coherence monitor needs.
type Store interface {
	GetSignals(ctx context.Context, f storage.SignalFilters) ([]*types.Signal, error)
	LogCoherenceEvent(ctx context.Context, e *types.CoherenceEvent) error
}

// Monitor is the coherence monitor.
type Monitor struct {
	logger               *zap.Logger
	store                Store
	pendingTimeout       time.Duration
	lookback             time.Duration
}

func New(logger *zap.Logger, store Store, pendingTimeout, lookback time.Duration) *Monitor {
	return &Monitor{logger: logger.Named("coherence"), store: store, pendingTimeout: pendingTimeout, lookback: lookback}
}

// RunOnce scans recent signals and logs every inconsistency it finds,
// returning the events it emitted.
func (m *Monitor) RunOnce(ctx context.Context) ([]*types.CoherenceEvent, error) {
	since := time.Now().UTC().Add(-m.lookback)
	signals, err := m.store.GetSignals(ctx, storage.SignalFilters{Since: since})
	if err != nil {
		return nil, err
	}

	var events []*types.CoherenceEvent
	now := time.Now().UTC()
	for _, sig := range signals {
		for _, ev := range m.inspect(sig, now) {
			if err := m.store.LogCoherenceEvent(ctx, ev); err != nil {
				m.logger.Error("failed to log coherence event", zap.String("signal_id", sig.ID), zap.Error(err))
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (m *Monitor) inspect(sig *types.Signal, now time.Time) []*types.CoherenceEvent {
	var events []*types.CoherenceEvent
	isMT5 := sig.ConnectorType == types.ConnectorMetaTrader5

	// Rule 1: EXECUTED without ticket, MT5 only (paper fills always carry one).
	if isMT5 && sig.Status == types.StatusExecuted && sig.OrderID == "" {
		events = append(events, m.emit(sig, StatusInconsistent, ReasonExecutedWithoutTicket))
	}

	// Rule 2: unnormalized symbol suffix, e.g. a Yahoo-style "USDJPY=X"
	// slipping through to a broker that expects "USDJPY".
	if isMT5 && strings.Contains(sig.Symbol, "=X") {
		events = append(events, m.emit(sig, StatusInconsistent, ReasonUnnormalizedSymbol))
	}

	// Rule 3: PENDING older than the configured timeout.
	if sig.Status == types.StatusPending && now.Sub(sig.Timestamp) >= m.pendingTimeout {
		events = append(events, m.emit(sig, StatusInconsistent, ReasonPendingTimeout))
	}

	// Rule 4: rejected/failed executions are a learning opportunity, not
	// just noise — tag them with score/volume context for the tuner.
	if sig.Status == types.StatusRejected {
		reason := "REJECTED"
		if r, ok := sig.Metadata["reject_reason"].(string); ok && r != "" {
			reason = r
		}
		details := fmt.Sprintf("confidence=%.2f volume=%s", sig.Confidence, sig.Volume.String())
		events = append(events, m.emit(sig, StatusLearningOpportunity, reason+": "+details))
	}

	return events
}

func (m *Monitor) emit(sig *types.Signal, status, reason string) *types.CoherenceEvent {
	return &types.CoherenceEvent{
		SignalID: sig.ID, Stage: "EXECUTION", Status: status, Reason: reason,
		ConnectorType: sig.ConnectorType, Timestamp: time.Now().UTC(),
	}
}
