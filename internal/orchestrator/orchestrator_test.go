package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/coherence"
	"github.com/atlas-desktop/aethelgard/internal/events"
	"github.com/atlas-desktop/aethelgard/internal/execution"
	"github.com/atlas-desktop/aethelgard/internal/feedback"
	"github.com/atlas-desktop/aethelgard/internal/orchestrator"
	"github.com/atlas-desktop/aethelgard/internal/position"
	"github.com/atlas-desktop/aethelgard/internal/regime"
	"github.com/atlas-desktop/aethelgard/internal/risk"
	"github.com/atlas-desktop/aethelgard/internal/scanner"
	"github.com/atlas-desktop/aethelgard/internal/signals"
	"github.com/atlas-desktop/aethelgard/internal/sizing"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/internal/workers"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// rig wires the full real stack (real SQLite store, real risk/sizing/
// execution/position/feedback/coherence components) the way cmd/server
// does, with only the scanner's data provider faked and the in-memory
// PaperConnector as the broker connector. The scanner is given no pairs, so the automatic cycle never
// generates signals of its own — tests drive signals explicitly through
// SubmitExternalSignal, isolating it from background cycle activity.
type rig struct {
	store    *storage.Store
	governor *risk.Governor
	paper    *execution.PaperConnector
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "aethelgard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	monitor := sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig())
	sizer := sizing.New(zap.NewNop(), monitor, decimal.NewFromFloat(0.01))
	governor := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))

	connectors := execution.NewRegistry()
	paper := execution.NewPaperConnector(decimal.NewFromInt(10000))
	paper.SetSymbolInfo("EURUSD", eurusdSymbolInfo())
	connectors.Register(types.ConnectorPaper, paper)

	executor := execution.New(zap.NewNop(), store, connectors, governor)
	registry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(zap.NewNop(), store, registry)

	pool := workers.New(zap.NewNop(), workers.DefaultConfig("orchestrator-test"))
	classifier := regime.New(zap.NewNop())
	chain := scanner.NewProviderChain(&emptyProvider{})
	scan := scanner.New(zap.NewNop(), chain, classifier, pool, scanner.Config{Mode: scanner.ModeAggressive})

	posManager := position.New(zap.NewNop(), store, position.DefaultSafetyRails())
	expManager := position.NewExpirationManager(zap.NewNop(), store)
	closure := feedback.NewClosure(zap.NewNop(), store, governor)
	tuner := feedback.NewTuner(zap.NewNop(), store, 0.05)
	coh := coherence.New(zap.NewNop(), store, 15*time.Minute, time.Hour)

	cfg := orchestrator.DefaultConfig()
	cfg.MinSleepInterval = 20 * time.Millisecond
	cfg.DefaultHeartbeat = 20 * time.Millisecond
	cfg.BaseHeartbeat = nil

	orch := orchestrator.New(zap.NewNop(), cfg, store, scan, factory, governor, executor, connectors,
		posManager, expManager, closure, tuner, coh, pool)

	bus := events.New(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	orch.SetEventBus(bus)

	return &rig{store: store, governor: governor, paper: paper, bus: bus, orch: orch}
}

type emptyProvider struct{}

func (emptyProvider) Name() string { return "empty" }
func (emptyProvider) FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, error) {
	return nil, nil
}

// runBackground starts the orchestrator, waits for it to report running,
// and returns a stop function that cancels it and blocks until Start
// returns.
func (r *rig) runBackground(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.orch.Start(ctx) }()

	require.Eventually(t, func() bool { return r.orch.Status().Running }, time.Second, 5*time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("orchestrator did not shut down in time")
		}
	}
}

func eurusdSymbolInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Digits: 5, Point: decimal.NewFromFloat(0.0001), ContractSize: decimal.NewFromInt(100000),
		VolumeMin: decimal.NewFromFloat(0.01), VolumeMax: decimal.NewFromInt(100), VolumeStep: decimal.NewFromFloat(0.01),
	}
}

func tightStopSignal() *types.Signal {
	return &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TF1h, SignalType: types.SignalBuy, Confidence: 0.8,
		EntryPrice: decimal.NewFromFloat(1.1000), StopLoss: decimal.NewFromFloat(1.0990),
		TakeProfit: decimal.NewFromFloat(1.1030), Volume: decimal.NewFromFloat(0.01),
	}
}

func wideStopSignal() *types.Signal {
	return &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TF1h, SignalType: types.SignalBuy, Confidence: 0.8,
		EntryPrice: decimal.NewFromFloat(1.1000), StopLoss: decimal.NewFromFloat(1.0900),
		TakeProfit: decimal.NewFromFloat(1.1200), Volume: decimal.NewFromFloat(0.01),
	}
}

func TestSubmitExternalSignalExecutesThroughFullStackWhenWithinRiskLimits(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	dispatched, reason := r.orch.SubmitExternalSignal(context.Background(), tightStopSignal())
	assert.True(t, dispatched, reason)

	signals, err := r.store.GetSignalsToday(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.StatusExecuted, signals[0].Status)
}

func TestSubmitExternalSignalVetoedWhenRUnitExceedsCeiling(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	dispatched, reason := r.orch.SubmitExternalSignal(context.Background(), wideStopSignal())
	assert.False(t, dispatched)
	assert.Contains(t, reason, "vetoed or rejected")

	signals, err := r.store.GetSignalsToday(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals, "a governor veto must never persist the signal")
}

func TestSubmitExternalSignalPublishesApprovedAndExecutedEvents(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	approved := make(chan events.Event, 1)
	executed := make(chan events.Event, 1)
	r.bus.Subscribe(events.TypeSignalApproved, func(ev events.Event) error {
		approved <- ev
		return nil
	})
	r.bus.Subscribe(events.TypeSignalExecuted, func(ev events.Event) error {
		executed <- ev
		return nil
	})

	dispatched, reason := r.orch.SubmitExternalSignal(context.Background(), tightStopSignal())
	require.True(t, dispatched, reason)

	select {
	case <-approved:
	case <-time.After(time.Second):
		t.Fatal("expected a signal.approved event on the bus")
	}
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("expected a signal.executed event on the bus")
	}
}

func TestSubmitExternalSignalPublishesRejectedEventOnVeto(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	rejected := make(chan events.Event, 1)
	r.bus.Subscribe(events.TypeSignalRejected, func(ev events.Event) error {
		rejected <- ev
		return nil
	})

	dispatched, _ := r.orch.SubmitExternalSignal(context.Background(), wideStopSignal())
	require.False(t, dispatched)

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("expected a signal.rejected event on the bus")
	}
}

func TestLockdownAfterConsecutiveLossesBlocksFurtherSignals(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	for i := 0; i < 3; i++ {
		r.governor.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-50), 3)
	}
	require.True(t, r.orch.Status().Risk.IsLocked)

	dispatched, _ := r.orch.SubmitExternalSignal(context.Background(), tightStopSignal())
	assert.False(t, dispatched)
}

func TestLockdownDeactivatesOnWinningTrade(t *testing.T) {
	r := newRig(t)
	stop := r.runBackground(t)
	defer stop()

	for i := 0; i < 3; i++ {
		r.governor.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-50), 3)
	}
	require.True(t, r.orch.Status().Risk.IsLocked)

	r.governor.RecordTradeResult(context.Background(), true, decimal.NewFromInt(100), 3)
	assert.False(t, r.orch.Status().Risk.IsLocked)
}

func TestExpiredPendingSignalsAreAgedOutAgainstTheRealStore(t *testing.T) {
	r := newRig(t)

	staleID, err := r.store.SaveSignal(context.Background(), &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TF1h, SignalType: types.SignalBuy,
		Status: types.StatusPending, Timestamp: time.Now().Add(-10 * time.Hour),
	})
	require.NoError(t, err)

	expManager := position.NewExpirationManager(zap.NewNop(), r.store)
	n, err := expManager.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sig, err := r.store.GetSignalByID(context.Background(), staleID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, sig.Status)
}

func TestRestartRecoversLockdownFromPersistedState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aethelgard.db")

	build := func() *rig {
		store, err := storage.Open(zap.NewNop(), dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		monitor := sizing.NewMonitor(zap.NewNop(), sizing.DefaultMonitorConfig())
		sizer := sizing.New(zap.NewNop(), monitor, decimal.NewFromFloat(0.01))
		governor := risk.New(zap.NewNop(), store, sizer, decimal.NewFromInt(10000))
		connectors := execution.NewRegistry()
		paper := execution.NewPaperConnector(decimal.NewFromInt(10000))
		paper.SetSymbolInfo("EURUSD", eurusdSymbolInfo())
		connectors.Register(types.ConnectorPaper, paper)
		executor := execution.New(zap.NewNop(), store, connectors, governor)
		registry := signals.NewRegistry(signals.NewTrendFollow())
		factory := signals.New(zap.NewNop(), store, registry)
		pool := workers.New(zap.NewNop(), workers.DefaultConfig("restart-test"))
		classifier := regime.New(zap.NewNop())
		chain := scanner.NewProviderChain(&emptyProvider{})
		scan := scanner.New(zap.NewNop(), chain, classifier, pool, scanner.Config{Mode: scanner.ModeAggressive})
		posManager := position.New(zap.NewNop(), store, position.DefaultSafetyRails())
		expManager := position.NewExpirationManager(zap.NewNop(), store)
		closure := feedback.NewClosure(zap.NewNop(), store, governor)
		tuner := feedback.NewTuner(zap.NewNop(), store, 0.05)
		coh := coherence.New(zap.NewNop(), store, 15*time.Minute, time.Hour)

		cfg := orchestrator.DefaultConfig()
		cfg.MinSleepInterval = 20 * time.Millisecond
		cfg.DefaultHeartbeat = 20 * time.Millisecond
		cfg.BaseHeartbeat = nil

		orch := orchestrator.New(zap.NewNop(), cfg, store, scan, factory, governor, executor, connectors,
			posManager, expManager, closure, tuner, coh, pool)
		return &rig{store: store, governor: governor, paper: paper, orch: orch}
	}

	first := build()
	for i := 0; i < 3; i++ {
		first.governor.RecordTradeResult(context.Background(), false, decimal.NewFromInt(-50), 3)
	}
	require.True(t, first.governor.Status().IsLocked)

	stopFirst := first.runBackground(t)
	require.Eventually(t, func() bool { return first.orch.Status().Stats.CyclesCompleted > 0 }, time.Second, 5*time.Millisecond)
	stopFirst()

	second := build()
	stopSecond := second.runBackground(t)
	defer stopSecond()

	assert.True(t, second.orch.Status().Risk.IsLocked, "lockdown must survive a restart")
}
