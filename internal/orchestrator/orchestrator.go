// Package orchestrator owns the main control loop: it wires storage,
// scanner, signal factory, risk governor, executor, position manager,
// expiration manager and the feedback loop into one adaptive heartbeat
// that scans, generates, vets, executes and monitors on every tick, and
// tunes every TuneEveryNCycles ticks.
package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/coherence"
	"github.com/atlas-desktop/aethelgard/internal/errs"
	"github.com/atlas-desktop/aethelgard/internal/events"
	"github.com/atlas-desktop/aethelgard/internal/execution"
	"github.com/atlas-desktop/aethelgard/internal/feedback"
	"github.com/atlas-desktop/aethelgard/internal/position"
	"github.com/atlas-desktop/aethelgard/internal/regime"
	"github.com/atlas-desktop/aethelgard/internal/risk"
	"github.com/atlas-desktop/aethelgard/internal/scanner"
	"github.com/atlas-desktop/aethelgard/internal/signals"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/internal/workers"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Config tunes the orchestrator's cadence and wiring.
type Config struct {
	ScanThresholds        regime.Thresholds
	ConfluenceWeights     signals.ConfluenceWeights
	MaxConsecutiveLosses  int
	PrimaryConnectorType  types.ConnectorType
	BaseHeartbeat         map[types.MarketRegime]time.Duration
	DefaultHeartbeat      time.Duration
	MinSleepInterval      time.Duration
	PendingTimeout        time.Duration
	CoherenceLookback     time.Duration
	ClosureSinceHours     int
	TuneEveryNCycles      int64
	CoherenceEveryNCycles int64
	TuneLimitTrades       int
	ShutdownGracePeriod   time.Duration
}

// DefaultConfig mirrors the spec's "Latido de Guardia" defaults.
func DefaultConfig() Config {
	return Config{
		ScanThresholds:       regime.DefaultThresholds(),
		MaxConsecutiveLosses: 3,
		PrimaryConnectorType: types.ConnectorPaper,
		BaseHeartbeat: map[types.MarketRegime]time.Duration{
			types.RegimeTrend:    5 * time.Second,
			types.RegimeVolatile: 15 * time.Second,
			types.RegimeRange:    30 * time.Second,
			types.RegimeShock:    60 * time.Second,
		},
		DefaultHeartbeat:      20 * time.Second,
		MinSleepInterval:      1 * time.Second,
		PendingTimeout:        15 * time.Minute,
		CoherenceLookback:     2 * time.Hour,
		ClosureSinceHours:     24,
		TuneEveryNCycles:      20,
		CoherenceEveryNCycles: 5,
		TuneLimitTrades:       200,
		ShutdownGracePeriod:   5 * time.Second,
	}
}

// Orchestrator is the composition root and main control loop.
type Orchestrator struct {
	logger      *zap.Logger
	cfg         Config
	store       *storage.Store
	scan        *scanner.Scanner
	factory     *signals.Factory
	governor    *risk.Governor
	executor    *execution.Executor
	connectors  *execution.Registry
	posManager  *position.Manager
	expManager  *position.ExpirationManager
	closure     *feedback.Closure
	tuner       *feedback.Tuner
	coh         *coherence.Monitor
	execPool    *workers.Pool
	eventBus    *events.Bus
	metrics     Metrics

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	stats        types.SessionStats
	cycleCount   int64
	errorStreak  int
	lastLockdown bool
}

// New wires the composition root. Every dependency is constructed by
// the caller (cmd/server) and injected here.
func New(
	logger *zap.Logger, cfg Config, store *storage.Store, scan *scanner.Scanner, factory *signals.Factory,
	governor *risk.Governor, executor *execution.Executor, connectors *execution.Registry,
	posManager *position.Manager, expManager *position.ExpirationManager,
	closure *feedback.Closure, tuner *feedback.Tuner, coh *coherence.Monitor, execPool *workers.Pool,
) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("orchestrator"), cfg: cfg, store: store, scan: scan, factory: factory,
		governor: governor, executor: executor, connectors: connectors, posManager: posManager,
		expManager: expManager, closure: closure, tuner: tuner, coh: coh, execPool: execPool,
	}
}

// SetEventBus wires an optional publish/subscribe bus after construction
// — every signal-lifecycle, lockdown, coherence and cycle notification
// the control loop produces is published here instead of pushed
// directly to a concrete listener; the API hub (or any other consumer)
// subscribes to the types it cares about.
func (o *Orchestrator) SetEventBus(b *events.Bus) {
	o.eventBus = b
}

func (o *Orchestrator) publish(t events.Type, payload interface{}) {
	if o.eventBus != nil {
		o.eventBus.Publish(t, payload)
	}
}

// Metrics is the narrow contract metrics.Registry satisfies
// structurally — the orchestrator never imports the metrics package.
type Metrics interface {
	IncCyclesCompleted()
	AddSignalsProcessed(n int)
	IncSignalsExecuted()
	SetLockdownActive(active bool)
	SetConsecutiveLosses(n int)
}

// SetMetrics wires an optional Prometheus reporter after construction.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// Start reconstructs session state and runs the control loop until ctx
// is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	if err := o.governor.Bootstrap(ctx); err != nil {
		return err
	}
	o.reconstructSessionStats(ctx)
	o.execPool.Start()

	o.logger.Info("orchestrator started", zap.String("today", o.stats.Date))

	for {
		select {
		case <-ctx.Done():
			o.shutdown(context.Background())
			return nil
		case <-o.stopCh:
			o.shutdown(context.Background())
			return nil
		default:
		}

		sleep := o.runCycle(ctx)

		select {
		case <-ctx.Done():
			o.shutdown(context.Background())
			return nil
		case <-o.stopCh:
			o.shutdown(context.Background())
			return nil
		case <-time.After(sleep):
		}
	}
}

// Stop requests a graceful shutdown of a running loop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
}

func (o *Orchestrator) reconstructSessionStats(ctx context.Context) {
	today := time.Now().UTC().Format("2006-01-02")
	state, err := o.store.GetSystemState(ctx)
	if err != nil {
		o.stats = types.SessionStats{Date: today}
		return
	}
	sub, ok := state["session_stats"].(map[string]interface{})
	if !ok {
		o.stats = types.SessionStats{Date: today}
		return
	}
	if date, _ := sub["date"].(string); date == today {
		o.stats = types.SessionStats{
			Date:             today,
			SignalsProcessed: int64(asFloat(sub["signals_processed"])),
			SignalsExecuted:  int64(asFloat(sub["signals_executed"])),
			CyclesCompleted:  int64(asFloat(sub["cycles_completed"])),
			ErrorsCount:      int64(asFloat(sub["errors_count"])),
		}
	} else {
		o.stats = types.SessionStats{Date: today}
	}
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// runCycle executes the single-cycle algorithm and returns the adaptive
// sleep interval for the next tick.
func (o *Orchestrator) runCycle(ctx context.Context) time.Duration {
	o.dayRolloverCheck()

	hardFailure := false
	activeSignals := 0
	dominantRegime := types.RegimeNormal

	if n, err := o.expManager.ExpireStale(ctx); err != nil {
		o.onCycleError(err, &hardFailure)
	} else if n > 0 {
		o.publish(events.TypeSignalExpired, map[string]interface{}{"count": n})
	}

	th := o.cfg.ScanThresholds
	if params, err := o.store.GetDynamicParams(ctx); err == nil {
		if st, ok := params["strategy_thresholds"].(map[string]interface{}); ok {
			if s, ok := st["adx_threshold"].(string); ok {
				if v, perr := strconv.ParseFloat(s, 64); perr == nil && v > 0 {
					th.ADXTrend = v
				}
			}
		}
	}
	scanResults := o.scan.Scan(ctx, th)
	entries, higherTF := buildEntries(scanResults)
	dominantRegime = dominantRegimeOf(scanResults)

	newSignals := o.factory.Generate(ctx, entries, higherTF, o.cfg.ConfluenceWeights)
	o.stats.SignalsProcessed += int64(len(newSignals))
	if o.metrics != nil {
		o.metrics.AddSignalsProcessed(len(newSignals))
	}

	conn, connOK := o.connectors.Get(o.cfg.PrimaryConnectorType)
	if connOK {
		balance, err := conn.GetAccountBalance(ctx)
		if err != nil {
			o.onCycleError(err, &hardFailure)
		} else {
			for _, sig := range newSignals {
				if o.dispatchSignal(ctx, sig, conn, balance) {
					activeSignals++
					o.stats.SignalsExecuted++
				}
			}
		}

		o.monitorPositions(ctx, conn)
	}

	o.runFeedbackAndCoherence(ctx)

	o.stats.CyclesCompleted++
	if o.metrics != nil {
		o.metrics.IncCyclesCompleted()
		riskStatus := o.governor.Status()
		o.metrics.SetLockdownActive(riskStatus.IsLocked)
		o.metrics.SetConsecutiveLosses(riskStatus.ConsecutiveLosses)
	}
	if err := o.persistSessionStats(ctx); err != nil {
		o.onCycleError(err, &hardFailure)
	} else {
		o.publish(events.TypeCycleCompleted, o.stats)
	}

	if hardFailure {
		o.errorStreak++
		if o.errorStreak >= 2 {
			o.logger.Error("two consecutive hard storage failures, requesting shutdown")
			o.Stop()
		}
	} else {
		o.errorStreak = 0
	}

	return o.nextSleep(dominantRegime, activeSignals)
}

// dispatchSignal runs the governor gate and, on approval, submits
// execution to the worker pool and waits for the task to finish. It
// returns whether the signal was handed off for execution.
func (o *Orchestrator) dispatchSignal(ctx context.Context, sig *types.Signal, conn execution.BrokerConnector, balance decimal.Decimal) bool {
	if o.governor.IsLocked() {
		return false
	}
	if sig.TraceID == "" {
		sig.TraceID = uuid.New().String()
	}
	sig.ConnectorType = o.cfg.PrimaryConnectorType

	ok, reason := o.governor.CanTakeNewTrade(ctx, sig, conn, balance)
	if !ok {
		o.logger.Info("signal vetoed", zap.String("symbol", sig.Symbol), zap.String("reason", reason))
		o.publish(events.TypeSignalRejected, map[string]interface{}{"symbol": sig.Symbol, "trace_id": sig.TraceID, "reason": reason})
		return false
	}

	sigRegime, _ := sig.Regime()
	sizingResult := o.governor.CalculatePositionSizeMaster(ctx, sig, conn, sigRegime)
	if sizingResult.Rejected {
		o.logger.Info("signal sizing rejected", zap.String("symbol", sig.Symbol), zap.String("reason", sizingResult.Reason))
		o.publish(events.TypeSignalRejected, map[string]interface{}{"symbol": sig.Symbol, "trace_id": sig.TraceID, "reason": sizingResult.Reason})
		return false
	}
	sig.Volume = sizingResult.Lots
	o.publish(events.TypeSignalApproved, map[string]interface{}{"symbol": sig.Symbol, "trace_id": sig.TraceID, "volume": sig.Volume.String()})

	riskUSD, _ := sizingResult.RiskUSD.Float64()
	if err := o.execPool.Submit(ctx, func(taskCtx context.Context) error {
		return o.executor.ExecuteSignal(taskCtx, sig, riskUSD, sigRegime)
	}); err != nil {
		o.logger.Warn("execution dispatch failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		o.publish(events.TypeSignalRejected, map[string]interface{}{"symbol": sig.Symbol, "trace_id": sig.TraceID, "reason": err.Error()})
		return false
	}
	if o.metrics != nil {
		o.metrics.IncSignalsExecuted()
	}
	o.publish(events.TypeSignalExecuted, map[string]interface{}{"symbol": sig.Symbol, "trace_id": sig.TraceID})
	return true
}

// SubmitExternalSignal routes a signal originating outside the scan
// cycle (the webhook-input endpoint) through the identical governor
// gate and execution-pool dispatch as a scanner-generated signal — it
// never bypasses the Risk Governor. When the signal did not make it to
// execution, returns a generic rejection message; the specific veto or
// sizing reason is only logged and published on the event bus.
func (o *Orchestrator) SubmitExternalSignal(ctx context.Context, sig *types.Signal) (dispatched bool, reason string) {
	conn, ok := o.connectors.Get(o.cfg.PrimaryConnectorType)
	if !ok {
		return false, "no primary connector registered"
	}
	balance, err := conn.GetAccountBalance(ctx)
	if err != nil {
		return false, "failed to read account balance: " + err.Error()
	}
	if o.dispatchSignal(ctx, sig, conn, balance) {
		return true, ""
	}
	return false, "signal vetoed or rejected, see logs"
}

// Status is a read-only snapshot for the operator-facing API.
type Status struct {
	Running     bool
	CycleCount  int64
	Stats       types.SessionStats
	Risk        risk.Status
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	return Status{Running: running, CycleCount: o.cycleCount, Stats: o.stats, Risk: o.governor.Status()}
}

func (o *Orchestrator) monitorPositions(ctx context.Context, conn execution.BrokerConnector) {
	openPositions, err := conn.GetOpenPositions(ctx)
	if err != nil {
		o.logger.Warn("failed to fetch open positions", zap.Error(err))
		return
	}
	lastResults := o.scan.LastResults()
	regimeLookup := func(symbol string) (types.MarketRegime, bool) {
		for _, r := range lastResults {
			if r.Symbol == symbol {
				return r.Regime, true
			}
		}
		return "", false
	}
	atrLookup := func(symbol string) decimal.Decimal {
		for _, r := range lastResults {
			if r.Symbol == symbol && len(r.Frame) > 0 {
				return decimal.NewFromFloat(regime.ATR(r.Frame, 14))
			}
		}
		return decimal.Zero
	}
	o.posManager.MonitorPositions(ctx, openPositions, regimeLookup, atrLookup, conn)
}

// runFeedbackAndCoherence ingests closed positions every cycle (cheap,
// idempotent), and runs the tuner/coherence monitor on their own
// coarser cadence.
func (o *Orchestrator) runFeedbackAndCoherence(ctx context.Context) {
	o.cycleCount++

	if conn, ok := o.connectors.Get(o.cfg.PrimaryConnectorType); ok {
		if n, err := o.closure.Ingest(ctx, conn, o.cfg.ClosureSinceHours, o.cfg.MaxConsecutiveLosses); err != nil {
			o.logger.Warn("closure ingestion failed", zap.Error(err))
		} else if n > 0 {
			o.publish(events.TypeTradeClosed, map[string]interface{}{"count": n})
		}
	}

	if o.cfg.TuneEveryNCycles > 0 && o.cycleCount%o.cfg.TuneEveryNCycles == 0 {
		if result, err := o.tuner.Adjust(ctx, o.cfg.TuneLimitTrades); err != nil {
			o.logger.Warn("tuner adjustment failed", zap.Error(err))
		} else if result.AdjustmentFactor != 0 {
			o.publish(events.TypeParamsUpdated, result)
		}
	}
	if o.cfg.CoherenceEveryNCycles > 0 && o.cycleCount%o.cfg.CoherenceEveryNCycles == 0 {
		coherenceEvents, err := o.coh.RunOnce(ctx)
		if err != nil {
			o.logger.Warn("coherence monitor failed", zap.Error(err))
		} else {
			for _, ev := range coherenceEvents {
				o.publish(events.TypeCoherence, ev)
			}
		}
	}

	riskStatus := o.governor.Status()
	if riskStatus.IsLocked != o.lastLockdown {
		o.lastLockdown = riskStatus.IsLocked
		o.publish(events.TypeLockdownChanged, riskStatus)
	}
}

func (o *Orchestrator) persistSessionStats(ctx context.Context) error {
	return o.store.UpdateSystemState(ctx, map[string]interface{}{
		"session_stats": map[string]interface{}{
			"date":              o.stats.Date,
			"signals_processed": o.stats.SignalsProcessed,
			"signals_executed":  o.stats.SignalsExecuted,
			"cycles_completed":  o.stats.CyclesCompleted,
			"errors_count":      o.stats.ErrorsCount,
		},
	})
}

func (o *Orchestrator) dayRolloverCheck() {
	today := time.Now().UTC().Format("2006-01-02")
	if o.stats.Date != today {
		o.logger.Info("day rollover, resetting session stats", zap.String("previous", o.stats.Date), zap.String("today", today))
		o.stats = types.SessionStats{Date: today}
	}
}

func (o *Orchestrator) onCycleError(err error, hardFailure *bool) {
	o.stats.ErrorsCount++
	var structured *errs.Error
	if errors.As(err, &structured) && structured.Kind == errs.KindStorage {
		*hardFailure = true
	}
	o.logger.Error("cycle error", zap.Error(err))
}

// nextSleep implements the adaptive heartbeat: regime-dependent base
// interval, clamped down to MinSleepInterval whenever this cycle
// produced active signals needing fast follow-up.
func (o *Orchestrator) nextSleep(dominant types.MarketRegime, activeSignals int) time.Duration {
	if activeSignals > 0 {
		return o.cfg.MinSleepInterval
	}
	if d, ok := o.cfg.BaseHeartbeat[dominant]; ok {
		return d
	}
	return o.cfg.DefaultHeartbeat
}

func (o *Orchestrator) shutdown(ctx context.Context) {
	o.logger.Info("orchestrator shutting down")
	if err := o.persistSessionStats(ctx); err != nil {
		o.logger.Error("failed to persist session state at shutdown", zap.Error(err))
	}
	o.execPool.Stop()
	o.logger.Info("orchestrator stopped")
}

func buildEntries(scanResults map[string]scanner.Result) ([]signals.ScanEntry, map[string]map[types.Timeframe]types.MarketRegime) {
	entries := make([]signals.ScanEntry, 0, len(scanResults))
	higherTF := map[string]map[types.Timeframe]types.MarketRegime{}
	for _, r := range scanResults {
		entries = append(entries, signals.ScanEntry{Symbol: r.Symbol, Timeframe: r.Timeframe, Frame: r.Frame, Regime: r.Regime})
		if higherTF[r.Symbol] == nil {
			higherTF[r.Symbol] = map[types.Timeframe]types.MarketRegime{}
		}
		higherTF[r.Symbol][r.Timeframe] = r.Regime
	}
	return entries, higherTF
}

// dominantRegimeOf picks the most frequently observed regime this
// cycle, used only to select the adaptive-heartbeat base interval.
func dominantRegimeOf(scanResults map[string]scanner.Result) types.MarketRegime {
	counts := map[types.MarketRegime]int{}
	for _, r := range scanResults {
		counts[r.Regime]++
	}
	best := types.RegimeNormal
	bestCount := 0
	for reg, n := range counts {
		if n > bestCount {
			best, bestCount = reg, n
		}
	}
	return best
}
