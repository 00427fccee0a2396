// Package main is Aethelgard's process entry point: it wires storage,
// the scanner, signal factory, risk governor, executor, position and
// expiration managers, and the feedback loop into one orchestrator, then
// serves the operator-facing API alongside it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/aethelgard/internal/api"
	"github.com/atlas-desktop/aethelgard/internal/coherence"
	"github.com/atlas-desktop/aethelgard/internal/events"
	"github.com/atlas-desktop/aethelgard/internal/execution"
	"github.com/atlas-desktop/aethelgard/internal/feedback"
	"github.com/atlas-desktop/aethelgard/internal/metrics"
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
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/JSON config file (optional)")
	dbPath := flag.String("db", "./aethelgard.db", "SQLite database path")
	apiHost := flag.String("host", "0.0.0.0", "API server host")
	apiPort := flag.Int("port", 8081, "API server port")
	metricsPort := flag.Int("metrics-port", 9090, "Prometheus metrics server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	startingBalance := flag.Float64("paper-balance", 100000, "Starting balance for the bundled paper connector")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("AETHELGARD")
	v.AutomaticEnv()
	v.SetDefault("db_path", *dbPath)
	v.SetDefault("api_host", *apiHost)
	v.SetDefault("api_port", *apiPort)
	v.SetDefault("metrics_port", *metricsPort)
	v.SetDefault("log_level", *logLevel)
	v.SetDefault("paper_balance", *startingBalance)
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			panic(err)
		}
	}

	logger := setupLogger(v.GetString("log_level"))
	defer logger.Sync()

	logger.Info("starting aethelgard",
		zap.String("db", v.GetString("db_path")),
		zap.String("api_host", v.GetString("api_host")),
		zap.Int("api_port", v.GetInt("api_port")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(logger, v.GetString("db_path"))
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	paper := execution.NewPaperConnector(decimal.NewFromFloat(v.GetFloat64("paper_balance")))
	connectors := execution.NewRegistry()
	connectors.Register(types.ConnectorPaper, paper)

	scanPool := workers.New(logger, workers.DefaultConfig("scanner"))
	scanPool.Start()
	execPool := workers.New(logger, workers.DefaultConfig("executor"))

	classifier := regime.New(logger)
	chain := scanner.NewProviderChain(paperOHLCProvider{paper})
	scan := scanner.New(logger, chain, classifier, scanPool, scanner.Config{
		Pairs: []scanner.Pair{
			{Symbol: "EURUSD", Timeframe: types.TF1h},
			{Symbol: "GBPUSD", Timeframe: types.TF1h},
			{Symbol: "XAUUSD", Timeframe: types.TF1h},
		},
		Candles: 250,
		Mode:    scanner.ModeStandard,
	})

	strategyRegistry := signals.NewRegistry(signals.NewTrendFollow())
	factory := signals.New(logger, store, strategyRegistry)

	sizingMonitor := sizing.NewMonitor(logger, sizing.DefaultMonitorConfig())
	sizer := sizing.New(logger, sizingMonitor, decimal.NewFromFloat(0.01))

	governor := risk.New(logger, store, sizer, decimal.NewFromFloat(v.GetFloat64("paper_balance")),
		risk.LiquidityCheck(decimal.NewFromInt(30)),
		risk.ConfluenceCheck(),
		risk.AccountRiskCheck(decimal.NewFromInt(10), func() decimal.Decimal { return decimal.Zero }),
	)

	executor := execution.New(logger, store, connectors, governor)
	posManager := position.New(logger, store, position.DefaultSafetyRails())
	expManager := position.NewExpirationManager(logger, store)

	closure := feedback.NewClosure(logger, store, governor)
	tuner := feedback.NewTuner(logger, store, 0.05)
	coh := coherence.New(logger, store, 15*time.Minute, 2*time.Hour)

	orch := orchestrator.New(logger, orchestrator.DefaultConfig(), store, scan, factory,
		governor, executor, connectors, posManager, expManager, closure, tuner, coh, execPool)

	reg := metrics.New(prometheus.DefaultRegisterer)
	orch.SetMetrics(reg)

	bus := events.New(logger, events.DefaultConfig())
	orch.SetEventBus(bus)

	hub := api.NewHub(logger)
	go hub.Run()
	hub.SubscribeToBus(bus)

	apiCfg := api.DefaultConfig()
	apiCfg.Host = v.GetString("api_host")
	apiCfg.Port = v.GetInt("api_port")
	apiCfg.MetricsPort = v.GetInt("metrics_port")
	apiServer := api.New(logger, apiCfg, orch, store, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := orch.Start(ctx); err != nil {
			logger.Error("orchestrator stopped with error", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.StartMetrics(); err != nil {
			logger.Error("metrics server stopped with error", zap.Error(err))
		}
	}()

	logger.Info("aethelgard started")

	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}
	bus.Stop()

	logger.Info("aethelgard stopped")
}

// paperOHLCProvider adapts the bundled PaperConnector to scanner.Provider
// so the default wiring has a usable scan target without a live broker.
type paperOHLCProvider struct {
	conn *execution.PaperConnector
}

func (p paperOHLCProvider) Name() string { return "paper" }

func (p paperOHLCProvider) FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, error) {
	return p.conn.FetchOHLC(ctx, symbol, tf, count)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
