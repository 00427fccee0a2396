package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/orchestrator"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Config is the API server's bootstrap configuration — sourced from
// viper at process start, never from the live trading parameters.
type Config struct {
	Host          string
	Port          int
	MetricsPort   int
	WebSocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host: "0.0.0.0", Port: 8081, MetricsPort: 9090, WebSocketPath: "/ws",
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second,
	}
}

// SignalSubmitter is the narrow contract the webhook endpoint needs: it
// routes every external signal through the same gate a scan-cycle
// signal passes through, never directly to a connector.
type SignalSubmitter interface {
	SubmitExternalSignal(ctx context.Context, sig *types.Signal) (dispatched bool, reason string)
	Status() orchestrator.Status
}

// Store is the narrow read contract the status endpoints need.
type Store interface {
	GetSignals(ctx context.Context, f storage.SignalFilters) ([]*types.Signal, error)
	GetRecentTrades(ctx context.Context, limit int) ([]*types.TradeResult, error)
	GetRecentCoherenceEvents(ctx context.Context, limit int) ([]*types.CoherenceEvent, error)
}

// Server is the operator-facing HTTP/WebSocket API.
type Server struct {
	logger        *zap.Logger
	cfg           Config
	router        *mux.Router
	httpServer    *http.Server
	metricsServer *http.Server
	upgrader      websocket.Upgrader
	hub           *Hub
	orch          SignalSubmitter
	store         Store
}

// New builds the server and its route table. The caller starts the
// hub's Run loop and this server's Start independently so they share no
// goroutine lifecycle coupling.
func New(logger *zap.Logger, cfg Config, orch SignalSubmitter, store Store, hub *Hub) *Server {
	s := &Server{
		logger: logger.Named("api"),
		cfg:    cfg,
		router: mux.NewRouter(),
		orch:   orch,
		store:  store,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Router exposes the route table for embedding in httptest servers and
// for tests that drive handlers directly without a live listener.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/signals", s.handleListSignals).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/recent", s.handleRecentTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/coherence/recent", s.handleRecentCoherence).Methods("GET")
	s.router.HandleFunc("/api/v1/webhook/signal", s.handleWebhookSignal).Methods("POST")
	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// Start serves the operator HTTP/WebSocket API until the process is
// killed or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{Addr: addr, Handler: handler, ReadTimeout: s.cfg.ReadTimeout, WriteTimeout: s.cfg.WriteTimeout}
	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// StartMetrics serves Prometheus's /metrics on its own dedicated port,
// isolated from the operator API so a scraper outage or slow client on
// one surface never blocks the other.
func (s *Server) StartMetrics() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{Addr: addr, Handler: metricsMux}
	s.logger.Info("starting metrics server", zap.String("addr", addr))
	return s.metricsServer.ListenAndServe()
}

// Stop gracefully shuts both the API and metrics HTTP servers down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.metricsServer != nil {
		return s.metricsServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.orch.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":            status.Running,
		"cycle_count":        status.CycleCount,
		"session_stats":      status.Stats,
		"lockdown_active":    status.Risk.IsLocked,
		"consecutive_losses": status.Risk.ConsecutiveLosses,
		"capital":            status.Risk.Capital.String(),
	})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := storage.SignalFilters{Symbol: q.Get("symbol")}
	if st := q.Get("status"); st != "" {
		filters.Status = types.SignalStatus(st)
	}
	sigs, err := s.store.GetSignals(r.Context(), filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": sigs, "count": len(sigs)})
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	trades, err := s.store.GetRecentTrades(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades, "count": len(trades)})
}

func (s *Server) handleRecentCoherence(w http.ResponseWriter, r *http.Request) {
	limit := 100
	events, err := s.store.GetRecentCoherenceEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// webhookSignalRequest is the external-trigger payload (§6): converted
// to a Signal with connector_type=WEBHOOK and submitted through the
// same Risk + Executor path a scan-cycle signal takes.
type webhookSignalRequest struct {
	Symbol     string          `json:"symbol"`
	Timeframe  types.Timeframe `json:"timeframe"`
	SignalType types.SignalType `json:"signal_type"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Confidence float64         `json:"confidence"`
}

func (s *Server) handleWebhookSignal(w http.ResponseWriter, r *http.Request) {
	var req webhookSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	switch req.SignalType {
	case types.SignalBuy, types.SignalSell:
	default:
		http.Error(w, "signal_type must be BUY or SELL", http.StatusBadRequest)
		return
	}

	sig := &types.Signal{
		ID: "", TraceID: uuid.New().String(), Symbol: req.Symbol, Timeframe: req.Timeframe,
		SignalType: req.SignalType, Confidence: req.Confidence, EntryPrice: req.EntryPrice,
		StopLoss: req.StopLoss, TakeProfit: req.TakeProfit, ConnectorType: types.ConnectorWebhook,
		Status: types.StatusPending, Timestamp: time.Now().UTC(),
	}

	dispatched, reason := s.orch.SubmitExternalSignal(r.Context(), sig)
	status := http.StatusAccepted
	if !dispatched {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{
		"trace_id": sig.TraceID, "dispatched": dispatched, "reason": reason,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
