package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/api"
	"github.com/atlas-desktop/aethelgard/internal/orchestrator"
	"github.com/atlas-desktop/aethelgard/internal/risk"
	"github.com/atlas-desktop/aethelgard/internal/storage"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// fakeOrch stubs the narrow SignalSubmitter contract the server depends
// on, letting handler tests run without a real orchestrator stack.
type fakeOrch struct {
	dispatched bool
	reason     string
	gotSignal  *types.Signal
	status     orchestrator.Status
}

func (f *fakeOrch) SubmitExternalSignal(ctx context.Context, sig *types.Signal) (bool, string) {
	f.gotSignal = sig
	return f.dispatched, f.reason
}

func (f *fakeOrch) Status() orchestrator.Status { return f.status }

type fakeStore struct {
	signals []*types.Signal
	trades  []*types.TradeResult
	events  []*types.CoherenceEvent
	err     error
}

func (f *fakeStore) GetSignals(ctx context.Context, filters storage.SignalFilters) ([]*types.Signal, error) {
	return f.signals, f.err
}

func (f *fakeStore) GetRecentTrades(ctx context.Context, limit int) ([]*types.TradeResult, error) {
	return f.trades, f.err
}

func (f *fakeStore) GetRecentCoherenceEvents(ctx context.Context, limit int) ([]*types.CoherenceEvent, error) {
	return f.events, f.err
}

func newTestServer(orch *fakeOrch, store *fakeStore) *api.Server {
	hub := api.NewHub(zap.NewNop())
	return api.New(zap.NewNop(), api.DefaultConfig(), orch, store, hub)
}

func doRequest(t *testing.T, srv *api.Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	srv := newTestServer(&fakeOrch{}, &fakeStore{})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleStatusReflectsOrchestratorSnapshot(t *testing.T) {
	orch := &fakeOrch{status: orchestrator.Status{
		Running: true, CycleCount: 4,
		Risk: risk.Status{Capital: decimal.NewFromInt(9500), ConsecutiveLosses: 1, IsLocked: true},
	}}
	srv := newTestServer(orch, &fakeStore{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, true, body["lockdown_active"])
	assert.Equal(t, "9500", body["capital"])
}

func TestHandleListSignalsReturnsStoreResults(t *testing.T) {
	store := &fakeStore{signals: []*types.Signal{{ID: "s1", Symbol: "EURUSD"}}}
	srv := newTestServer(&fakeOrch{}, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/signals?symbol=EURUSD", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])
}

func TestHandleListSignalsReturns500OnStoreError(t *testing.T) {
	store := &fakeStore{err: assert.AnError}
	srv := newTestServer(&fakeOrch{}, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/signals", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleRecentTradesReturnsStoreResults(t *testing.T) {
	store := &fakeStore{trades: []*types.TradeResult{{ID: "t1"}}}
	srv := newTestServer(&fakeOrch{}, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/trades/recent", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])
}

func TestHandleRecentCoherenceReturnsStoreResults(t *testing.T) {
	store := &fakeStore{events: []*types.CoherenceEvent{{ID: "c1"}}}
	srv := newTestServer(&fakeOrch{}, store)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/coherence/recent", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["count"])
}

func TestHandleWebhookSignalRejectsMissingSymbol(t *testing.T) {
	srv := newTestServer(&fakeOrch{}, &fakeStore{})
	payload, _ := json.Marshal(map[string]interface{}{"signal_type": "BUY"})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/webhook/signal", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookSignalRejectsInvalidSignalType(t *testing.T) {
	srv := newTestServer(&fakeOrch{}, &fakeStore{})
	payload, _ := json.Marshal(map[string]interface{}{"symbol": "EURUSD", "signal_type": "HOLD"})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/webhook/signal", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookSignalDispatchesThroughOrchestratorAndReturns202(t *testing.T) {
	orch := &fakeOrch{dispatched: true, reason: "ok"}
	srv := newTestServer(orch, &fakeStore{})
	payload, _ := json.Marshal(map[string]interface{}{
		"symbol": "EURUSD", "signal_type": "BUY", "entry_price": "1.1000",
		"stop_loss": "1.0950", "take_profit": "1.1100", "confidence": 0.7,
	})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/webhook/signal", payload)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, orch.gotSignal)
	assert.Equal(t, types.ConnectorWebhook, orch.gotSignal.ConnectorType)
	assert.Equal(t, "EURUSD", orch.gotSignal.Symbol)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["dispatched"])
	assert.NotEmpty(t, body["trace_id"])
}

func TestHandleWebhookSignalReturns422WhenGovernorRejects(t *testing.T) {
	orch := &fakeOrch{dispatched: false, reason: "vetoed or rejected by safety governor"}
	srv := newTestServer(orch, &fakeStore{})
	payload, _ := json.Marshal(map[string]interface{}{
		"symbol": "EURUSD", "signal_type": "SELL", "entry_price": "1.1000",
		"stop_loss": "1.1050", "take_profit": "1.0900", "confidence": 0.7,
	})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/webhook/signal", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleWebhookSignalRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(&fakeOrch{}, &fakeStore{})
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/webhook/signal", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsIsNotMountedOnTheOperatorRouter(t *testing.T) {
	srv := newTestServer(&fakeOrch{}, &fakeStore{})
	rec := doRequest(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics is served on its own dedicated port, not the operator API router")
}
