package sizing

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CalculationStatus classifies a single CalculateMaster attempt.
type CalculationStatus string

const (
	StatusSuccess  CalculationStatus = "SUCCESS"
	StatusWarning  CalculationStatus = "WARNING"
	StatusError    CalculationStatus = "ERROR"
	StatusCritical CalculationStatus = "CRITICAL"
)

// CalculationEvent records one sizing attempt for the health/history feed.
type CalculationEvent struct {
	Timestamp    time.Time
	Symbol       string
	Status       CalculationStatus
	ErrorMessage string
	Warnings     []string
}

// Monitor is the position-size circuit breaker: it watches consecutive
// sizing failures and blocks all further sizing once a threshold is
// reached, auto-resetting after a cooldown or on the next success past
// that cooldown.
type Monitor struct {
	logger *zap.Logger

	maxConsecutiveFailures int
	cooldown               time.Duration
	historyWindow          int

	mu                      sync.Mutex
	consecutiveFailures     int
	circuitBreakerActive    bool
	circuitBreakerActivated time.Time
	history                 []CalculationEvent

	totalCalculations      int64
	successfulCalculations int64
	failedCalculations     int64
}

// MonitorConfig tunes the circuit breaker. Defaults mirror the reference
// implementation: trip after 3 consecutive failures, 5-minute cooldown.
type MonitorConfig struct {
	MaxConsecutiveFailures int
	Cooldown               time.Duration
	HistoryWindow          int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{MaxConsecutiveFailures: 3, Cooldown: 5 * time.Minute, HistoryWindow: 100}
}

func NewMonitor(logger *zap.Logger, cfg MonitorConfig) *Monitor {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 100
	}
	return &Monitor{
		logger:                 logger.Named("sizing.monitor"),
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		cooldown:               cfg.Cooldown,
		historyWindow:          cfg.HistoryWindow,
	}
}

// Record logs a calculation outcome and updates the circuit breaker.
func (m *Monitor) Record(symbol string, status CalculationStatus, errMsg string, warnings []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCalculations++
	m.history = append(m.history, CalculationEvent{
		Timestamp: time.Now(), Symbol: symbol, Status: status, ErrorMessage: errMsg, Warnings: warnings,
	})
	if len(m.history) > m.historyWindow {
		m.history = m.history[len(m.history)-m.historyWindow:]
	}

	switch status {
	case StatusSuccess, StatusWarning:
		m.successfulCalculations++
		m.consecutiveFailures = 0
		if m.circuitBreakerActive && time.Since(m.circuitBreakerActivated) >= m.cooldown {
			m.reset()
			m.logger.Info("circuit breaker auto-reset after successful calculation")
		}
	case StatusError, StatusCritical:
		m.failedCalculations++
		m.consecutiveFailures++
		m.logger.Error("position size calculation failed",
			zap.String("symbol", symbol), zap.String("status", string(status)), zap.String("error", errMsg))
		if m.consecutiveFailures >= m.maxConsecutiveFailures && !m.circuitBreakerActive {
			m.circuitBreakerActive = true
			m.circuitBreakerActivated = time.Now()
			m.logger.Error("circuit breaker activated",
				zap.Int("consecutive_failures", m.consecutiveFailures))
		}
	}
}

func (m *Monitor) reset() {
	m.circuitBreakerActive = false
	m.circuitBreakerActivated = time.Time{}
	m.consecutiveFailures = 0
}

// IsTradingAllowed reports whether the circuit breaker permits further
// sizing attempts, auto-resetting it in place if the cooldown has elapsed.
func (m *Monitor) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.circuitBreakerActive {
		return true
	}
	if time.Since(m.circuitBreakerActivated) >= m.cooldown {
		m.reset()
		return true
	}
	return false
}

// ForceReset manually clears the circuit breaker, e.g. from an operator
// endpoint after confirming an outage is resolved.
func (m *Monitor) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// HealthMetrics is the monitor's health snapshot.
type HealthMetrics struct {
	TotalCalculations      int64
	SuccessfulCalculations int64
	FailedCalculations     int64
	ConsecutiveFailures    int
	CircuitBreakerActive   bool
	TradingAllowed         bool
}

func (m *Monitor) Health() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthMetrics{
		TotalCalculations:      m.totalCalculations,
		SuccessfulCalculations: m.successfulCalculations,
		FailedCalculations:     m.failedCalculations,
		ConsecutiveFailures:    m.consecutiveFailures,
		CircuitBreakerActive:   m.circuitBreakerActive,
		TradingAllowed:         !m.circuitBreakerActive || time.Since(m.circuitBreakerActivated) >= m.cooldown,
	}
}
