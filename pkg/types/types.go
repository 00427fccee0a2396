// Package types defines the core domain entities shared across Aethelgard's
// control-plane components: signals, trade results, position metadata,
// asset profiles, system state, dynamic parameters and coherence events.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the tagged sum type for what action a Signal proposes.
type SignalType string

const (
	SignalBuy    SignalType = "BUY"
	SignalSell   SignalType = "SELL"
	SignalHold   SignalType = "HOLD"
	SignalClose  SignalType = "CLOSE"
	SignalModify SignalType = "MODIFY"
)

// SignalStatus is the Signal lifecycle state.
type SignalStatus string

const (
	StatusPending  SignalStatus = "PENDING"
	StatusExecuted SignalStatus = "EXECUTED"
	StatusRejected SignalStatus = "REJECTED"
	StatusExpired  SignalStatus = "EXPIRED"
	StatusClosed   SignalStatus = "CLOSED"
)

// ConnectorType identifies the broker/data-source a Signal is routed
// through.
type ConnectorType string

const (
	ConnectorWebhook     ConnectorType = "WEBHOOK"
	ConnectorMetaTrader5 ConnectorType = "METATRADER5"
	ConnectorNinjaTrader ConnectorType = "NINJATRADER8"
	ConnectorGeneric     ConnectorType = "GENERIC"
	ConnectorPaper       ConnectorType = "PAPER"
)

// AccountType distinguishes demo from real trading accounts.
type AccountType string

const (
	AccountDemo AccountType = "DEMO"
	AccountReal AccountType = "REAL"
)

// MarketRegime is the classification of current market behavior for a
// (symbol, timeframe) pair.
type MarketRegime string

const (
	RegimeTrend    MarketRegime = "TREND"
	RegimeRange    MarketRegime = "RANGE"
	RegimeVolatile MarketRegime = "VOLATILE"
	RegimeShock    MarketRegime = "SHOCK"
	RegimeBull     MarketRegime = "BULL"
	RegimeBear     MarketRegime = "BEAR"
	RegimeCrash    MarketRegime = "CRASH"
	RegimeNormal   MarketRegime = "NORMAL"
)

// Timeframe is the canonical internal timeframe set. Provider-specific
// strings are normalized to this set by provider adapters, out of scope
// for this module.
type Timeframe string

const (
	TF1m  Timeframe = "M1"
	TF5m  Timeframe = "M5"
	TF15m Timeframe = "M15"
	TF30m Timeframe = "M30"
	TF1h  Timeframe = "H1"
	TF4h  Timeframe = "H4"
	TF1d  Timeframe = "D1"
)

// DedupWindow returns the lookback window (in minutes) within which at
// most one PENDING/EXECUTED signal of the same (symbol, signal_type,
// timeframe) may exist.
func (t Timeframe) DedupWindow() time.Duration {
	switch t {
	case TF5m:
		return 20 * time.Minute
	case TF15m:
		return 60 * time.Minute
	case TF1h:
		return 240 * time.Minute
	case TF4h:
		return 480 * time.Minute
	case TF1d:
		return 1440 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// ExpirationWindow returns the age after which a PENDING signal on this
// timeframe must be expired.
func (t Timeframe) ExpirationWindow() time.Duration {
	switch t {
	case TF1m:
		return 1 * time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return 60 * time.Minute
	case TF4h:
		return 240 * time.Minute
	case TF1d:
		return 1440 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// ExitReason classifies why a trade was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitManual       ExitReason = "MANUAL"
	ExitExpired      ExitReason = "EXPIRED"
	ExitBrokerClosed ExitReason = "BROKER_CLOSED"
)

// AssetCategory classifies the instrument type of a symbol.
type AssetCategory string

const (
	CategoryForex      AssetCategory = "FOREX"
	CategoryCrypto     AssetCategory = "CRYPTO"
	CategoryIndex      AssetCategory = "INDEX"
	CategoryMetal      AssetCategory = "METAL"
	CategoryCommodity  AssetCategory = "COMMODITY"
)

// Signal is a candidate (or executed) trading instruction.
//
// Owner: Signal Factory creates it; Executor drives status transitions;
// Position/Expiration manager drives terminal states.
type Signal struct {
	ID            string                 `json:"id"`
	TraceID       string                 `json:"trace_id"`
	Symbol        string                 `json:"symbol"`
	Timeframe     Timeframe              `json:"timeframe"`
	SignalType    SignalType             `json:"signal_type"`
	Confidence    float64                `json:"confidence"`
	EntryPrice    decimal.Decimal        `json:"entry_price"`
	StopLoss      decimal.Decimal        `json:"stop_loss"`
	TakeProfit    decimal.Decimal        `json:"take_profit"`
	Volume        decimal.Decimal        `json:"volume"`
	ConnectorType ConnectorType          `json:"connector_type"`
	MarketType    string                 `json:"market_type"`
	AccountID     string                 `json:"account_id"`
	AccountType   AccountType            `json:"account_type"`
	Status        SignalStatus           `json:"status"`
	OrderID       string                 `json:"order_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Regime returns the regime stashed in metadata by the scanner, if any.
func (s *Signal) Regime() (MarketRegime, bool) {
	if s.Metadata == nil {
		return "", false
	}
	v, ok := s.Metadata["regime"]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	if !ok {
		return "", false
	}
	return MarketRegime(str), true
}

// TradeResult is the closed-trade record the feedback loop consumes.
//
// Owner: feedback loop.
type TradeResult struct {
	ID               string                     `json:"id"`
	SignalID         string                     `json:"signal_id"`
	Symbol           string                     `json:"symbol"`
	EntryPrice       decimal.Decimal            `json:"entry_price"`
	ExitPrice        decimal.Decimal            `json:"exit_price"`
	ProfitLoss       decimal.Decimal            `json:"profit_loss"`
	Pips             decimal.Decimal            `json:"pips"`
	IsWin            bool                       `json:"is_win"`
	ExitReason       ExitReason                 `json:"exit_reason"`
	DurationMinutes  int64                      `json:"duration_minutes"`
	MarketRegime     MarketRegime               `json:"market_regime"`
	ParametersUsed   map[string]decimal.Decimal `json:"parameters_used"`
	Timestamp        time.Time                  `json:"timestamp"`
}

// PositionMetadata tracks a broker position keyed by ticket.
//
// Owner: Executor creates it; Position Manager mutates it.
type PositionMetadata struct {
	Ticket                string          `json:"ticket"`
	Symbol                string          `json:"symbol"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	EntryTime             time.Time       `json:"entry_time"`
	StopLoss              decimal.Decimal `json:"sl"`
	TakeProfit            decimal.Decimal `json:"tp"`
	Volume                decimal.Decimal `json:"volume"`
	InitialRiskUSD        decimal.Decimal `json:"initial_risk_usd"`
	EntryRegime           MarketRegime    `json:"entry_regime"`
	Timeframe             Timeframe       `json:"timeframe"`
	ModificationCount     int             `json:"modification_count"`
	LastModificationTime  time.Time       `json:"last_modification_time"`
}

// AssetProfile is the per-symbol normalization/risk config. Absence is a
// hard abort for sizing — no trade may be sized without one.
//
// Owner: bootstrap seed; read by Risk Governor.
type AssetProfile struct {
	Symbol         string          `json:"symbol"`
	ContractSize   decimal.Decimal `json:"contract_size"`
	LotStep        decimal.Decimal `json:"lot_step"`
	LotMin         decimal.Decimal `json:"lot_min"`
	LotMax         decimal.Decimal `json:"lot_max"`
	Digits         int             `json:"digits"`
	PipSize        decimal.Decimal `json:"pip_size"`
	Category       AssetCategory   `json:"category"`
	Subcategory    string          `json:"subcategory"`
	Enabled        bool            `json:"enabled"`
	MinScore       float64         `json:"min_score"`
	RiskMultiplier decimal.Decimal `json:"risk_multiplier"`
}

// SessionStats is the per-day counters the orchestrator persists and
// reconstructs from system state on restart.
type SessionStats struct {
	Date             string `json:"date"`
	SignalsProcessed int64  `json:"signals_processed"`
	SignalsExecuted  int64  `json:"signals_executed"`
	CyclesCompleted  int64  `json:"cycles_completed"`
	ErrorsCount      int64  `json:"errors_count"`
}

// SystemState is the orchestrator/risk-governor key-value store.
type SystemState struct {
	LockdownMode       bool            `json:"lockdown_mode"`
	LockdownDate       *time.Time      `json:"lockdown_date,omitempty"`
	LockdownBalance    decimal.Decimal `json:"lockdown_balance"`
	ConsecutiveLosses  int             `json:"consecutive_losses"`
	SessionStats       SessionStats    `json:"session_stats"`
	ModulesEnabled     map[string]bool `json:"modules_enabled"`
}

// DynamicParameters are the live-tunable runtime parameters. Owner: tuner;
// readers: strategies, risk governor, confluence.
type DynamicParameters struct {
	RiskPerTrade         decimal.Decimal            `json:"risk_per_trade"`
	MaxConsecutiveLosses int                        `json:"max_consecutive_losses"`
	MaxAccountRiskPct    decimal.Decimal            `json:"max_account_risk_pct"`
	MaxRPerTrade         decimal.Decimal            `json:"max_r_per_trade"`
	StrategyThresholds   map[string]decimal.Decimal `json:"strategy_thresholds"`
	ConfluenceWeights    map[Timeframe]decimal.Decimal `json:"confluence_weights"`
	PositionManagement   PositionManagementParams   `json:"position_management"`
	TuningEnabled        bool                       `json:"tuning_enabled"`
	MinTradesForTuning   int                        `json:"min_trades_for_tuning"`
	TargetWinRate        decimal.Decimal            `json:"target_win_rate"`
}

// PositionManagementParams is the `position_management.*` dynamic subtree.
type PositionManagementParams struct {
	DrawdownMultiplier decimal.Decimal `json:"drawdown_multiplier"`
	CooldownMinutes    int             `json:"cooldown_minutes"`
	DailyModCap        int             `json:"daily_mod_cap"`
}

// CoherenceEvent is emitted by the coherence monitor when a signal's
// observed state is inconsistent with its expected invariants.
type CoherenceEvent struct {
	ID            string        `json:"id"`
	SignalID      string        `json:"signal_id"`
	Stage         string        `json:"stage"`
	Status        string        `json:"status"`
	Reason        string        `json:"reason"`
	ConnectorType ConnectorType `json:"connector_type"`
	Timestamp     time.Time     `json:"timestamp"`
}

// MarketStateSnapshot is a single logged observation of a symbol's
// regime, ADX and volatility.
type MarketStateSnapshot struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Regime     MarketRegime `json:"regime"`
	ADX        float64   `json:"adx"`
	Volatility float64   `json:"volatility"`
}

// OHLC is one bar of a price frame.
type OHLC struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Frame is a sequence of OHLC bars for one (symbol, timeframe) pair,
// oldest first.
type Frame []OHLC

// SymbolInfo is the broker's normalization data for a symbol, part of the
// BrokerConnector contract (§6).
type SymbolInfo struct {
	Digits       int
	Point        decimal.Decimal
	ContractSize decimal.Decimal
	VolumeMin    decimal.Decimal
	VolumeMax    decimal.Decimal
	VolumeStep   decimal.Decimal
	FreezeLevel  decimal.Decimal
	Ask          decimal.Decimal
	Bid          decimal.Decimal
}

// OpenPosition mirrors the broker connector's open-position shape.
type OpenPosition struct {
	Ticket     string
	Symbol     string
	Type       SignalType
	Volume     decimal.Decimal
	PriceOpen  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Profit     decimal.Decimal
	Comment    string
}

// ClosedPosition mirrors the broker connector's closed-position shape.
type ClosedPosition struct {
	Ticket     string
	Symbol     string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Profit     decimal.Decimal
	Volume     decimal.Decimal
	CloseTime  time.Time
	ExitReason ExitReason
	SignalID   string
}

// ExecuteResult is what a BrokerConnector returns from ExecuteSignal.
type ExecuteResult struct {
	Success bool
	Ticket  string
	Price   decimal.Decimal
	Error   string
}

// ModifyResult reports whether a connector supports position
// modification — not all connectors implement it uniformly (Open
// Question #4).
type ModifyResult struct {
	Supported bool
	Success   bool
	Error     string
}
