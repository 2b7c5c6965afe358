package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction is the action side of a trade decision.
type TradeAction string

const (
	ActionBuy   TradeAction = "buy"
	ActionSell  TradeAction = "sell"
	ActionHold  TradeAction = "hold"
	ActionClose TradeAction = "close"
)

// ActionForSignal maps a signal type to the trade action it implies.
func ActionForSignal(t SignalType) TradeAction {
	switch t {
	case SignalBuy:
		return ActionBuy
	case SignalSell:
		return ActionSell
	case SignalCloseLong, SignalCloseShort:
		return ActionClose
	default:
		return ActionHold
	}
}

// RiskAssessment is the risk controller's verdict on one signal.
type RiskAssessment struct {
	Approved bool     `json:"approved"`
	Score    float64  `json:"score"` // 0..100, higher = riskier
	Factors  []string `json:"factors,omitempty"`
}

// TradeDecision is the orchestrator's output unit, created only for signals
// that pass risk approval. Never mutated after creation.
type TradeDecision struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Action     TradeAction     `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Confidence float64         `json:"confidence"`
	Priority   Priority        `json:"priority"`
	SignalIDs  []string        `json:"signal_ids"`
	Risk       RiskAssessment  `json:"risk"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// MarketData is one market snapshot handed to the orchestrator per tick.
type MarketData struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
}

// ExecutionContext is the shared context for one tick, passed to every
// delegate that executes during that tick.
type ExecutionContext struct {
	TickID    string     `json:"tick_id"`
	Market    MarketData `json:"market"`
	StartedAt time.Time  `json:"started_at"`
}

// StrategyResult is the per-delegate outcome of one tick. A failed delegate
// contributes a result with Success=false and Error set; it never aborts
// sibling delegates.
type StrategyResult struct {
	StrategyID string          `json:"strategy_id"`
	Success    bool            `json:"success"`
	Signal     *StrategySignal `json:"signal,omitempty"`
	Error      string          `json:"error,omitempty"`
	Latency    time.Duration   `json:"latency"`
}

// StrategyMetrics is the per-strategy statistics surface exposed by delegates.
type StrategyMetrics struct {
	SignalCount  int64         `json:"signal_count"`
	ErrorCount   int64         `json:"error_count"`
	WinRate      float64       `json:"win_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastSignalAt time.Time     `json:"last_signal_at,omitempty"`
}

// HealthCheckEntry is one named check inside a delegate health report.
type HealthCheckEntry struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// HealthReport is a delegate's self-reported health.
type HealthReport struct {
	StrategyID string             `json:"strategy_id"`
	Healthy    bool               `json:"healthy"`
	Score      float64            `json:"score"` // 0..100
	Checks     []HealthCheckEntry `json:"checks,omitempty"`
}

// EngineMetrics is the orchestrator's rolling view of its own throughput.
type EngineMetrics struct {
	TotalExecutions      int64     `json:"total_executions"`
	SuccessfulExecutions int64     `json:"successful_executions"`
	FailedExecutions     int64     `json:"failed_executions"`
	SuccessRate          float64   `json:"success_rate"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
	ThroughputPerSec     float64   `json:"throughput_per_sec"`
	ActiveStrategies     int       `json:"active_strategies"`
	LastTickAt           time.Time `json:"last_tick_at,omitempty"`
}
