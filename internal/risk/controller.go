package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// Config holds the baseline risk limits.
//
// The daily loss and exposure ceilings are always active and cannot be
// disabled through configuration.
type Config struct {
	MaxDailyLoss     float64 // absolute loss ceiling, account currency
	MaxTotalExposure float64 // open notional ceiling
	MaxSignalRisk    float64 // per-signal risk percent, 0..100
	MinConfidence    float64 // signals below this are denied outright
	MaxOpenPerSymbol int     // 0 = unlimited
}

func (c *Config) applyDefaults() {
	if c.MaxDailyLoss <= 0 {
		c.MaxDailyLoss = 1000
	}
	if c.MaxTotalExposure <= 0 {
		c.MaxTotalExposure = 100000
	}
	if c.MaxSignalRisk <= 0 {
		c.MaxSignalRisk = 80
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 20
	}
}

// Controller is the baseline risk gate in front of trade decisions. It tracks
// daily PnL and exposure, scores individual signals, and flattens everything
// on emergency close.
type Controller struct {
	cfg Config

	mu            sync.RWMutex
	dailyPnL      float64
	totalExposure float64
	openBySymbol  map[string]int

	killed atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
}

// NewController creates a controller with the given limits. Zero-value fields
// take defaults.
func NewController(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:          cfg,
		openBySymbol: make(map[string]int),
	}
}

// ValidateSignals filters a batch down to the subset passing the account-level
// and per-signal gates. Order is preserved.
func (c *Controller) ValidateSignals(_ context.Context, signals []model.StrategySignal) ([]model.StrategySignal, error) {
	if c.killed.Load() {
		c.denied.Add(int64(len(signals)))
		return nil, nil
	}

	c.mu.RLock()
	pnl := c.dailyPnL
	c.mu.RUnlock()
	if pnl < -c.cfg.MaxDailyLoss {
		c.denied.Add(int64(len(signals)))
		log.Warn().Float64("pnl", pnl).Float64("limit", -c.cfg.MaxDailyLoss).
			Msg("risk: daily loss breached, rejecting all signals")
		return nil, nil
	}

	out := make([]model.StrategySignal, 0, len(signals))
	for _, s := range signals {
		if reasons := c.gate(s); len(reasons) > 0 {
			c.denied.Add(1)
			log.Debug().Str("signal_id", s.ID).Strs("reasons", reasons).Msg("risk: signal denied")
			continue
		}
		c.allowed.Add(1)
		out = append(out, s)
	}
	return out, nil
}

// AssessSignalRisk scores a single signal. Score 0..100, higher is riskier;
// approval requires passing every gate.
func (c *Controller) AssessSignalRisk(_ context.Context, s model.StrategySignal) (model.RiskAssessment, error) {
	reasons := c.gate(s)

	risk := s.MaxRisk
	if risk <= 0 {
		risk = 50
	}
	// Confidence discounts raw signal risk.
	score := risk * (1 - s.Confidence/200)

	return model.RiskAssessment{
		Approved: len(reasons) == 0,
		Score:    score,
		Factors:  reasons,
	}, nil
}

// gate runs the per-signal checks and returns the violated reasons.
func (c *Controller) gate(s model.StrategySignal) []string {
	var reasons []string
	if c.killed.Load() {
		return []string{"KILL_SWITCH_ACTIVE"}
	}
	if s.Confidence < c.cfg.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("CONFIDENCE_TOO_LOW:%.1f<%.1f", s.Confidence, c.cfg.MinConfidence))
	}
	if s.MaxRisk > c.cfg.MaxSignalRisk {
		reasons = append(reasons, fmt.Sprintf("SIGNAL_RISK_EXCEEDED:%.1f>%.1f", s.MaxRisk, c.cfg.MaxSignalRisk))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.totalExposure > c.cfg.MaxTotalExposure {
		reasons = append(reasons, fmt.Sprintf("EXPOSURE_EXCEEDED:%.2f>%.2f", c.totalExposure, c.cfg.MaxTotalExposure))
	}
	if c.cfg.MaxOpenPerSymbol > 0 && s.Type.IsBuySide() {
		if c.openBySymbol[s.Symbol] >= c.cfg.MaxOpenPerSymbol {
			reasons = append(reasons, fmt.Sprintf("POSITION_LIMIT:%s", s.Symbol))
		}
	}
	return reasons
}

// CurrentRiskMetrics exposes the live account-level numbers.
func (c *Controller) CurrentRiskMetrics(_ context.Context) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	killed := 0.0
	if c.killed.Load() {
		killed = 1
	}
	return map[string]float64{
		"daily_pnl":      c.dailyPnL,
		"total_exposure": c.totalExposure,
		"killed":         killed,
		"allowed_total":  float64(c.allowed.Load()),
		"denied_total":   float64(c.denied.Load()),
	}, nil
}

// EmergencyCloseAll activates the kill switch and clears tracked exposure.
// Once killed, the controller denies everything until process restart.
func (c *Controller) EmergencyCloseAll(_ context.Context) error {
	c.killed.Store(true)
	c.mu.Lock()
	c.totalExposure = 0
	c.openBySymbol = make(map[string]int)
	c.mu.Unlock()
	log.Error().Msg("risk: emergency close, kill switch active")
	return nil
}

// UpdatePnL records the running daily PnL.
func (c *Controller) UpdatePnL(pnl float64) {
	c.mu.Lock()
	c.dailyPnL = pnl
	c.mu.Unlock()
}

// UpdateExposure records the current open notional.
func (c *Controller) UpdateExposure(exposure float64) {
	c.mu.Lock()
	c.totalExposure = exposure
	c.mu.Unlock()
}

// TrackOpen adjusts the per-symbol open position count.
func (c *Controller) TrackOpen(symbol string, delta int) {
	c.mu.Lock()
	c.openBySymbol[symbol] += delta
	if c.openBySymbol[symbol] < 0 {
		c.openBySymbol[symbol] = 0
	}
	c.mu.Unlock()
}

// Killed reports whether the kill switch fired.
func (c *Controller) Killed() bool {
	return c.killed.Load()
}
