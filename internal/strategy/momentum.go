package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyon-trading/halcyon/internal/engine"
	"github.com/halcyon-trading/halcyon/internal/model"
)

// Momentum is the built-in reference delegate: it watches close prices per
// symbol and signals when the move over the lookback window exceeds the
// threshold. Deterministic: same price series, same signals.
type Momentum struct {
	mu  sync.RWMutex
	cfg engine.StrategyConfig

	lookback  int
	threshold float64 // fractional move, e.g. 0.01 = 1%

	history map[string][]float64
	state   string

	signals    int64
	errors     int64
	latencySum time.Duration
	lastSignal time.Time
}

// NewMomentum builds a momentum delegate from a strategy config. Recognized
// params: lookback (int, default 5), threshold (float, default 0.01).
func NewMomentum(cfg engine.StrategyConfig) (*Momentum, error) {
	m := &Momentum{
		cfg:       cfg,
		lookback:  5,
		threshold: 0.01,
		history:   make(map[string][]float64),
		state:     "created",
	}
	if v, ok := cfg.Params["lookback"]; ok {
		f, ok := toFloat(v)
		if !ok || f < 2 {
			return nil, fmt.Errorf("momentum: invalid lookback %v", v)
		}
		m.lookback = int(f)
	}
	if v, ok := cfg.Params["threshold"]; ok {
		f, ok := toFloat(v)
		if !ok || f <= 0 {
			return nil, fmt.Errorf("momentum: invalid threshold %v", v)
		}
		m.threshold = f
	}
	return m, nil
}

// CanExecute accepts configured symbols on the configured timeframe. An empty
// symbol list means all symbols.
func (m *Momentum) CanExecute(symbol, timeframe string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != "running" {
		return false
	}
	if m.cfg.Timeframe != "" && timeframe != "" && m.cfg.Timeframe != timeframe {
		return false
	}
	if len(m.cfg.Symbols) == 0 {
		return true
	}
	for _, s := range m.cfg.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Execute folds the tick's close into the price history and signals once the
// window is full and the move exceeds the threshold.
func (m *Momentum) Execute(_ context.Context, ec model.ExecutionContext) (*model.StrategySignal, error) {
	start := time.Now()
	closePx, _ := ec.Market.Close.Float64()
	if closePx <= 0 {
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		return nil, fmt.Errorf("momentum: non-positive close for %s", ec.Market.Symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[ec.Market.Symbol], closePx)
	if len(h) > m.lookback {
		h = h[len(h)-m.lookback:]
	}
	m.history[ec.Market.Symbol] = h
	m.latencySum += time.Since(start)

	if len(h) < m.lookback {
		return nil, nil
	}

	move := (h[len(h)-1] - h[0]) / h[0]
	var sigType model.SignalType
	switch {
	case move >= m.threshold:
		sigType = model.SignalBuy
	case move <= -m.threshold:
		sigType = model.SignalSell
	default:
		return nil, nil
	}

	// Confidence scales with how far past the threshold the move is, capped.
	excess := move / m.threshold
	if excess < 0 {
		excess = -excess
	}
	confidence := 50 + 10*(excess-1)
	if confidence > 95 {
		confidence = 95
	}
	strength := excess / 3
	if strength > 1 {
		strength = 1
	}

	now := ec.Market.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	m.signals++
	m.lastSignal = now

	return &model.StrategySignal{
		ID:         uuid.New().String(),
		StrategyID: m.cfg.StrategyID,
		Symbol:     ec.Market.Symbol,
		Timeframe:  ec.Market.Timeframe,
		Type:       sigType,
		Confidence: confidence,
		Strength:   strength,
		Entry:      decimal.NewFromFloat(closePx),
		Priority:   model.PriorityMedium,
		Valid:      true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}, nil
}

func (m *Momentum) Start(context.Context) error  { return m.setState("running", "created", "stopped") }
func (m *Momentum) Pause(context.Context) error  { return m.setState("paused", "running") }
func (m *Momentum) Resume(context.Context) error { return m.setState("running", "paused") }

func (m *Momentum) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = "stopped"
	m.history = make(map[string][]float64)
	return nil
}

func (m *Momentum) EmergencyStop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = "stopped"
	return nil
}

// UpdateConfig swaps the config in place. History survives unless the
// lookback shrank below what is buffered.
func (m *Momentum) UpdateConfig(cfg engine.StrategyConfig) error {
	fresh, err := NewMomentum(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.lookback = fresh.lookback
	m.threshold = fresh.threshold
	for sym, h := range m.history {
		if len(h) > m.lookback {
			m.history[sym] = h[len(h)-m.lookback:]
		}
	}
	return nil
}

func (m *Momentum) PerformHealthCheck(context.Context) model.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateOK := m.state == "running" || m.state == "paused"
	total := m.signals + m.errors
	errorsOK := total == 0 || float64(m.errors)/float64(total) < 0.5

	score := 100.0
	if !stateOK {
		score -= 50
	}
	if !errorsOK {
		score -= 50
	}
	return model.HealthReport{
		StrategyID: m.cfg.StrategyID,
		Healthy:    stateOK && errorsOK,
		Score:      score,
		Checks: []model.HealthCheckEntry{
			{Name: "state", Passed: stateOK, Message: m.state},
			{Name: "error_rate", Passed: errorsOK},
		},
	}
}

func (m *Momentum) Metrics() model.StrategyMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var avg time.Duration
	if m.signals > 0 {
		avg = m.latencySum / time.Duration(m.signals)
	}
	return model.StrategyMetrics{
		SignalCount:  m.signals,
		ErrorCount:   m.errors,
		AvgLatency:   avg,
		LastSignalAt: m.lastSignal,
	}
}

func (m *Momentum) State() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Momentum) setState(to string, from ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("momentum: cannot move %s -> %s", m.state, to)
}

// Factory builds delegates by the "kind" param. A config without a kind gets
// momentum.
func Factory(cfg engine.StrategyConfig) (engine.Delegate, error) {
	kind := "momentum"
	if v, ok := cfg.Params["kind"].(string); ok && v != "" {
		kind = v
	}
	switch kind {
	case "momentum":
		return NewMomentum(cfg)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
