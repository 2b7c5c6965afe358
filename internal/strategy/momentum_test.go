package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-trading/halcyon/internal/engine"
	"github.com/halcyon-trading/halcyon/internal/model"
)

func newRunning(t *testing.T, cfg engine.StrategyConfig) *Momentum {
	t.Helper()
	m, err := NewMomentum(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func feed(t *testing.T, m *Momentum, symbol string, closes ...float64) *model.StrategySignal {
	t.Helper()
	var last *model.StrategySignal
	for _, px := range closes {
		sig, err := m.Execute(context.Background(), model.ExecutionContext{
			TickID: "tick",
			Market: model.MarketData{
				Symbol:    symbol,
				Timeframe: "1m",
				Close:     decimal.NewFromFloat(px),
				Timestamp: time.Now(),
			},
		})
		require.NoError(t, err)
		last = sig
	}
	return last
}

func TestMomentum_SignalsBuyOnUpMove(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 3, "threshold": 0.02},
	})

	// Window not yet full: no signal.
	assert.Nil(t, feed(t, m, "BTC-USDT", 100, 101))

	// 100 -> 103 over the window is a 3% move, past the 2% threshold.
	sig := feed(t, m, "BTC-USDT", 103)
	require.NotNil(t, sig)
	assert.Equal(t, model.SignalBuy, sig.Type)
	assert.Equal(t, "mom-1", sig.StrategyID)
	assert.Equal(t, "BTC-USDT", sig.Symbol)
	assert.True(t, sig.Valid)
	assert.True(t, sig.Entry.Equal(decimal.NewFromInt(103)))
	assert.Greater(t, sig.Confidence, 50.0)
	assert.True(t, sig.ExpiresAt.After(sig.CreatedAt))
}

func TestMomentum_SignalsSellOnDownMove(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 3, "threshold": 0.02},
	})

	sig := feed(t, m, "ETH-USDT", 100, 99, 97)
	require.NotNil(t, sig)
	assert.Equal(t, model.SignalSell, sig.Type)
}

func TestMomentum_FlatSeriesStaysQuiet(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 3, "threshold": 0.02},
	})

	assert.Nil(t, feed(t, m, "BTC-USDT", 100, 100.5, 101))
}

func TestMomentum_WindowSlides(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 3, "threshold": 0.02},
	})

	// The early spike falls out of the window; only the last three closes
	// count, and 104 -> 105 is under the threshold.
	assert.Nil(t, feed(t, m, "BTC-USDT", 100, 104, 104, 104.5, 105))
}

func TestMomentum_SymbolHistoriesAreIndependent(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 2, "threshold": 0.02},
	})

	feed(t, m, "BTC-USDT", 100)
	sig := feed(t, m, "ETH-USDT", 200, 210)
	require.NotNil(t, sig)
	assert.Equal(t, "ETH-USDT", sig.Symbol)

	// BTC's own window is unaffected by the ETH move.
	assert.Nil(t, feed(t, m, "BTC-USDT", 100.1))
}

func TestMomentum_ConfidenceAndStrengthCapped(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 2, "threshold": 0.01},
	})

	// 100 -> 200 is a 100x threshold move.
	sig := feed(t, m, "BTC-USDT", 100, 200)
	require.NotNil(t, sig)
	assert.Equal(t, 95.0, sig.Confidence)
	assert.Equal(t, 1.0, sig.Strength)
}

func TestMomentum_NonPositiveCloseIsError(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{StrategyID: "mom-1"})

	_, err := m.Execute(context.Background(), model.ExecutionContext{
		Market: model.MarketData{Symbol: "BTC-USDT", Close: decimal.Zero},
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), m.Metrics().ErrorCount)
}

func TestMomentum_CanExecuteFilters(t *testing.T) {
	m, err := NewMomentum(engine.StrategyConfig{
		StrategyID: "mom-1",
		Symbols:    []string{"BTC-USDT"},
		Timeframe:  "1m",
	})
	require.NoError(t, err)

	assert.False(t, m.CanExecute("BTC-USDT", "1m"), "not running yet")

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.CanExecute("BTC-USDT", "1m"))
	assert.False(t, m.CanExecute("ETH-USDT", "1m"))
	assert.False(t, m.CanExecute("BTC-USDT", "5m"))

	all := newRunning(t, engine.StrategyConfig{StrategyID: "mom-2"})
	assert.True(t, all.CanExecute("ANYTHING", "1m"), "empty symbol list is a wildcard")
}

func TestMomentum_Lifecycle(t *testing.T) {
	m, err := NewMomentum(engine.StrategyConfig{StrategyID: "mom-1"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "created", m.State())
	assert.Error(t, m.Pause(ctx), "pause before start")

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx), "double start")
	require.NoError(t, m.Pause(ctx))
	require.NoError(t, m.Resume(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, "stopped", m.State())

	// Restart after stop is allowed, with a clean history.
	require.NoError(t, m.Start(ctx))
}

func TestMomentum_StopClearsHistory(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 2, "threshold": 0.01},
	})
	feed(t, m, "BTC-USDT", 100)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	assert.Nil(t, feed(t, m, "BTC-USDT", 110), "window must refill from scratch")
}

func TestMomentum_UpdateConfigTrimsHistory(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 5, "threshold": 0.02},
	})
	feed(t, m, "BTC-USDT", 100, 101, 102, 103)

	require.NoError(t, m.UpdateConfig(engine.StrategyConfig{
		StrategyID: "mom-1",
		Params:     map[string]any{"lookback": 2, "threshold": 0.02},
	}))

	// Window is now [103, 107]: ~3.9% move, fires.
	sig := feed(t, m, "BTC-USDT", 107)
	require.NotNil(t, sig)
	assert.Equal(t, model.SignalBuy, sig.Type)

	assert.Error(t, m.UpdateConfig(engine.StrategyConfig{
		Params: map[string]any{"lookback": 1},
	}), "invalid lookback rejected")
}

func TestMomentum_ParamValidation(t *testing.T) {
	_, err := NewMomentum(engine.StrategyConfig{Params: map[string]any{"lookback": "five"}})
	assert.Error(t, err)

	_, err = NewMomentum(engine.StrategyConfig{Params: map[string]any{"threshold": -0.5}})
	assert.Error(t, err)

	// Integer params are accepted for float fields.
	m, err := NewMomentum(engine.StrategyConfig{Params: map[string]any{"lookback": 10}})
	require.NoError(t, err)
	assert.Equal(t, 10, m.lookback)
}

func TestMomentum_HealthCheck(t *testing.T) {
	m := newRunning(t, engine.StrategyConfig{StrategyID: "mom-1"})

	report := m.PerformHealthCheck(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, "mom-1", report.StrategyID)

	require.NoError(t, m.Stop(context.Background()))
	report = m.PerformHealthCheck(context.Background())
	assert.False(t, report.Healthy)
}

func TestFactory(t *testing.T) {
	d, err := Factory(engine.StrategyConfig{StrategyID: "s1"})
	require.NoError(t, err)
	assert.IsType(t, &Momentum{}, d)

	d, err = Factory(engine.StrategyConfig{StrategyID: "s2", Params: map[string]any{"kind": "momentum"}})
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = Factory(engine.StrategyConfig{StrategyID: "s3", Params: map[string]any{"kind": "arbitrage"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arbitrage")
}
