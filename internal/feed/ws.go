package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/halcyon-trading/halcyon/internal/model"
)

// TickSink consumes market snapshots as they arrive from the feed.
type TickSink interface {
	OnTick(ctx context.Context, md model.MarketData) error
}

// Config configures the websocket market feed.
type Config struct {
	URL              string
	ReconnectDelayMs int
	PingIntervalS    int
	MaxReconnects    int // 0 = unlimited
}

func (c *Config) applyDefaults() {
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = 1000
	}
	if c.PingIntervalS <= 0 {
		c.PingIntervalS = 30
	}
}

// wireTick is the JSON frame shape on the feed.
type wireTick struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"ts"` // unix micros
}

// Feed streams market data frames over a websocket into a TickSink,
// reconnecting with a fixed delay on connection loss.
type Feed struct {
	cfg  Config
	sink TickSink

	ticksRecv  atomic.Int64
	badFrames  atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// New creates a feed over the given sink.
func New(cfg Config, sink TickSink) *Feed {
	cfg.applyDefaults()
	return &Feed{cfg: cfg, sink: sink}
}

// Run connects and pumps ticks until the context is cancelled. Each dropped
// connection is retried after the reconnect delay.
func (f *Feed) Run(ctx context.Context) {
	delay := time.Duration(f.cfg.ReconnectDelayMs) * time.Millisecond
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if f.cfg.MaxReconnects > 0 && attempts > f.cfg.MaxReconnects {
			log.Error().Int("max", f.cfg.MaxReconnects).Msg("feed: max reconnects reached, giving up")
			return
		}

		if err := f.runConn(ctx); err != nil && ctx.Err() == nil {
			attempts++
			f.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("feed: connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// runConn owns one connection: dial, ping loop, read loop.
func (f *Feed) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.connected.Store(true)
	defer f.connected.Store(false)
	log.Info().Str("url", f.cfg.URL).Msg("feed: connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(time.Duration(f.cfg.PingIntervalS) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Close the socket when the context ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleFrame(ctx, data)
	}
}

func (f *Feed) handleFrame(ctx context.Context, data []byte) {
	var wt wireTick
	if err := json.Unmarshal(data, &wt); err != nil || wt.Symbol == "" {
		f.badFrames.Add(1)
		log.Debug().Err(err).Msg("feed: skipping malformed frame")
		return
	}
	f.ticksRecv.Add(1)

	ts := time.Now()
	if wt.Timestamp > 0 {
		ts = time.UnixMicro(wt.Timestamp)
	}
	md := model.MarketData{
		Symbol:    wt.Symbol,
		Timeframe: wt.Timeframe,
		Open:      decimal.NewFromFloat(wt.Open),
		High:      decimal.NewFromFloat(wt.High),
		Low:       decimal.NewFromFloat(wt.Low),
		Close:     decimal.NewFromFloat(wt.Close),
		Volume:    decimal.NewFromFloat(wt.Volume),
		Bid:       decimal.NewFromFloat(wt.Bid),
		Ask:       decimal.NewFromFloat(wt.Ask),
		Timestamp: ts,
	}

	if err := f.sink.OnTick(ctx, md); err != nil {
		log.Warn().Err(err).Str("symbol", md.Symbol).Msg("feed: tick rejected by sink")
	}
}

// Stats returns feed counters.
func (f *Feed) Stats() (ticks, bad, reconnects int64, connected bool) {
	return f.ticksRecv.Load(), f.badFrames.Load(), f.reconnects.Load(), f.connected.Load()
}
