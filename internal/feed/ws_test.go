package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-trading/halcyon/internal/model"
)

func decimalFrom(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

type sinkCapture struct {
	mu    sync.Mutex
	ticks []model.MarketData
	err   error
}

func (s *sinkCapture) OnTick(_ context.Context, md model.MarketData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, md)
	return s.err
}

func (s *sinkCapture) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func (s *sinkCapture) last() model.MarketData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks[len(s.ticks)-1]
}

func TestHandleFrame_ParsesWireTick(t *testing.T) {
	sink := &sinkCapture{}
	f := New(Config{URL: "ws://unused"}, sink)

	frame := `{"symbol":"BTC-USDT","timeframe":"1m","open":100.5,"high":102,"low":99.5,"close":101.25,"volume":1500,"bid":101.2,"ask":101.3,"ts":1756100000000000}`
	f.handleFrame(context.Background(), []byte(frame))

	require.Equal(t, 1, sink.count())
	md := sink.last()
	assert.Equal(t, "BTC-USDT", md.Symbol)
	assert.Equal(t, "1m", md.Timeframe)
	assert.True(t, md.Close.Equal(decimalFrom(t, "101.25")))
	assert.True(t, md.Bid.Equal(decimalFrom(t, "101.2")))
	assert.Equal(t, time.UnixMicro(1756100000000000), md.Timestamp)

	ticks, bad, _, _ := f.Stats()
	assert.Equal(t, int64(1), ticks)
	assert.Equal(t, int64(0), bad)
}

func TestHandleFrame_MissingTimestampFallsBackToNow(t *testing.T) {
	sink := &sinkCapture{}
	f := New(Config{URL: "ws://unused"}, sink)

	before := time.Now()
	f.handleFrame(context.Background(), []byte(`{"symbol":"ETH-USDT","close":2000}`))
	require.Equal(t, 1, sink.count())
	assert.False(t, sink.last().Timestamp.Before(before))
}

func TestHandleFrame_MalformedFramesCounted(t *testing.T) {
	sink := &sinkCapture{}
	f := New(Config{URL: "ws://unused"}, sink)

	f.handleFrame(context.Background(), []byte(`not json`))
	f.handleFrame(context.Background(), []byte(`{"close":100}`)) // no symbol

	assert.Equal(t, 0, sink.count())
	_, bad, _, _ := f.Stats()
	assert.Equal(t, int64(2), bad)
}

func TestHandleFrame_SinkErrorDoesNotStopFeed(t *testing.T) {
	sink := &sinkCapture{err: fmt.Errorf("engine not running")}
	f := New(Config{URL: "ws://unused"}, sink)

	f.handleFrame(context.Background(), []byte(`{"symbol":"BTC-USDT","close":100}`))
	f.handleFrame(context.Background(), []byte(`{"symbol":"BTC-USDT","close":101}`))
	assert.Equal(t, 2, sink.count())
}

func TestRun_StreamsFromServerAndStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			frame := fmt.Sprintf(`{"symbol":"BTC-USDT","timeframe":"1m","close":%d}`, 100+i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := &sinkCapture{}
	f := New(Config{URL: url, ReconnectDelayMs: 10}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	_, _, _, connected := f.Stats()
	assert.True(t, connected)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop on context cancel")
	}
}

func TestRun_GivesUpAfterMaxReconnects(t *testing.T) {
	sink := &sinkCapture{}
	f := New(Config{URL: "ws://127.0.0.1:1", ReconnectDelayMs: 1, MaxReconnects: 2}, sink)

	done := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not give up after max reconnects")
	}
	_, _, reconnects, _ := f.Stats()
	assert.GreaterOrEqual(t, reconnects, int64(2))
}
