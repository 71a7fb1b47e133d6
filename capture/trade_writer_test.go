package capture

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
	"bookflow/store"
)

func testTrade(instrument string, id int64) models.Trade {
	return models.Trade{
		Instrument: instrument,
		Price:      decimal.RequireFromString("100.00"),
		Quantity:   decimal.RequireFromString("0.5"),
		TradeID:    id,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func queryRecentTrades(t *testing.T, st *store.Store, instrument string) []models.Trade {
	t.Helper()
	now := time.Now()
	trades, err := st.QueryTrades(context.Background(), instrument, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("query trades: %v", err)
	}
	return trades
}

func TestTradeWriterFlushesOnInterval(t *testing.T) {
	st := openCaptureStore(t)
	cfg := captureConfig("BTCUSDT")
	cfg.Capture.TradeFlushInterval = 20 * time.Millisecond

	trades := make(chan models.Trade, 16)
	writer := NewTradeWriter(cfg, trades, st)
	if err := writer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer writer.Stop()

	for i := int64(1); i <= 3; i++ {
		trades <- testTrade("BTCUSDT", i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(queryRecentTrades(t, st, "BTCUSDT")) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 3 persisted trades, got %d", len(queryRecentTrades(t, st, "BTCUSDT")))
}

func TestTradeWriterFlushesOnFullBuffer(t *testing.T) {
	st := openCaptureStore(t)
	cfg := captureConfig("BTCUSDT")
	// Interval never fires; only the buffer cap can trigger the flush.
	cfg.Capture.TradeFlushInterval = time.Hour
	cfg.Capture.TradeBuffer = 2

	trades := make(chan models.Trade, 16)
	writer := NewTradeWriter(cfg, trades, st)
	if err := writer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer writer.Stop()

	trades <- testTrade("BTCUSDT", 1)
	trades <- testTrade("BTCUSDT", 2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(queryRecentTrades(t, st, "BTCUSDT")) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 2 persisted trades, got %d", len(queryRecentTrades(t, st, "BTCUSDT")))
}

func TestTradeWriterFlushesOnStop(t *testing.T) {
	st := openCaptureStore(t)
	cfg := captureConfig("BTCUSDT")
	cfg.Capture.TradeFlushInterval = time.Hour

	trades := make(chan models.Trade, 16)
	writer := NewTradeWriter(cfg, trades, st)
	if err := writer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	trades <- testTrade("BTCUSDT", 7)
	// Give the worker a moment to pull the trade off the channel.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(trades) > 0 {
		time.Sleep(5 * time.Millisecond)
	}

	writer.Stop()

	persisted := queryRecentTrades(t, st, "BTCUSDT")
	if len(persisted) != 1 {
		t.Fatalf("expected the buffered trade after stop, got %d", len(persisted))
	}
	if persisted[0].TradeID != 7 {
		t.Errorf("trade id = %d, want 7", persisted[0].TradeID)
	}
}

func TestTradeWriterSeparatesInstruments(t *testing.T) {
	st := openCaptureStore(t)
	cfg := captureConfig("BTCUSDT", "ETHUSDT")
	cfg.Capture.TradeFlushInterval = time.Hour

	trades := make(chan models.Trade, 16)
	writer := NewTradeWriter(cfg, trades, st)
	if err := writer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	trades <- testTrade("BTCUSDT", 1)
	trades <- testTrade("ETHUSDT", 2)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(trades) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	writer.Stop()

	if got := queryRecentTrades(t, st, "BTCUSDT"); len(got) != 1 || got[0].Instrument != "BTCUSDT" {
		t.Errorf("unexpected BTCUSDT trades: %+v", got)
	}
	if got := queryRecentTrades(t, st, "ETHUSDT"); len(got) != 1 || got[0].Instrument != "ETHUSDT" {
		t.Errorf("unexpected ETHUSDT trades: %+v", got)
	}
}
