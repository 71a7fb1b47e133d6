package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

const (
	futuresStreamBase = "wss://fstream.binance.com/stream"
	testnetStreamBase = "wss://stream.binancefuture.com/stream"
)

// aggTradeEvent is the payload of a combined-stream aggTrade message.
type aggTradeEvent struct {
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type streamMessage struct {
	Stream string        `json:"stream"`
	Data   aggTradeEvent `json:"data"`
}

// TradeStream consumes the Binance aggTrade websocket for the
// configured instruments and emits typed trades on its channel. A
// dropped connection is retried with exponential backoff up to the
// configured ceiling.
type TradeStream struct {
	config  *config.Config
	baseURL string
	out     chan models.Trade
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewTradeStream creates the stream. Trades arrive on Trades() once
// Start is called.
func NewTradeStream(cfg *config.Config) *TradeStream {
	return &TradeStream{
		config: cfg,
		out:    make(chan models.Trade, cfg.Capture.TradeBuffer),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Trades is the channel the stream emits on. It is closed when the
// stream stops.
func (ts *TradeStream) Trades() <-chan models.Trade {
	return ts.out
}

// Start launches the websocket worker.
func (ts *TradeStream) Start(ctx context.Context) error {
	if !ts.config.Feed.Binance.Trades.Enabled {
		return fmt.Errorf("trade stream is disabled")
	}

	ts.mu.Lock()
	if ts.running {
		ts.mu.Unlock()
		return fmt.Errorf("trade stream already running")
	}
	ts.running = true
	ts.ctx, ts.cancel = context.WithCancel(ctx)
	ts.mu.Unlock()

	ts.wg.Add(1)
	go ts.streamWorker()

	ts.log.WithComponent("trade_stream").WithFields(logger.Fields{
		"instruments": ts.config.Capture.Instruments,
	}).Info("trade stream started successfully")
	return nil
}

// Stop tears the connection down and closes the trade channel.
func (ts *TradeStream) Stop() {
	ts.mu.Lock()
	if !ts.running {
		ts.mu.Unlock()
		return
	}
	ts.running = false
	ts.mu.Unlock()

	ts.log.WithComponent("trade_stream").Info("stopping trade stream")
	ts.cancel()
	ts.wg.Wait()
	close(ts.out)
	ts.log.WithComponent("trade_stream").Info("trade stream stopped")
}

func (ts *TradeStream) streamURL() string {
	base := ts.baseURL
	if base == "" {
		base = futuresStreamBase
		if ts.config.Feed.Binance.UseTestnet {
			base = testnetStreamBase
		}
	}

	streams := make([]string, 0, len(ts.config.Capture.Instruments))
	for _, instrument := range ts.config.Capture.Instruments {
		streams = append(streams, strings.ToLower(instrument)+"@aggTrade")
	}
	return base + "?streams=" + strings.Join(streams, "/")
}

// streamWorker keeps one connection alive, reconnecting with backoff.
// The backoff resets after every successful connect.
func (ts *TradeStream) streamWorker() {
	defer ts.wg.Done()

	log := ts.log.WithComponent("trade_stream").WithFields(logger.Fields{
		"worker": "aggtrade_stream",
	})
	log.Info("starting aggtrade stream worker")

	delay := ts.config.Feed.Binance.Trades.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxWait := ts.config.Feed.Binance.Trades.MaxReconnectWait
	if maxWait < delay {
		maxWait = delay
	}
	backoff := delay

	for {
		if ts.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}

		err := ts.consume(log)
		if ts.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}

		log.WithError(err).WithFields(logger.Fields{
			"retry_in": backoff.String(),
		}).Warn("stream connection lost, reconnecting")

		select {
		case <-ts.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxWait {
			backoff = maxWait
		}
	}
}

// consume dials the stream and pumps messages until the connection
// drops or the context is cancelled.
func (ts *TradeStream) consume(log *logger.Entry) error {
	url := ts.streamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ts.ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	log.WithFields(logger.Fields{"url": url}).Info("stream connected")

	// Unblock ReadMessage when the stream is asked to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ts.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).Warn("skipping malformed stream message")
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}

		trade, err := tradeFromEvent(msg.Data)
		if err != nil {
			log.WithError(err).Warn("skipping malformed trade")
			continue
		}

		select {
		case ts.out <- trade:
			logger.RecordChannelMessage("aggtrade_stream", len(payload))
		case <-ts.ctx.Done():
			return nil
		}
	}
}

func tradeFromEvent(ev aggTradeEvent) (models.Trade, error) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad price '%s': %w", ev.Price, err)
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad quantity '%s': %w", ev.Quantity, err)
	}

	return models.Trade{
		Instrument:   ev.Symbol,
		Price:        price,
		Quantity:     qty,
		TradeID:      ev.AggTradeID,
		Timestamp:    ev.TradeTime,
		BuyerIsMaker: ev.BuyerIsMaker,
	}, nil
}
