package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/store"
)

// TradeWriter drains the feed's trade channel into the store. Trades
// buffer per instrument and flush as a batch on the configured interval
// or when a buffer fills, whichever comes first.
type TradeWriter struct {
	config  *config.Config
	trades  <-chan models.Trade
	store   *store.Store
	buffers map[string][]models.Trade
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewTradeWriter creates a writer draining trades into the store.
func NewTradeWriter(cfg *config.Config, trades <-chan models.Trade, st *store.Store) *TradeWriter {
	return &TradeWriter{
		config:  cfg,
		trades:  trades,
		store:   st,
		buffers: make(map[string][]models.Trade),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the drain worker.
func (tw *TradeWriter) Start(ctx context.Context) error {
	tw.mu.Lock()
	if tw.running {
		tw.mu.Unlock()
		return fmt.Errorf("trade writer already running")
	}
	tw.running = true
	tw.ctx, tw.cancel = context.WithCancel(ctx)
	tw.mu.Unlock()

	tw.wg.Add(1)
	go tw.drainWorker()

	tw.log.WithComponent("trade_writer").WithFields(logger.Fields{
		"flush_interval": tw.config.Capture.TradeFlushInterval,
		"buffer_size":    tw.config.Capture.TradeBuffer,
	}).Info("trade writer started successfully")
	return nil
}

// Stop flushes any buffered trades and waits for the worker to exit.
func (tw *TradeWriter) Stop() {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return
	}
	tw.running = false
	tw.mu.Unlock()

	tw.log.WithComponent("trade_writer").Info("stopping trade writer")
	tw.cancel()
	tw.wg.Wait()
	tw.log.WithComponent("trade_writer").Info("trade writer stopped")
}

func (tw *TradeWriter) drainWorker() {
	defer tw.wg.Done()

	log := tw.log.WithComponent("trade_writer").WithFields(logger.Fields{
		"worker": "trade_drain",
	})
	log.Info("starting trade drain worker")

	ticker := time.NewTicker(tw.config.Capture.TradeFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tw.ctx.Done():
			// Final drain after cancellation still needs a live context.
			tw.flushAll(context.Background())
			log.Info("worker stopped due to context cancellation")
			return
		case trade, ok := <-tw.trades:
			if !ok {
				tw.flushAll(context.Background())
				log.Info("trade channel closed")
				return
			}
			tw.buffer(trade)
		case <-ticker.C:
			tw.flushAll(tw.ctx)
		}
	}
}

func (tw *TradeWriter) buffer(trade models.Trade) {
	logger.RecordChannelMessage("trades", 1)

	tw.mu.Lock()
	tw.buffers[trade.Instrument] = append(tw.buffers[trade.Instrument], trade)
	full := len(tw.buffers[trade.Instrument]) >= tw.config.Capture.TradeBuffer
	tw.mu.Unlock()

	if full {
		tw.flush(tw.ctx, trade.Instrument)
	}
}

// flushAll writes every non-empty buffer. A failing instrument keeps
// its trades for the next flush attempt.
func (tw *TradeWriter) flushAll(ctx context.Context) {
	tw.mu.Lock()
	instruments := make([]string, 0, len(tw.buffers))
	for instrument, buffered := range tw.buffers {
		if len(buffered) > 0 {
			instruments = append(instruments, instrument)
		}
	}
	tw.mu.Unlock()

	for _, instrument := range instruments {
		tw.flush(ctx, instrument)
	}
}

func (tw *TradeWriter) flush(ctx context.Context, instrument string) {
	tw.mu.Lock()
	buffered := tw.buffers[instrument]
	tw.buffers[instrument] = nil
	tw.mu.Unlock()

	if len(buffered) == 0 {
		return
	}

	batch := models.TradeBatch{
		BatchID:     uuid.New().String(),
		Instrument:  instrument,
		Trades:      buffered,
		RecordCount: len(buffered),
		Timestamp:   time.Now().UTC(),
	}

	if err := tw.store.PutTradeBatch(ctx, batch); err != nil {
		tw.log.WithComponent("trade_writer").WithError(err).WithFields(logger.Fields{
			"instrument": instrument,
			"records":    len(buffered),
		}).Error("failed to persist trade batch")

		tw.mu.Lock()
		tw.buffers[instrument] = append(buffered, tw.buffers[instrument]...)
		tw.mu.Unlock()
		return
	}

	tw.log.WithComponent("trade_writer").WithFields(logger.Fields{
		"instrument": instrument,
		"batch_id":   batch.BatchID,
		"records":    batch.RecordCount,
	}).Debug("trade batch persisted")
}
