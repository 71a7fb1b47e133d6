package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// BinanceFeed polls futures order book depth from Binance and keeps the
// latest book per instrument in memory. It implements the capture
// scheduler's BookSource.
type BinanceFeed struct {
	config  *config.Config
	client  *futures.Client
	limiter *rate.Limiter
	books   map[string]*models.OrderBook
	booksMu sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewBinanceFeed creates a feed for the configured instruments.
func NewBinanceFeed(cfg *config.Config) *BinanceFeed {
	log := logger.GetLogger()

	if cfg.Feed.Binance.UseTestnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient("", "")

	rps := cfg.Feed.Binance.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Feed.Binance.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	log.WithComponent("binance_feed").WithFields(logger.Fields{
		"instruments":         cfg.Capture.Instruments,
		"depth_limit":         cfg.Feed.Binance.DepthLimit,
		"requests_per_second": rps,
		"burst":               burst,
	}).Info("binance feed initialized")

	return &BinanceFeed{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		books:   make(map[string]*models.OrderBook),
		wg:      &sync.WaitGroup{},
		log:     log,
	}
}

// CurrentBook returns the latest polled book, nil before the first
// successful poll.
func (bf *BinanceFeed) CurrentBook(instrument string) *models.OrderBook {
	bf.booksMu.RLock()
	defer bf.booksMu.RUnlock()
	return bf.books[instrument]
}

// Start launches one polling worker per instrument.
func (bf *BinanceFeed) Start(ctx context.Context) error {
	if !bf.config.Feed.Binance.Enabled {
		return fmt.Errorf("binance feed is disabled")
	}

	bf.mu.Lock()
	if bf.running {
		bf.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	bf.running = true
	bf.ctx, bf.cancel = context.WithCancel(ctx)
	bf.mu.Unlock()

	log := bf.log.WithComponent("binance_feed").WithFields(logger.Fields{"operation": "start"})

	for _, instrument := range bf.config.Capture.Instruments {
		bf.wg.Add(1)
		go bf.pollWorker(instrument)
	}

	log.Info("binance feed started successfully")
	return nil
}

// Stop signals the workers to stop and waits for completion.
func (bf *BinanceFeed) Stop() {
	bf.mu.Lock()
	if !bf.running {
		bf.mu.Unlock()
		return
	}
	bf.running = false
	bf.mu.Unlock()

	bf.log.WithComponent("binance_feed").Info("stopping binance feed")
	bf.cancel()
	bf.wg.Wait()
	bf.log.WithComponent("binance_feed").Info("binance feed stopped")
}

func (bf *BinanceFeed) pollWorker(instrument string) {
	defer bf.wg.Done()

	log := bf.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"instrument": instrument,
		"worker":     "depth_poller",
	})
	log.Info("starting depth poll worker")

	interval := bf.config.Capture.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-bf.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			bf.pollDepth(instrument)
			if elapsed := time.Since(start); elapsed > interval {
				log.WithFields(logger.Fields{
					"duration_ms": elapsed.Milliseconds(),
				}).Warn("depth poll took longer than interval")
			}
		}
	}
}

func (bf *BinanceFeed) pollDepth(instrument string) {
	log := bf.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"instrument": instrument,
		"operation":  "poll_depth",
	})

	if err := bf.limiter.Wait(bf.ctx); err != nil {
		return
	}

	start := time.Now()
	res, err := bf.client.NewDepthService().
		Symbol(instrument).
		Limit(bf.config.Feed.Binance.DepthLimit).
		Do(bf.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth")
		return
	}
	logger.LogPerformanceEntry(log, "binance_feed", "depth_request", time.Since(start), nil)

	book := &models.OrderBook{
		Instrument:   instrument,
		Bids:         make([]models.Level, 0, len(res.Bids)),
		Asks:         make([]models.Level, 0, len(res.Asks)),
		LastUpdateID: res.LastUpdateID,
		Timestamp:    time.Now().UTC(),
	}
	for _, b := range res.Bids {
		lvl, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			log.WithError(err).Warn("skipping malformed bid level")
			continue
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, a := range res.Asks {
		lvl, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			log.WithError(err).Warn("skipping malformed ask level")
			continue
		}
		book.Asks = append(book.Asks, lvl)
	}

	bf.booksMu.Lock()
	bf.books[instrument] = book
	bf.booksMu.Unlock()
}

func parseLevel(price, quantity string) (models.Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.Level{}, fmt.Errorf("bad price '%s': %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return models.Level{}, fmt.Errorf("bad quantity '%s': %w", quantity, err)
	}
	return models.Level{Price: p, Quantity: q}, nil
}
