package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/metrics"
	"bookflow/models"
	"bookflow/store"
)

// Service exposes on-demand analytics over the snapshot store. Every
// method is a stateless read: it queries a window of history, runs a
// pure transform, and returns the result or an InsufficientDataError.
// Methods are safe for concurrent use.
type Service struct {
	store *store.Store
	log   *logger.Entry

	minTrades       int
	minConfidence   float64
	flowWindowMin   time.Duration
	flowWindowMax   time.Duration
	profileHoursMin int
	profileHoursMax int
	tickSize        decimal.Decimal
}

// NewService builds a Service with the configured thresholds.
func NewService(st *store.Store, cfg config.AnalyticsConfig) (*Service, error) {
	tick, err := decimal.NewFromString(cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("invalid tick size '%s': %w", cfg.TickSize, err)
	}

	return &Service{
		store:           st,
		log:             logger.GetLogger().WithComponent("analytics"),
		minTrades:       cfg.MinTrades,
		minConfidence:   cfg.MinConfidence,
		flowWindowMin:   cfg.FlowWindowMin,
		flowWindowMax:   cfg.FlowWindowMax,
		profileHoursMin: cfg.ProfileHoursMin,
		profileHoursMax: cfg.ProfileHoursMax,
		tickSize:        tick,
	}, nil
}

// PointMetrics derives point metrics from the most recent snapshot.
func (s *Service) PointMetrics(ctx context.Context, instrument string) (*metrics.OrderBookMetrics, error) {
	snap, err := s.store.LatestSnapshot(ctx, instrument)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &InsufficientDataError{Op: "point_metrics", Have: 0, Need: 1}
	}

	m := metrics.Compute(snap)
	if m == nil {
		return nil, &InsufficientDataError{Op: "point_metrics", Have: 0, Need: 1}
	}
	return m, nil
}

// OrderFlow computes flow metrics over the trailing window.
func (s *Service) OrderFlow(ctx context.Context, instrument string, window time.Duration) (*OrderFlowSnapshot, error) {
	if window < s.flowWindowMin || window > s.flowWindowMax {
		return nil, fmt.Errorf("flow window %s %w %s..%s", window, ErrWindowBounds, s.flowWindowMin, s.flowWindowMax)
	}

	snapshots, err := s.windowSnapshots(ctx, instrument, window)
	if err != nil {
		return nil, err
	}
	return orderFlowFromSnapshots(instrument, snapshots)
}

// VolumeProfile buckets the trailing durationHours hours of trades into
// a price histogram with POC and value area bounds.
func (s *Service) VolumeProfile(ctx context.Context, instrument string, durationHours int) (*VolumeProfile, error) {
	if durationHours < s.profileHoursMin || durationHours > s.profileHoursMax {
		return nil, fmt.Errorf("profile duration %dh %w %dh..%dh", durationHours, ErrWindowBounds, s.profileHoursMin, s.profileHoursMax)
	}

	end := time.Now()
	start := end.Add(-time.Duration(durationHours) * time.Hour)
	trades, err := s.store.QueryTrades(ctx, instrument, start, end)
	if err != nil {
		return nil, err
	}
	return buildVolumeProfile(instrument, trades, start, end, s.tickSize, s.minTrades)
}

// LiquidityVacuums scans the volume profile for thin price bands.
func (s *Service) LiquidityVacuums(ctx context.Context, instrument string, durationHours int) ([]LiquidityVacuum, error) {
	profile, err := s.VolumeProfile(ctx, instrument, durationHours)
	if err != nil {
		return nil, err
	}
	return vacuumsFromProfile(instrument, profile), nil
}

// DetectAnomalies runs every anomaly detector over the trailing window
// and returns only candidates at or above the configured confidence
// threshold. Suppressed candidates are dropped entirely.
func (s *Service) DetectAnomalies(ctx context.Context, instrument string, window time.Duration) ([]Anomaly, error) {
	snapshots, err := s.windowSnapshots(ctx, instrument, window)
	if err != nil {
		return nil, err
	}
	if len(snapshots) < 2 {
		return nil, &InsufficientDataError{Op: "detect_anomalies", Have: len(snapshots), Need: 2}
	}

	end := time.Now()
	trades, err := s.store.QueryTrades(ctx, instrument, end.Add(-window), end)
	if err != nil {
		return nil, err
	}

	candidates := s.anomalyCandidates(instrument, snapshots, trades)
	kept := filterByConfidence(candidates, s.minConfidence)

	s.log.WithFields(logger.Fields{
		"instrument": instrument,
		"candidates": len(candidates),
		"reported":   len(kept),
	}).Debug("anomaly detection pass")

	return kept, nil
}

// filterByConfidence drops every candidate below the threshold. The
// dropped candidates are not reported or logged as anomalies anywhere.
func filterByConfidence(candidates []Anomaly, min float64) []Anomaly {
	kept := make([]Anomaly, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Confidence >= min {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// anomalyCandidates runs the detectors without confidence filtering.
func (s *Service) anomalyCandidates(instrument string, snapshots []models.BookSnapshot, trades []models.Trade) []Anomaly {
	var candidates []Anomaly

	updateCount := countAllUpdates(snapshots)
	fillRate := estimateFillRate(len(trades), updateCount)
	if anomaly := detectQuoteStuffing(instrument, snapshots, fillRate); anomaly != nil {
		candidates = append(candidates, *anomaly)
	}

	candidates = append(candidates, s.icebergCandidates(instrument, snapshots)...)

	baseline := &snapshots[0]
	current := &snapshots[len(snapshots)-1]
	cancellationRate := estimateCancellationRate(snapshots)
	if anomaly := detectFlashCrashRisk(instrument, current, baseline, cancellationRate); anomaly != nil {
		candidates = append(candidates, *anomaly)
	}

	return candidates
}

// icebergCandidates derives per-level refill counts from the window and
// tests each level against the median refill rate.
func (s *Service) icebergCandidates(instrument string, snapshots []models.BookSnapshot) []Anomaly {
	refills := make(map[string][]refill)
	for i := 1; i < len(snapshots); i++ {
		prev, curr := &snapshots[i-1], &snapshots[i]
		at := time.Unix(curr.Timestamp, 0).UTC()
		collectRefills(prev.Bids, curr.Bids, at, refills)
		collectRefills(prev.Asks, curr.Asks, at, refills)
	}
	if len(refills) == 0 {
		return nil
	}

	counts := make([]decimal.Decimal, 0, len(refills))
	for _, hits := range refills {
		counts = append(counts, decimal.NewFromInt(int64(len(hits))))
	}
	median, _ := medianDecimal(counts).Float64()

	var candidates []Anomaly
	for priceStr, hits := range refills {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		if anomaly := detectIceberg(instrument, price, len(hits), median); anomaly != nil {
			candidates = append(candidates, *anomaly)
		}
	}
	return candidates
}

// HealthScore computes the composite health over the last minute of
// snapshots, feeding it the flow rates observed in the same window.
func (s *Service) HealthScore(ctx context.Context, instrument string) (*HealthScore, error) {
	snapshots, err := s.windowSnapshots(ctx, instrument, time.Minute)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, &InsufficientDataError{Op: "health_score", Have: 0, Need: 1}
	}

	bidRate, askRate := 0.0, 0.0
	if len(snapshots) >= 2 {
		bidCount, askCount := countSideUpdates(snapshots)
		span := snapshotSpanSeconds(snapshots)
		bidRate = float64(bidCount) / span
		askRate = float64(askCount) / span
	}

	return computeHealthScore(instrument, snapshots, bidRate, askRate)
}

// DetectAbsorption finds absorption events in the trailing window.
func (s *Service) DetectAbsorption(ctx context.Context, instrument string, window time.Duration) ([]AbsorptionEvent, error) {
	snapshots, err := s.windowSnapshots(ctx, instrument, window)
	if err != nil {
		return nil, err
	}
	if len(snapshots) < 3 {
		return nil, &InsufficientDataError{Op: "detect_absorption", Have: len(snapshots), Need: 3}
	}
	return detectAbsorptionEvents(instrument, snapshots), nil
}

// OrderWalls flags outsized resting orders in the latest snapshot.
func (s *Service) OrderWalls(ctx context.Context, instrument string) ([]OrderWall, error) {
	snap, err := s.store.LatestSnapshot(ctx, instrument)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &InsufficientDataError{Op: "order_walls", Have: 0, Need: 1}
	}
	return identifyOrderWalls(snap), nil
}

func (s *Service) windowSnapshots(ctx context.Context, instrument string, window time.Duration) ([]models.BookSnapshot, error) {
	end := time.Now().Unix()
	start := end - int64(window/time.Second)
	return s.store.QuerySnapshots(ctx, instrument, start, end)
}

// countAllUpdates counts level changes on both sides across the window.
func countAllUpdates(snapshots []models.BookSnapshot) int {
	bid, ask := countSideUpdates(snapshots)
	return bid + ask
}

// estimateFillRate approximates the share of book updates that resulted
// in trades during the window.
func estimateFillRate(tradeCount, updateCount int) float64 {
	if updateCount == 0 {
		return 1
	}
	rate := float64(tradeCount) / float64(updateCount)
	if rate > 1 {
		return 1
	}
	return rate
}

// estimateCancellationRate approximates, as a percentage, the share of
// level changes that reduced depth rather than adding to it.
func estimateCancellationRate(snapshots []models.BookSnapshot) float64 {
	increases, decreases := 0, 0
	for i := 1; i < len(snapshots); i++ {
		prev, curr := &snapshots[i-1], &snapshots[i]
		inc, dec := countChanges(prev.Bids, curr.Bids)
		increases += inc
		decreases += dec
		inc, dec = countChanges(prev.Asks, curr.Asks)
		increases += inc
		decreases += dec
	}

	total := increases + decreases
	if total == 0 {
		return 0
	}
	return float64(decreases) / float64(total) * 100
}

func countChanges(prev, curr []models.Level) (increases, decreases int) {
	prevByPrice := make(map[string]decimal.Decimal, len(prev))
	for _, lvl := range prev {
		prevByPrice[lvl.Price.String()] = lvl.Quantity
	}

	for _, lvl := range curr {
		prevQty := prevByPrice[lvl.Price.String()]
		switch {
		case lvl.Quantity.GreaterThan(prevQty):
			increases++
		case lvl.Quantity.LessThan(prevQty):
			decreases++
		}
	}
	return increases, decreases
}
