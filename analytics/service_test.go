package analytics

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"bookflow/config"
	"bookflow/models"
	"bookflow/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := NewService(st, config.AnalyticsConfig{
		MinTrades:       1000,
		MinConfidence:   0.95,
		FlowWindowMin:   10 * time.Second,
		FlowWindowMax:   300 * time.Second,
		ProfileHoursMin: 1,
		ProfileHoursMax: 168,
		TickSize:        "0.01",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st
}

func TestNewServiceRejectsBadTickSize(t *testing.T) {
	st, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if _, err := NewService(st, config.AnalyticsConfig{TickSize: "tiny"}); err == nil {
		t.Fatal("expected error for unparsable tick size")
	}
}

func TestPointMetricsEmptyStore(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.PointMetrics(context.Background(), "BTCUSDT")
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Need != 1 {
		t.Errorf("need = %d, want 1", insufficient.Need)
	}
}

func TestPointMetricsLatestSnapshot(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	snap := models.BookSnapshot{
		Bids:      []models.Level{level("100.00", "2"), level("99.50", "1")},
		Asks:      []models.Level{level("100.10", "1"), level("100.60", "3")},
		Timestamp: time.Now().Unix(),
	}
	if err := st.PutSnapshot(ctx, "BTCUSDT", snap); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	m, err := svc.PointMetrics(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("point metrics: %v", err)
	}
	if m.BestBid.String() != "100" {
		t.Errorf("best bid = %s, want 100", m.BestBid)
	}
	if !m.SpreadBps.IsPositive() {
		t.Errorf("spread must be positive, got %s", m.SpreadBps)
	}
}

func TestOrderFlowWindowBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.OrderFlow(ctx, "BTCUSDT", 5*time.Second); !errors.Is(err, ErrWindowBounds) {
		t.Errorf("window below minimum must be rejected, got %v", err)
	}
	if _, err := svc.OrderFlow(ctx, "BTCUSDT", 10*time.Minute); !errors.Is(err, ErrWindowBounds) {
		t.Errorf("window above maximum must be rejected, got %v", err)
	}
}

func TestOrderFlowFromStoredSnapshots(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	now := time.Now().Unix()
	for i := int64(0); i < 5; i++ {
		snap := models.BookSnapshot{
			// Bid depth grows each second, ask depth is static.
			Bids:      []models.Level{level("100.00", strconv.FormatInt(i+1, 10))},
			Asks:      []models.Level{level("100.10", "1")},
			Timestamp: now - 8 + i,
		}
		if err := st.PutSnapshot(ctx, "BTCUSDT", snap); err != nil {
			t.Fatalf("put snapshot: %v", err)
		}
	}

	flow, err := svc.OrderFlow(ctx, "BTCUSDT", 30*time.Second)
	if err != nil {
		t.Fatalf("order flow: %v", err)
	}
	if flow.Instrument != "BTCUSDT" {
		t.Errorf("instrument = %s", flow.Instrument)
	}
	if flow.BidFlowRate <= flow.AskFlowRate {
		t.Errorf("bid flow %f must exceed ask flow %f", flow.BidFlowRate, flow.AskFlowRate)
	}
	if flow.FlowDirection == StrongSell || flow.FlowDirection == ModerateSell {
		t.Errorf("growing bids must not read as selling, got %v", flow.FlowDirection)
	}
}

func TestVolumeProfileDurationBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.VolumeProfile(ctx, "BTCUSDT", 0); !errors.Is(err, ErrWindowBounds) {
		t.Errorf("zero-hour profile must be rejected, got %v", err)
	}
	if _, err := svc.VolumeProfile(ctx, "BTCUSDT", 200); !errors.Is(err, ErrWindowBounds) {
		t.Errorf("200h profile must be rejected, got %v", err)
	}
}

func TestServiceVolumeProfileInsufficientTrades(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	nowMs := time.Now().UnixMilli()
	trades := make([]models.Trade, 500)
	for i := range trades {
		trades[i] = trade("100.00", "1", nowMs-int64(500-i)*1000)
	}
	batch := models.TradeBatch{
		BatchID:     "batch-1",
		Instrument:  "BTCUSDT",
		Trades:      trades,
		RecordCount: len(trades),
		Timestamp:   time.Now(),
	}
	if err := st.PutTradeBatch(ctx, batch); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	_, err := svc.VolumeProfile(ctx, "BTCUSDT", 1)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Have != 500 || insufficient.Need != 1000 {
		t.Errorf("have/need = %d/%d, want 500/1000", insufficient.Have, insufficient.Need)
	}
}

func TestHealthScoreOverStoredWindow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	now := time.Now().Unix()
	for i := int64(0); i < 10; i++ {
		snap := models.BookSnapshot{
			Bids:      []models.Level{level("100.00", "5")},
			Asks:      []models.Level{level("100.10", "5")},
			Timestamp: now - 20 + i,
		}
		if err := st.PutSnapshot(ctx, "BTCUSDT", snap); err != nil {
			t.Fatalf("put snapshot: %v", err)
		}
	}

	health, err := svc.HealthScore(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("health score: %v", err)
	}
	if health.Overall <= 0 || health.Overall > 100 {
		t.Errorf("overall score out of range: %f", health.Overall)
	}
	if health.Level == "" || health.RecommendedAction == "" {
		t.Error("expected level and recommendation")
	}
}

func TestDetectAbsorptionNeedsSnapshots(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.DetectAbsorption(context.Background(), "BTCUSDT", 30*time.Second)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Need != 3 {
		t.Errorf("need = %d, want 3", insufficient.Need)
	}
}

func TestOrderWallsOnLatestSnapshot(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	snap := models.BookSnapshot{
		Bids: []models.Level{
			level("100.00", "1"), level("99.90", "1"), level("99.80", "1"),
			level("99.70", "1"), level("99.60", "50"),
		},
		Asks:      []models.Level{level("100.10", "1"), level("100.20", "1")},
		Timestamp: time.Now().Unix(),
	}
	if err := st.PutSnapshot(ctx, "BTCUSDT", snap); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	walls, err := svc.OrderWalls(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("order walls: %v", err)
	}
	if len(walls) != 1 {
		t.Fatalf("expected 1 wall, got %d", len(walls))
	}
	if walls[0].Side != "bid" {
		t.Errorf("wall side = %s, want bid", walls[0].Side)
	}
	if walls[0].Volume.String() != "50" {
		t.Errorf("wall volume = %s, want 50", walls[0].Volume)
	}
}
