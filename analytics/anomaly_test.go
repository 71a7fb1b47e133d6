package analytics

import (
	"testing"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

func TestQuoteStuffingSeverityBands(t *testing.T) {
	cases := []struct {
		rate float64
		want Severity
	}{
		{1100, SeverityCritical},
		{850, SeverityHigh},
		{600, SeverityMedium},
		{400, SeverityLow},
	}
	for _, c := range cases {
		if got := quoteStuffingSeverity(c.rate); got != c.want {
			t.Errorf("quoteStuffingSeverity(%v) = %v, want %v", c.rate, got, c.want)
		}
	}
}

func TestQuoteStuffingDegenerateWindow(t *testing.T) {
	// 600 snapshots sharing one timestamp: the span floors at 1 second
	// so the update rate reads 599/s, above the detection threshold.
	snapshots := make([]models.BookSnapshot, 600)
	for i := range snapshots {
		snapshots[i] = models.BookSnapshot{
			Bids:      []models.Level{level("100", "1")},
			Asks:      []models.Level{level("101", "1")},
			Timestamp: 1735689600,
		}
	}

	anomaly := detectQuoteStuffing("BTCUSDT", snapshots, 0.05)
	if anomaly == nil {
		t.Fatal("expected quote stuffing candidate")
	}
	if anomaly.Type != QuoteStuffing {
		t.Errorf("unexpected type: %v", anomaly.Type)
	}
	if anomaly.Severity != SeverityMedium {
		t.Errorf("599/s sits in the 500-750 band, got %v", anomaly.Severity)
	}
	if anomaly.Confidence <= 0 || anomaly.Confidence > 1 {
		t.Errorf("confidence out of range: %f", anomaly.Confidence)
	}
}

func TestQuoteStuffingRequiresLowFillRate(t *testing.T) {
	snapshots := make([]models.BookSnapshot, 600)
	for i := range snapshots {
		snapshots[i] = models.BookSnapshot{Timestamp: 1735689600}
	}

	// Same update burst but healthy fills: not stuffing.
	if anomaly := detectQuoteStuffing("BTCUSDT", snapshots, 0.50); anomaly != nil {
		t.Errorf("high fill rate must not register as stuffing: %+v", anomaly)
	}

	// Below the rate threshold: not stuffing regardless of fills.
	if anomaly := detectQuoteStuffing("BTCUSDT", snapshots[:100], 0.01); anomaly != nil {
		t.Errorf("99/s must not register as stuffing: %+v", anomaly)
	}
}

func TestIcebergDetection(t *testing.T) {
	price := decimal.RequireFromString("111300")

	// 12 refills against a median of 2: multiplier 6, z = 25.
	anomaly := detectIceberg("BTCUSDT", price, 12, 2)
	if anomaly == nil {
		t.Fatal("expected iceberg candidate")
	}
	if anomaly.Type != IcebergOrder {
		t.Errorf("unexpected type: %v", anomaly.Type)
	}
	if len(anomaly.AffectedPriceLevels) != 1 || !anomaly.AffectedPriceLevels[0].Equal(price) {
		t.Errorf("unexpected affected levels: %v", anomaly.AffectedPriceLevels)
	}
	if anomaly.Confidence < 0.95 {
		t.Errorf("far outlier should carry high confidence, got %f", anomaly.Confidence)
	}

	// Multiplier at exactly 5x does not qualify.
	if a := detectIceberg("BTCUSDT", price, 10, 2); a != nil {
		t.Errorf("5x median must not register: %+v", a)
	}
	// Degenerate median.
	if a := detectIceberg("BTCUSDT", price, 10, 0); a != nil {
		t.Errorf("zero median must not register: %+v", a)
	}
}

func flashBaseline() *models.BookSnapshot {
	return &models.BookSnapshot{
		Bids: []models.Level{level("100.00", "50"), level("99.99", "50")},
		Asks: []models.Level{level("100.01", "50"), level("100.02", "50")},
	}
}

func TestFlashCrashRequiresAllThreeConditions(t *testing.T) {
	baseline := flashBaseline()
	drained := &models.BookSnapshot{
		Bids: []models.Level{level("99.00", "2")},
		Asks: []models.Level{level("101.00", "2")},
	}

	// All three conditions hold: depth loss 98%, spread 200x, 95% cancels.
	anomaly := detectFlashCrashRisk("BTCUSDT", drained, baseline, 95)
	if anomaly == nil {
		t.Fatal("expected flash crash candidate")
	}
	if anomaly.Severity != SeverityCritical {
		t.Errorf("flash crash risk is always Critical, got %v", anomaly.Severity)
	}
	if anomaly.Confidence > 1 {
		t.Errorf("confidence must clamp at 1, got %f", anomaly.Confidence)
	}

	// Cancellation rate below 90%: no anomaly despite drain and spread.
	if a := detectFlashCrashRisk("BTCUSDT", drained, baseline, 50); a != nil {
		t.Errorf("two conditions alone must not qualify: %+v", a)
	}

	// Depth intact: no anomaly despite wide spread and cancellations.
	wideOnly := &models.BookSnapshot{
		Bids: []models.Level{level("99.00", "100"), level("98.99", "100")},
		Asks: []models.Level{level("101.00", "100"), level("101.01", "100")},
	}
	if a := detectFlashCrashRisk("BTCUSDT", wideOnly, baseline, 95); a != nil {
		t.Errorf("intact depth must not qualify: %+v", a)
	}
}

func TestFilterByConfidenceSuppression(t *testing.T) {
	candidates := []Anomaly{
		{ID: "low", Type: QuoteStuffing, Confidence: 0.90},
		{ID: "high", Type: IcebergOrder, Confidence: 0.96},
	}

	kept := filterByConfidence(candidates, 0.95)
	if len(kept) != 1 {
		t.Fatalf("expected 1 surviving anomaly, got %d", len(kept))
	}
	if kept[0].ID != "high" {
		t.Errorf("0.90 confidence candidate must be suppressed, kept %s", kept[0].ID)
	}
}
