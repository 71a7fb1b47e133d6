package analytics

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookflow/models"
)

// detectQuoteStuffing flags an abnormally high update rate paired with
// a low fill rate. The update rate divides the update count by the
// actual timestamp span, floored at one second for degenerate windows.
func detectQuoteStuffing(instrument string, snapshots []models.BookSnapshot, fillRate float64) *Anomaly {
	if len(snapshots) < 2 {
		return nil
	}

	span := snapshotSpanSeconds(snapshots)
	updateRate := float64(len(snapshots)-1) / span

	if updateRate <= 500 || fillRate >= 0.10 {
		return nil
	}

	severity := quoteStuffingSeverity(updateRate)
	confidence := math.Min((updateRate-500)/500, 1)

	action := map[Severity]string{
		SeverityCritical: "Suspend trading immediately - likely market manipulation",
		SeverityHigh:     "Avoid placing orders - wait for normal conditions",
		SeverityMedium:   "Use limit orders only - avoid market orders",
		SeverityLow:      "Monitor closely - consider reducing position size",
	}[severity]

	return &Anomaly{
		ID:                uuid.New().String(),
		Instrument:        instrument,
		Type:              QuoteStuffing,
		DetectedAt:        time.Now().UTC(),
		Confidence:        confidence,
		Severity:          severity,
		Description:       fmt.Sprintf("update rate %.0f/s with fill rate %.2f over %.0fs", updateRate, fillRate, span),
		RecommendedAction: action,
	}
}

// Severity bands at 500/750/1000 updates per second.
func quoteStuffingSeverity(updateRate float64) Severity {
	switch {
	case updateRate > 1000:
		return SeverityCritical
	case updateRate > 750:
		return SeverityHigh
	case updateRate > 500:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// detectIceberg flags a price level whose refill count sits far outside
// the distribution implied by the median refill rate. The refill count
// must exceed five times the median, and confidence is the normal mass
// below the observed count with the spread fixed at 20% of the median.
func detectIceberg(instrument string, priceLevel decimal.Decimal, refillEvents int, medianRefillRate float64) *Anomaly {
	if medianRefillRate <= 0 {
		return nil
	}

	multiplier := float64(refillEvents) / medianRefillRate
	if multiplier <= 5 {
		return nil
	}

	sd := medianRefillRate * 0.2
	z := (float64(refillEvents) - medianRefillRate) / sd
	confidence := 0.5
	if z > 1.96 {
		// The mass below the observation: the further the refill
		// count sits above the median, the closer this gets to 1.
		confidence = normalCDF(float64(refillEvents), medianRefillRate, sd)
	}

	return &Anomaly{
		ID:                  uuid.New().String(),
		Instrument:          instrument,
		Type:                IcebergOrder,
		DetectedAt:          time.Now().UTC(),
		Confidence:          confidence,
		Severity:            SeverityFromConfidence(confidence),
		AffectedPriceLevels: []decimal.Decimal{priceLevel},
		Description:         fmt.Sprintf("refill rate %.1fx median (%d refills, z=%.2f)", multiplier, refillEvents, z),
		RecommendedAction:   "Large hidden order detected - price may act as support/resistance",
	}
}

// detectFlashCrashRisk requires three conditions together: depth loss
// above 80% against the baseline, spread widened more than tenfold, and
// a cancellation rate above 90%. Any single condition alone does not
// qualify.
func detectFlashCrashRisk(instrument string, current, baseline *models.BookSnapshot, cancellationRate float64) *Anomaly {
	baselineDepth := totalDepth(baseline)
	if !baselineDepth.GreaterThan(decimal.Zero) {
		return nil
	}

	currentDepth := totalDepth(current)
	depthLossPct, _ := baselineDepth.Sub(currentDepth).Div(baselineDepth).Mul(hundred).Float64()

	baselineSpread := bookSpread(baseline)
	currentSpread := bookSpread(current)
	spreadMultiplier := math.Inf(1)
	if baselineSpread > 0 {
		spreadMultiplier = currentSpread / baselineSpread
	}

	if depthLossPct <= 80 || spreadMultiplier <= 10 || cancellationRate <= 90 {
		return nil
	}

	confidence := math.Min((depthLossPct/80+spreadMultiplier/10+cancellationRate/90)/3, 1)

	return &Anomaly{
		ID:                uuid.New().String(),
		Instrument:        instrument,
		Type:              FlashCrashRisk,
		DetectedAt:        time.Now().UTC(),
		Confidence:        confidence,
		Severity:          SeverityCritical,
		Description:       fmt.Sprintf("depth loss %.0f%%, spread %.1fx baseline, cancellation rate %.0f%%", depthLossPct, spreadMultiplier, cancellationRate),
		RecommendedAction: "CRITICAL: Close positions and avoid trading - flash crash imminent",
	}
}

func totalDepth(snap *models.BookSnapshot) decimal.Decimal {
	return sideVolume(snap.Bids).Add(sideVolume(snap.Asks))
}

// bookSpread returns best ask minus best bid as a float, or +Inf for a
// one-sided book.
func bookSpread(snap *models.BookSnapshot) float64 {
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return math.Inf(1)
	}
	spread, _ := snap.Asks[0].Price.Sub(snap.Bids[0].Price).Float64()
	return spread
}

// normalCDF evaluates the normal distribution function at x.
func normalCDF(x, mean, sd float64) float64 {
	return 0.5 * (1 + math.Erf((x-mean)/(sd*math.Sqrt2)))
}
