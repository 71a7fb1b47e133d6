package analytics

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookflow/models"
)

var (
	absorptionMinRefills = 3
	absorptionMultiplier = decimal.NewFromInt(5)
	refillDepletion      = decimal.RequireFromString("0.20")
)

type refill struct {
	at  time.Time
	qty decimal.Decimal
}

// detectAbsorptionEvents finds price levels that repeatedly refill
// after being depleted, the signature of a resting order absorbing
// opposing flow. A level qualifies with at least three refills whose
// average size exceeds five times the median level size for its side.
func detectAbsorptionEvents(instrument string, snapshots []models.BookSnapshot) []AbsorptionEvent {
	if len(snapshots) < 3 {
		return nil
	}

	bidRefills := make(map[string][]refill)
	askRefills := make(map[string][]refill)

	for i := 1; i < len(snapshots); i++ {
		prev, curr := &snapshots[i-1], &snapshots[i]
		at := time.Unix(curr.Timestamp, 0).UTC()
		collectRefills(prev.Bids, curr.Bids, at, bidRefills)
		collectRefills(prev.Asks, curr.Asks, at, askRefills)
	}

	medianBid := medianDecimal(allQuantities(snapshots, func(s *models.BookSnapshot) []models.Level { return s.Bids }))
	medianAsk := medianDecimal(allQuantities(snapshots, func(s *models.BookSnapshot) []models.Level { return s.Asks }))

	var events []AbsorptionEvent
	events = append(events, absorptionsFromRefills(instrument, bidRefills, medianBid, Accumulation)...)
	events = append(events, absorptionsFromRefills(instrument, askRefills, medianAsk, Distribution)...)
	return events
}

// collectRefills records levels whose quantity dropped by more than 20%
// between consecutive snapshots. The remaining quantity at the depleted
// level is what the absorber left standing.
func collectRefills(prev, curr []models.Level, at time.Time, refills map[string][]refill) {
	prevByPrice := make(map[string]decimal.Decimal, len(prev))
	for _, lvl := range prev {
		prevByPrice[lvl.Price.String()] = lvl.Quantity
	}

	for _, lvl := range curr {
		prevQty, ok := prevByPrice[lvl.Price.String()]
		if !ok || !prevQty.GreaterThan(decimal.Zero) {
			continue
		}
		reduction := prevQty.Sub(lvl.Quantity).Div(prevQty)
		if reduction.GreaterThan(refillDepletion) {
			key := lvl.Price.String()
			refills[key] = append(refills[key], refill{at: at, qty: lvl.Quantity})
		}
	}
}

func absorptionsFromRefills(instrument string, refills map[string][]refill, median decimal.Decimal, direction Direction) []AbsorptionEvent {
	var events []AbsorptionEvent

	for priceStr, hits := range refills {
		if len(hits) < absorptionMinRefills {
			continue
		}

		total := decimal.Zero
		for _, hit := range hits {
			total = total.Add(hit.qty)
		}
		avg := total.Div(decimal.NewFromInt(int64(len(hits))))
		if !avg.GreaterThan(median.Mul(absorptionMultiplier)) {
			continue
		}

		entity := EntityWhale
		if len(hits) > 5 {
			entity = EntityMarketMaker
		}

		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}

		events = append(events, AbsorptionEvent{
			ID:              uuid.New().String(),
			Instrument:      instrument,
			FirstDetected:   hits[0].at,
			LastUpdated:     hits[len(hits)-1].at,
			PriceLevel:      price,
			AbsorbedVolume:  total,
			RefillCount:     len(hits),
			Direction:       direction,
			SuspectedEntity: entity,
		})
	}

	return events
}

func allQuantities(snapshots []models.BookSnapshot, side func(*models.BookSnapshot) []models.Level) []decimal.Decimal {
	var out []decimal.Decimal
	for i := range snapshots {
		for _, lvl := range side(&snapshots[i]) {
			out = append(out, lvl.Quantity)
		}
	}
	return out
}
