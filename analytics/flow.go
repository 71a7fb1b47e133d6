package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

// orderFlowFromSnapshots derives flow metrics from a chronological
// snapshot window. It requires at least two snapshots.
//
// Rates divide by the actual timestamp span of the supplied snapshots,
// not the requested window length. When every snapshot shares one
// timestamp the span is floored at one second so a burst of updates
// still reads as a high rate instead of dividing by zero.
func orderFlowFromSnapshots(instrument string, snapshots []models.BookSnapshot) (*OrderFlowSnapshot, error) {
	if len(snapshots) < 2 {
		return nil, &InsufficientDataError{Op: "order_flow", Have: len(snapshots), Need: 2}
	}

	bidCount, askCount := countSideUpdates(snapshots)
	span := snapshotSpanSeconds(snapshots)

	bidRate := float64(bidCount) / span
	askRate := float64(askCount) / span

	return &OrderFlowSnapshot{
		Instrument:      instrument,
		WindowStart:     time.Unix(snapshots[0].Timestamp, 0).UTC(),
		WindowEnd:       time.Unix(snapshots[len(snapshots)-1].Timestamp, 0).UTC(),
		WindowSecs:      span,
		BidFlowRate:     bidRate,
		AskFlowRate:     askRate,
		NetFlow:         bidRate - askRate,
		FlowDirection:   FlowDirectionFromRates(bidRate, askRate),
		CumulativeDelta: cumulativeDelta(snapshots),
	}, nil
}

// snapshotSpanSeconds is the elapsed time covered by the window,
// floored at one second.
func snapshotSpanSeconds(snapshots []models.BookSnapshot) float64 {
	span := float64(snapshots[len(snapshots)-1].Timestamp - snapshots[0].Timestamp)
	if span < 1 {
		return 1
	}
	return span
}

// countSideUpdates counts per-level depth increases between consecutive
// snapshots. A level whose quantity grew (or newly appeared) counts as
// one order addition on its side.
func countSideUpdates(snapshots []models.BookSnapshot) (bidCount, askCount int) {
	for i := 1; i < len(snapshots); i++ {
		prev, curr := &snapshots[i-1], &snapshots[i]
		bidCount += countIncreases(prev.Bids, curr.Bids)
		askCount += countIncreases(prev.Asks, curr.Asks)
	}
	return bidCount, askCount
}

func countIncreases(prev, curr []models.Level) int {
	prevByPrice := make(map[string]decimal.Decimal, len(prev))
	for _, lvl := range prev {
		prevByPrice[lvl.Price.String()] = lvl.Quantity
	}

	count := 0
	for _, lvl := range curr {
		if lvl.Quantity.GreaterThan(prevByPrice[lvl.Price.String()]) {
			count++
		}
	}
	return count
}

// cumulativeDelta sums the net absolute depth change, bid side minus
// ask side, across consecutive snapshot pairs. Positive values indicate
// accumulation, negative distribution.
func cumulativeDelta(snapshots []models.BookSnapshot) decimal.Decimal {
	delta := decimal.Zero
	for i := 1; i < len(snapshots); i++ {
		prev, curr := &snapshots[i-1], &snapshots[i]
		bidDelta := sideVolume(curr.Bids).Sub(sideVolume(prev.Bids))
		askDelta := sideVolume(curr.Asks).Sub(sideVolume(prev.Asks))
		delta = delta.Add(bidDelta.Abs()).Sub(askDelta.Abs())
	}
	return delta
}

func sideVolume(levels []models.Level) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Quantity)
	}
	return total
}
