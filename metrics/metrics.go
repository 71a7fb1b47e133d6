package metrics

import (
	"github.com/shopspring/decimal"

	"bookflow/models"
)

var bpsFactor = decimal.NewFromInt(10000)

// OrderBookMetrics is derived from exactly one snapshot. All price
// fields keep their decimal representation through to the caller.
type OrderBookMetrics struct {
	BestBid        decimal.Decimal `json:"best_bid"`
	BestAsk        decimal.Decimal `json:"best_ask"`
	BidVolume      decimal.Decimal `json:"bid_volume"`
	AskVolume      decimal.Decimal `json:"ask_volume"`
	SpreadBps      decimal.Decimal `json:"spread_bps"`
	MidPrice       decimal.Decimal `json:"mid_price"`
	Microprice     decimal.Decimal `json:"microprice"`
	ImbalanceRatio decimal.Decimal `json:"imbalance_ratio"`
}

// Compute derives point metrics from one snapshot. It returns nil when
// either side is empty or top-of-book volume is zero.
//
// The bid/ask ordering is enforced here rather than assumed from the
// caller: the lower of the two extracted prices is always assigned to
// BestBid, whichever side it was read from.
func Compute(snap *models.BookSnapshot) *OrderBookMetrics {
	if snap == nil || len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return nil
	}

	bidPrice, bidVol := bestLevel(snap.Bids, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	askPrice, askVol := bestLevel(snap.Asks, func(a, b decimal.Decimal) bool { return a.LessThan(b) })

	// Hard invariant of the computation: best bid is the lower price.
	if bidPrice.GreaterThan(askPrice) {
		bidPrice, askPrice = askPrice, bidPrice
		bidVol, askVol = askVol, bidVol
	}

	totalVol := bidVol.Add(askVol)
	if totalVol.IsZero() || bidPrice.IsZero() {
		return nil
	}

	spreadBps := askPrice.Sub(bidPrice).Div(bidPrice).Mul(bpsFactor)
	mid := bidPrice.Add(askPrice).Div(decimal.NewFromInt(2))
	micro := bidPrice.Mul(askVol).Add(askPrice.Mul(bidVol)).Div(totalVol)

	return &OrderBookMetrics{
		BestBid:        bidPrice,
		BestAsk:        askPrice,
		BidVolume:      bidVol,
		AskVolume:      askVol,
		SpreadBps:      spreadBps,
		MidPrice:       mid,
		Microprice:     micro,
		ImbalanceRatio: bidVol.Div(totalVol),
	}
}

// bestLevel returns the price and quantity of the most competitive
// level on one side, without assuming the side is sorted.
func bestLevel(levels []models.Level, better func(a, b decimal.Decimal) bool) (decimal.Decimal, decimal.Decimal) {
	best := levels[0]
	for _, lvl := range levels[1:] {
		if better(lvl.Price, best.Price) {
			best = lvl
		}
	}
	return best.Price, best.Quantity
}
