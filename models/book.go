package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is a single price level on one side of the book. Prices and
// quantities stay decimal end to end; they are never round-tripped
// through binary floating point.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is the typed live book produced by the feed collaborator.
// Bids and asks are ordered nearest-to-mid first.
type OrderBook struct {
	Instrument   string    `json:"instrument"`
	Bids         []Level   `json:"bids"`
	Asks         []Level   `json:"asks"`
	LastUpdateID int64     `json:"last_update_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Empty reports whether the book has no resting orders on either side.
func (b *OrderBook) Empty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}

// Trade is a single aggregated trade from the feed collaborator.
// Timestamp is unix milliseconds as delivered by the venue.
type Trade struct {
	Instrument   string          `json:"instrument"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TradeID      int64           `json:"trade_id"`
	Timestamp    int64           `json:"timestamp"`
	BuyerIsMaker bool            `json:"buyer_is_maker"`
}

// TradeBatch groups trades for one instrument between two flushes.
type TradeBatch struct {
	BatchID     string    `json:"batch_id"`
	Instrument  string    `json:"instrument"`
	Trades      []Trade   `json:"trades"`
	RecordCount int       `json:"record_count"`
	Timestamp   time.Time `json:"timestamp"`
}
