package analytics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrWindowBounds marks a requested window or duration outside the
// configured limits.
var ErrWindowBounds = errors.New("outside allowed range")

// FlowDirection is the categorical read of bid versus ask flow.
type FlowDirection string

const (
	StrongBuy    FlowDirection = "StrongBuy"
	ModerateBuy  FlowDirection = "ModerateBuy"
	Neutral      FlowDirection = "Neutral"
	ModerateSell FlowDirection = "ModerateSell"
	StrongSell   FlowDirection = "StrongSell"
)

// FlowDirectionFromRates classifies the bid/ask flow rate ratio.
// A silent ask side reads as StrongBuy and vice versa.
func FlowDirectionFromRates(bidRate, askRate float64) FlowDirection {
	if askRate == 0 {
		return StrongBuy
	}
	if bidRate == 0 {
		return StrongSell
	}

	ratio := bidRate / askRate
	switch {
	case ratio > 2.0:
		return StrongBuy
	case ratio >= 1.2:
		return ModerateBuy
	case ratio >= 0.8:
		return Neutral
	case ratio >= 0.5:
		return ModerateSell
	default:
		return StrongSell
	}
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// SeverityFromConfidence maps a confidence score onto severity bands.
func SeverityFromConfidence(confidence float64) Severity {
	switch {
	case confidence > 0.95:
		return SeverityCritical
	case confidence > 0.85:
		return SeverityHigh
	case confidence > 0.7:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ImpactLevel is the expected price movement through a liquidity vacuum.
type ImpactLevel string

const (
	FastMovement     ImpactLevel = "FastMovement"
	ModerateMovement ImpactLevel = "ModerateMovement"
	Negligible       ImpactLevel = "Negligible"
)

// ImpactFromDeficit maps a volume deficit percentage onto the expected
// movement speed through the band.
func ImpactFromDeficit(deficitPct float64) ImpactLevel {
	switch {
	case deficitPct > 80:
		return FastMovement
	case deficitPct > 20:
		return ModerateMovement
	default:
		return Negligible
	}
}

// Direction classifies which side an absorption event defends.
type Direction string

const (
	Accumulation Direction = "Accumulation"
	Distribution Direction = "Distribution"
)

// EntityType is a coarse guess at who sits behind an absorption event.
type EntityType string

const (
	EntityWhale       EntityType = "Whale"
	EntityMarketMaker EntityType = "MarketMaker"
)

// AnomalyType names the detected microstructure anomaly class.
type AnomalyType string

const (
	QuoteStuffing  AnomalyType = "QuoteStuffing"
	IcebergOrder   AnomalyType = "IcebergOrder"
	FlashCrashRisk AnomalyType = "FlashCrashRisk"
)

// InsufficientDataError reports that a window held too little history
// for the requested computation. Need says how many more records would
// satisfy it.
type InsufficientDataError struct {
	Op   string
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient historical data: have %d, need %d", e.Op, e.Have, e.Need)
}

// OrderFlowSnapshot summarises bid/ask pressure over a time window.
type OrderFlowSnapshot struct {
	Instrument      string          `json:"instrument"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	WindowSecs      float64         `json:"window_secs"`
	BidFlowRate     float64         `json:"bid_flow_rate"`
	AskFlowRate     float64         `json:"ask_flow_rate"`
	NetFlow         float64         `json:"net_flow"`
	FlowDirection   FlowDirection   `json:"flow_direction"`
	CumulativeDelta decimal.Decimal `json:"cumulative_delta"`
}

// VolumeBin is one price bucket of a volume profile.
type VolumeBin struct {
	PriceLevel decimal.Decimal `json:"price_level"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	PctOfTotal float64         `json:"percentage_of_total"`
}

// VolumeProfile is the traded-volume distribution over a period.
type VolumeProfile struct {
	Instrument     string          `json:"instrument"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	PriceRangeLow  decimal.Decimal `json:"price_range_low"`
	PriceRangeHigh decimal.Decimal `json:"price_range_high"`
	BinSize        decimal.Decimal `json:"bin_size"`
	Histogram      []VolumeBin     `json:"histogram"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	PointOfControl decimal.Decimal `json:"point_of_control"`
	ValueAreaHigh  decimal.Decimal `json:"value_area_high"`
	ValueAreaLow   decimal.Decimal `json:"value_area_low"`
}

// Anomaly is one detected microstructure anomaly.
type Anomaly struct {
	ID                  string            `json:"id"`
	Instrument          string            `json:"instrument"`
	Type                AnomalyType       `json:"type"`
	DetectedAt          time.Time         `json:"detected_at"`
	Confidence          float64           `json:"confidence"`
	Severity            Severity          `json:"severity"`
	AffectedPriceLevels []decimal.Decimal `json:"affected_price_levels"`
	Description         string            `json:"description"`
	RecommendedAction   string            `json:"recommended_action"`
}

// HealthScore is the composite microstructure health of an instrument.
type HealthScore struct {
	Instrument        string    `json:"instrument"`
	Timestamp         time.Time `json:"timestamp"`
	Overall           float64   `json:"overall_score"`
	SpreadStability   float64   `json:"spread_stability_score"`
	LiquidityDepth    float64   `json:"liquidity_depth_score"`
	FlowBalance       float64   `json:"flow_balance_score"`
	UpdateRate        float64   `json:"update_rate_score"`
	Level             string    `json:"health_level"`
	RecommendedAction string    `json:"recommended_action"`
}

// LiquidityVacuum is a thin price band prone to fast movement.
type LiquidityVacuum struct {
	ID               string          `json:"id"`
	Instrument       string          `json:"instrument"`
	PriceRangeLow    decimal.Decimal `json:"price_range_low"`
	PriceRangeHigh   decimal.Decimal `json:"price_range_high"`
	VolumeDeficitPct float64         `json:"volume_deficit_pct"`
	MedianVolume     decimal.Decimal `json:"median_volume"`
	ActualVolume     decimal.Decimal `json:"actual_volume"`
	Severity         Severity        `json:"severity"`
	ExpectedImpact   ImpactLevel     `json:"expected_impact"`
	DetectedAt       time.Time       `json:"detected_at"`
}

// AbsorptionEvent is a price level repeatedly soaking up opposing flow.
type AbsorptionEvent struct {
	ID              string          `json:"id"`
	Instrument      string          `json:"instrument"`
	FirstDetected   time.Time       `json:"first_detected"`
	LastUpdated     time.Time       `json:"last_updated"`
	PriceLevel      decimal.Decimal `json:"price_level"`
	AbsorbedVolume  decimal.Decimal `json:"absorbed_volume"`
	RefillCount     int             `json:"refill_count"`
	Direction       Direction       `json:"direction"`
	SuspectedEntity EntityType      `json:"suspected_entity"`
}

// OrderWall is a resting order far above the median size for its side.
type OrderWall struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Side   string          `json:"side"`
}

// medianDecimal returns the median of values, zero for an empty slice.
func medianDecimal(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
	}
	return sorted[mid]
}
