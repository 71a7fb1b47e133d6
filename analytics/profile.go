package analytics

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookflow/models"
)

var (
	two        = decimal.NewFromInt(2)
	ten        = decimal.NewFromInt(10)
	hundred    = decimal.NewFromInt(100)
	valueArea  = decimal.RequireFromString("0.70")
	wallFactor = ten
)

// buildVolumeProfile buckets trades into adaptive price bins and
// derives POC and value area bounds. minTrades is the configured floor
// below which the window is declared insufficient.
func buildVolumeProfile(instrument string, trades []models.Trade, start, end time.Time, tickSize decimal.Decimal, minTrades int) (*VolumeProfile, error) {
	if len(trades) < minTrades {
		return nil, &InsufficientDataError{Op: "volume_profile", Have: len(trades), Need: minTrades}
	}

	priceMin, priceMax := priceRange(trades)
	binSize := adaptiveBinSize(priceMin, priceMax, tickSize)
	bins := binTrades(trades, priceMin, binSize)

	totalVolume := decimal.Zero
	for _, bin := range bins {
		totalVolume = totalVolume.Add(bin.Volume)
	}
	if totalVolume.GreaterThan(decimal.Zero) {
		for i := range bins {
			pct, _ := bins[i].Volume.Div(totalVolume).Mul(hundred).Float64()
			bins[i].PctOfTotal = pct
		}
	}

	poc, vah, val := pocValueArea(bins, totalVolume)

	return &VolumeProfile{
		Instrument:     instrument,
		PeriodStart:    start,
		PeriodEnd:      end,
		PriceRangeLow:  priceMin,
		PriceRangeHigh: priceMax,
		BinSize:        binSize,
		Histogram:      bins,
		TotalVolume:    totalVolume,
		PointOfControl: poc,
		ValueAreaHigh:  vah,
		ValueAreaLow:   val,
	}, nil
}

func priceRange(trades []models.Trade) (decimal.Decimal, decimal.Decimal) {
	low, high := trades[0].Price, trades[0].Price
	for _, trade := range trades[1:] {
		if trade.Price.LessThan(low) {
			low = trade.Price
		}
		if trade.Price.GreaterThan(high) {
			high = trade.Price
		}
	}
	return low, high
}

// adaptiveBinSize picks the bin width: max(tick_size x 10, range / 100).
func adaptiveBinSize(priceMin, priceMax, tickSize decimal.Decimal) decimal.Decimal {
	rangeBased := priceMax.Sub(priceMin).Div(hundred)
	tickBased := tickSize.Mul(ten)
	if rangeBased.GreaterThan(tickBased) {
		return rangeBased
	}
	return tickBased
}

// binTrades groups trades into bins addressed by their center price,
// returned strictly ascending by price.
func binTrades(trades []models.Trade, priceMin, binSize decimal.Decimal) []VolumeBin {
	byCenter := make(map[string]*VolumeBin)

	for _, trade := range trades {
		idx := trade.Price.Sub(priceMin).Div(binSize).Floor()
		center := priceMin.Add(idx.Mul(binSize)).Add(binSize.Div(two))

		key := center.String()
		bin, ok := byCenter[key]
		if !ok {
			bin = &VolumeBin{PriceLevel: center}
			byCenter[key] = bin
		}
		bin.Volume = bin.Volume.Add(trade.Quantity)
		bin.TradeCount++
	}

	bins := make([]VolumeBin, 0, len(byCenter))
	for _, bin := range byCenter {
		bins = append(bins, *bin)
	}
	sort.Slice(bins, func(i, j int) bool {
		return bins[i].PriceLevel.LessThan(bins[j].PriceLevel)
	})
	return bins
}

// pocValueArea finds the max-volume bin and grows a contiguous window
// around it, always taking the larger neighbor, until it holds 70% of
// total volume.
func pocValueArea(bins []VolumeBin, totalVolume decimal.Decimal) (poc, vah, val decimal.Decimal) {
	if len(bins) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}

	pocIdx := 0
	for i, bin := range bins {
		if bin.Volume.GreaterThan(bins[pocIdx].Volume) {
			pocIdx = i
		}
	}
	poc = bins[pocIdx].PriceLevel

	target := totalVolume.Mul(valueArea)
	accumulated := bins[pocIdx].Volume
	lowIdx, highIdx := pocIdx, pocIdx

	for accumulated.LessThan(target) && (lowIdx > 0 || highIdx < len(bins)-1) {
		below := decimal.Zero
		if lowIdx > 0 {
			below = bins[lowIdx-1].Volume
		}
		above := decimal.Zero
		if highIdx < len(bins)-1 {
			above = bins[highIdx+1].Volume
		}

		if below.GreaterThan(above) && lowIdx > 0 {
			lowIdx--
			accumulated = accumulated.Add(bins[lowIdx].Volume)
		} else if highIdx < len(bins)-1 {
			highIdx++
			accumulated = accumulated.Add(bins[highIdx].Volume)
		} else {
			break
		}
	}

	return poc, bins[highIdx].PriceLevel, bins[lowIdx].PriceLevel
}

// vacuumsFromProfile scans the histogram for contiguous bands whose
// volume sits more than 20% below the median bin volume. Severity bands
// on the deficit: Medium 20-50%, High 50-80%, Critical above 80%.
func vacuumsFromProfile(instrument string, profile *VolumeProfile) []LiquidityVacuum {
	bins := profile.Histogram
	if len(bins) == 0 {
		return nil
	}

	volumes := make([]decimal.Decimal, len(bins))
	for i, bin := range bins {
		volumes[i] = bin.Volume
	}
	median := medianDecimal(volumes)
	if !median.GreaterThan(decimal.Zero) {
		return nil
	}

	// A bin belongs to a vacuum when its deficit against the median
	// exceeds 20%, i.e. volume below 80% of median.
	threshold := median.Mul(decimal.RequireFromString("0.80"))

	var vacuums []LiquidityVacuum
	start := -1

	flush := func(endIdx int) {
		if start < 0 {
			return
		}
		bandVolume := decimal.Zero
		for i := start; i <= endIdx; i++ {
			bandVolume = bandVolume.Add(bins[i].Volume)
		}
		actual := bandVolume.Div(decimal.NewFromInt(int64(endIdx - start + 1)))
		deficit, _ := median.Sub(actual).Div(median).Mul(hundred).Float64()

		severity := SeverityMedium
		switch {
		case deficit > 80:
			severity = SeverityCritical
		case deficit > 50:
			severity = SeverityHigh
		}

		impact := ModerateMovement
		if deficit > 80 {
			impact = FastMovement
		}

		vacuums = append(vacuums, LiquidityVacuum{
			ID:               uuid.New().String(),
			Instrument:       instrument,
			PriceRangeLow:    bins[start].PriceLevel,
			PriceRangeHigh:   bins[endIdx].PriceLevel,
			VolumeDeficitPct: deficit,
			MedianVolume:     median,
			ActualVolume:     actual,
			Severity:         severity,
			ExpectedImpact:   impact,
			DetectedAt:       time.Now().UTC(),
		})
		start = -1
	}

	for i, bin := range bins {
		if bin.Volume.LessThan(threshold) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i - 1)
	}
	flush(len(bins) - 1)

	return vacuums
}

// identifyOrderWalls flags resting orders larger than ten times the
// median size for their side of the book.
func identifyOrderWalls(snap *models.BookSnapshot) []OrderWall {
	var walls []OrderWall
	walls = append(walls, sideWalls(snap.Bids, "bid")...)
	walls = append(walls, sideWalls(snap.Asks, "ask")...)
	return walls
}

func sideWalls(levels []models.Level, side string) []OrderWall {
	if len(levels) == 0 {
		return nil
	}

	volumes := make([]decimal.Decimal, len(levels))
	for i, lvl := range levels {
		volumes[i] = lvl.Quantity
	}
	threshold := medianDecimal(volumes).Mul(wallFactor)

	var walls []OrderWall
	for _, lvl := range levels {
		if lvl.Quantity.GreaterThan(threshold) {
			walls = append(walls, OrderWall{Price: lvl.Price, Volume: lvl.Quantity, Side: side})
		}
	}
	return walls
}
