package analytics

import (
	"math"
	"time"

	"bookflow/models"
)

// computeHealthScore combines four component scores into the composite
// 0-100 microstructure health of an instrument. The weighting is fixed:
// spread stability 25%, liquidity depth 35%, flow balance 25%, update
// rate 15%. The result is deterministic given its inputs.
func computeHealthScore(instrument string, snapshots []models.BookSnapshot, bidFlowRate, askFlowRate float64) (*HealthScore, error) {
	if len(snapshots) == 0 {
		return nil, &InsufficientDataError{Op: "health_score", Have: 0, Need: 1}
	}

	spread := spreadStabilityScore(snapshots)
	depth := liquidityDepthScore(snapshots)
	balance := flowBalanceScore(bidFlowRate, askFlowRate)
	updates := updateRateScore(snapshots)

	overall := spread*0.25 + depth*0.35 + balance*0.25 + updates*0.15
	level := healthLevel(overall)

	return &HealthScore{
		Instrument:        instrument,
		Timestamp:         time.Now().UTC(),
		Overall:           overall,
		SpreadStability:   spread,
		LiquidityDepth:    depth,
		FlowBalance:       balance,
		UpdateRate:        updates,
		Level:             level,
		RecommendedAction: healthRecommendation(level),
	}, nil
}

// spreadStabilityScore rewards a low coefficient of variation of the
// spread over the window: CV below 5% scores near 100, above 50% scores
// zero.
func spreadStabilityScore(snapshots []models.BookSnapshot) float64 {
	if len(snapshots) < 2 {
		return 50
	}

	var spreads []float64
	for i := range snapshots {
		s := bookSpread(&snapshots[i])
		if !math.IsInf(s, 1) {
			spreads = append(spreads, s)
		}
	}
	if len(spreads) == 0 {
		return 0
	}

	mean := 0.0
	for _, s := range spreads {
		mean += s
	}
	mean /= float64(len(spreads))

	variance := 0.0
	for _, s := range spreads {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(spreads))

	cv := 100.0
	if mean > 0 {
		cv = math.Sqrt(variance) / mean * 100
	}

	return math.Max(100-math.Min(cv, 50)*2, 0)
}

// liquidityDepthScore compares the latest total depth to the window
// average: at the average it scores 50, at double the average 100.
func liquidityDepthScore(snapshots []models.BookSnapshot) float64 {
	latest, _ := totalDepth(&snapshots[len(snapshots)-1]).Float64()

	sum := 0.0
	for i := range snapshots {
		d, _ := totalDepth(&snapshots[i]).Float64()
		sum += d
	}
	avg := sum / float64(len(snapshots))
	if avg == 0 {
		return 0
	}

	return math.Max(math.Min(latest/avg*50, 100), 0)
}

// flowBalanceScore rewards symmetric bid/ask flow: a 50/50 split scores
// 100, a completely one-sided flow scores 0.
func flowBalanceScore(bidFlowRate, askFlowRate float64) float64 {
	total := bidFlowRate + askFlowRate
	if total == 0 {
		return 50
	}

	imbalance := math.Abs(bidFlowRate/total-0.5) * 2
	return math.Max((1-imbalance)*100, 0)
}

// updateRateScore treats 10-100 updates over the window as healthy:
// fewer reads as stale, more as churn, tapering to zero at 500.
func updateRateScore(snapshots []models.BookSnapshot) float64 {
	if len(snapshots) < 2 {
		return 50
	}

	rate := float64(len(snapshots))
	switch {
	case rate < 10:
		return rate / 10 * 100
	case rate <= 100:
		return 100
	case rate <= 500:
		return 100 - (rate-100)/400*100
	default:
		return 0
	}
}

func healthLevel(score float64) string {
	switch {
	case score >= 80:
		return "Excellent"
	case score >= 60:
		return "Good"
	case score >= 40:
		return "Fair"
	case score >= 20:
		return "Poor"
	default:
		return "Critical"
	}
}

func healthRecommendation(level string) string {
	switch level {
	case "Excellent":
		return "Market conditions optimal - safe to execute large orders"
	case "Good":
		return "Market conditions healthy - normal trading recommended"
	case "Fair":
		return "Market conditions acceptable - use limit orders and monitor closely"
	case "Poor":
		return "Market conditions degraded - reduce position sizes and avoid market orders"
	default:
		return "Market conditions unhealthy - avoid trading until conditions improve"
	}
}
