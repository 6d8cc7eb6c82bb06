package candle

import (
	"math"

	"github.com/linluma/pricehub/shared/models"
)

// MaxMomentum caps the momentum score
const MaxMomentum = 100.0

// Process derives per-bar analytics. Output order and length match the input.
//
// Momentum is a custom intensity score, not a standard indicator:
//
//	ratio    = body / (high - low)          (0 for a zero-range bar)
//	weight   = ln(volume + 1) / 20
//	impact   = body / max(open, close)      (0 when that max is not positive)
//	momentum = min(ratio * weight * impact * 100, 100)
//
// Non-numeric inputs (NaN) propagate into the derived fields instead of failing.
func Process(bars []models.Candle) []models.ProcessedCandle {
	out := make([]models.ProcessedCandle, len(bars))
	for i, bar := range bars {
		out[i] = processBar(bar)
	}
	return out
}

func processBar(bar models.Candle) models.ProcessedCandle {
	top := math.Max(bar.Open, bar.Close)
	bottom := math.Min(bar.Open, bar.Close)

	bodySize := math.Abs(bar.Close - bar.Open)
	totalRange := bar.High - bar.Low

	return models.ProcessedCandle{
		Candle:      bar,
		BodySize:    bodySize,
		UpperShadow: bar.High - top,
		LowerShadow: bottom - bar.Low,
		IsBullish:   bar.Close >= bar.Open,
		Momentum:    momentum(bodySize, totalRange, top, bar.Volume),
	}
}

func momentum(bodySize, totalRange, top, volume float64) float64 {
	ratio := 0.0
	if totalRange > 0 {
		ratio = bodySize / totalRange
	}

	weight := math.Log(volume+1) / 20

	impact := 0.0
	if top > 0 {
		impact = bodySize / top
	}

	// math.Min keeps NaN
	return math.Min(ratio*weight*impact*100, MaxMomentum)
}
