package candle

import (
	"math"
	"testing"
	"time"

	"github.com/linluma/pricehub/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_Determinism(t *testing.T) {
	bar := models.Candle{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1_000_000}

	out := Process([]models.Candle{bar})
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, bar, got.Candle)
	assert.Equal(t, 5.0, got.BodySize)
	assert.Equal(t, 5.0, got.UpperShadow)
	assert.Equal(t, 5.0, got.LowerShadow)
	assert.True(t, got.IsBullish)

	want := (5.0 / 15.0) * (math.Log(1_000_001) / 20) * (5.0 / 105.0) * 100
	assert.InDelta(t, want, got.Momentum, 1e-12)
	assert.InDelta(t, 1.096, got.Momentum, 0.001)
}

func TestProcess_MomentumClamp(t *testing.T) {
	// raw score is about 341
	bar := models.Candle{Open: 1, High: 100, Low: 1, Close: 100, Volume: 1e30}

	out := Process([]models.Candle{bar})
	assert.Equal(t, MaxMomentum, out[0].Momentum)
}

func TestProcess_EdgeCases(t *testing.T) {
	t.Run("ZeroRangeBar", func(t *testing.T) {
		out := Process([]models.Candle{{Open: 50, High: 50, Low: 50, Close: 50, Volume: 10}})
		assert.Equal(t, 0.0, out[0].Momentum)
		assert.Equal(t, 0.0, out[0].BodySize)
		assert.True(t, out[0].IsBullish, "a doji counts as bullish")
	})

	t.Run("Bearish", func(t *testing.T) {
		out := Process([]models.Candle{{Open: 105, High: 110, Low: 95, Close: 100, Volume: 1}})
		assert.False(t, out[0].IsBullish)
		assert.Equal(t, 5.0, out[0].BodySize)
		assert.Equal(t, 5.0, out[0].UpperShadow)
		assert.Equal(t, 5.0, out[0].LowerShadow)
		assert.GreaterOrEqual(t, out[0].Momentum, 0.0)
	})

	t.Run("ZeroVolume", func(t *testing.T) {
		out := Process([]models.Candle{{Open: 100, High: 110, Low: 95, Close: 105, Volume: 0}})
		assert.Equal(t, 0.0, out[0].Momentum)
	})

	t.Run("NonPositivePrices", func(t *testing.T) {
		out := Process([]models.Candle{{Open: 0, High: 1, Low: -1, Close: 0, Volume: 5}})
		assert.Equal(t, 0.0, out[0].Momentum)
	})

	t.Run("NaNPropagates", func(t *testing.T) {
		out := Process([]models.Candle{{Open: 100, High: 110, Low: 95, Close: 105, Volume: math.NaN()}})
		assert.True(t, math.IsNaN(out[0].Momentum))
		assert.Equal(t, 5.0, out[0].BodySize)
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, Process(nil))
	})
}

func TestProcess_PreservesOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	bars := make([]models.Candle, 5)
	for i := range bars {
		bars[i] = models.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     float64(100 + i),
			High:     float64(110 + i),
			Low:      float64(90 + i),
			Close:    float64(102 + i),
			Volume:   float64(1000 * (i + 1)),
		}
	}

	out := Process(bars)
	require.Len(t, out, len(bars))
	for i := range bars {
		assert.Equal(t, bars[i].OpenTime, out[i].OpenTime)
		assert.LessOrEqual(t, out[i].Momentum, MaxMomentum)
	}
}
