package models

import "time"

// Candle represents one OHLCV bar as returned by a provider
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// ProcessedCandle is a Candle with derived per-bar analytics
type ProcessedCandle struct {
	Candle
	Momentum    float64 `json:"momentum"`
	BodySize    float64 `json:"body_size"`
	UpperShadow float64 `json:"upper_shadow"`
	LowerShadow float64 `json:"lower_shadow"`
	IsBullish   bool    `json:"is_bullish"`
}
