package models

import (
	"regexp"
	"strings"
	"time"
)

// SourceName identifies a market data source feeding a price store
type SourceName string

// Supported sources
const (
	SourceBinance       SourceName = "binance"
	SourceBinanceStream SourceName = "binance-stream"
	SourceLiveCoinWatch SourceName = "livecoinwatch"
)

// ConnectionState is a store's view of provider health
type ConnectionState int

const (
	StateIdle ConnectionState = iota // no fetch cycle has run yet
	StateConnecting
	StateLive
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	default:
		return "idle"
	}
}

// ParseConnectionState is the inverse of ConnectionState.String
func ParseConnectionState(s string) ConnectionState {
	switch s {
	case "connecting":
		return StateConnecting
	case "live":
		return StateLive
	case "degraded":
		return StateDegraded
	default:
		return StateIdle
	}
}

// Ticker is a provider snapshot of one symbol's current price
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
}

// PriceRecord is the latest known price of a symbol held by a store
type PriceRecord struct {
	Symbol           string    `json:"symbol"`
	PriceUSD         float64   `json:"price_usd"`
	PriceLocal       float64   `json:"price_local"`
	Change24hPercent float64   `json:"change_24h_percent"`
	LastUpdate       time.Time `json:"last_update"`
}

// Snapshot is a read-only copy of a store's state. Prices is never shared with
// the store, but one Snapshot value may be handed to several observers, so
// observers must not mutate it.
type Snapshot struct {
	Source      SourceName             `json:"source"`
	Prices      map[string]PriceRecord `json:"prices"`
	State       ConnectionState        `json:"state"`
	Error       string                 `json:"error,omitempty"`
	UpdateCount uint64                 `json:"update_count"`
	// Version grows with every published change; a snapshot with a lower
	// Version than one already seen is older.
	Version uint64 `json:"-"`
}

// Price returns the record for symbol, if present
func (s Snapshot) Price(symbol string) (PriceRecord, bool) {
	rec, ok := s.Prices[symbol]
	return rec, ok
}

// Observer is notified synchronously on every store state change
type Observer func(Snapshot)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

// NormalizeSymbol trims and uppercases s, reporting whether the result is a valid symbol
func NormalizeSymbol(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	return s, symbolPattern.MatchString(s)
}
