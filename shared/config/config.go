package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PricesConfig holds configuration for the prices service
type PricesConfig struct {
	ListenAddress string `env:"LISTEN_ADDR" envDefault:":50051"`
	OpsAddress    string `env:"OPS_ADDR" envDefault:":9090"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Binance       BinanceConfig
	LiveCoinWatch LiveCoinWatchConfig

	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MinFetchInterval time.Duration `env:"MIN_FETCH_INTERVAL" envDefault:"1s"`

	LocalCurrency     string  `env:"LOCAL_CURRENCY" envDefault:"INR"`
	LocalCurrencyRate float64 `env:"LOCAL_CURRENCY_RATE" envDefault:"84.0"`

	// Symbols always tracked, regardless of what consumers request
	DefaultSymbols []string `env:"DEFAULT_SYMBOLS" envSeparator:"," envDefault:"BTC,ETH,SOL"`
	StreamEnabled  bool     `env:"STREAM_ENABLED" envDefault:"false"`

	StatusSchedule string `env:"STATUS_SCHEDULE" envDefault:"@every 30s"`
}

// BinanceConfig configures the primary market data provider
type BinanceConfig struct {
	BaseURL        string        `env:"BINANCE_BASE_URL" envDefault:"https://api.binance.com"`
	StreamURL      string        `env:"BINANCE_STREAM_URL" envDefault:"wss://stream.binance.com:9443/stream"`
	QuoteAsset     string        `env:"BINANCE_QUOTE_ASSET" envDefault:"USDT"`
	RequestTimeout time.Duration `env:"BINANCE_REQUEST_TIMEOUT" envDefault:"10s"`
	RequestsPerSec float64       `env:"BINANCE_REQUESTS_PER_SEC" envDefault:"10"`
}

// LiveCoinWatchConfig configures the secondary, slower-cadence provider.
// The source is disabled when APIKey is empty.
type LiveCoinWatchConfig struct {
	BaseURL      string        `env:"LCW_BASE_URL" envDefault:"https://api.livecoinwatch.com"`
	APIKey       string        `env:"LCW_API_KEY"`
	PollInterval time.Duration `env:"LCW_POLL_INTERVAL" envDefault:"3m"`
}

// ClientConfig holds configuration for the client CLI
type ClientConfig struct {
	ServerAddress string
	Symbols       []string
	Duration      time.Duration
	Candles       string
	Interval      string
	Limit         int
}

// LoadPricesConfig reads an optional .env file and then the environment
func LoadPricesConfig() (*PricesConfig, error) {
	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &PricesConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the store and providers cannot run without
func (c *PricesConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MinFetchInterval < 0 {
		return fmt.Errorf("MIN_FETCH_INTERVAL must not be negative")
	}
	if c.LocalCurrencyRate <= 0 {
		return fmt.Errorf("LOCAL_CURRENCY_RATE must be positive")
	}
	if c.Binance.QuoteAsset == "" {
		return fmt.Errorf("BINANCE_QUOTE_ASSET is required")
	}
	return nil
}

// ParseClientFlags parses command line flags for the client CLI
func ParseClientFlags() *ClientConfig {
	var (
		server   = flag.String("server", "localhost:50051", "Prices service address")
		symbols  = flag.String("symbols", "BTC,ETH", "Comma-separated symbols to subscribe")
		duration = flag.Duration("duration", 30*time.Second, "How long to stream prices (0 = forever)")
		candles  = flag.String("candles", "", "Print analysed candles for this symbol and exit")
		interval = flag.String("interval", "1h", "Kline interval used with -candles")
		limit    = flag.Int("limit", 24, "Number of candles used with -candles")
	)
	flag.Parse()

	return &ClientConfig{
		ServerAddress: *server,
		Symbols:       SplitList(*symbols),
		Duration:      *duration,
		Candles:       *candles,
		Interval:      *interval,
		Limit:         *limit,
	}
}

// SplitList splits a comma-separated list, dropping blanks
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
