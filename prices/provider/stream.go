package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/linluma/pricehub/shared/models"
)

// MiniTickerEvent is a Binance 24hr rolling mini ticker
type MiniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

var errStreamClosed = errors.New("ticker stream closed")

// TickerStream pushes ticker updates from the Binance combined miniTicker stream.
// It reconnects with exponential backoff when the socket drops.
type TickerStream struct {
	url        string
	conn       *websocket.Conn
	connected  bool
	closed     bool
	symbols    *symbolCache
	eventsCh   chan models.Ticker
	mutex      sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	logger     *slog.Logger

	// Retry logic components
	retryConfig    RetryConfig
	healthStatus   ConnectionHealth
	recentFailures []time.Time

	// Allow test override of connect function
	connectFunc func([]string) error
}

// NewTickerStream creates a stream connector for a combined stream base URL.
// Cancelling ctx aborts dials and backoff waits the same way Disconnect does.
func NewTickerStream(ctx context.Context, url, quoteAsset string, logger *slog.Logger) *TickerStream {
	ctx, cancel := context.WithCancel(ctx)
	return &TickerStream{
		url:            url,
		symbols:        newSymbolCache(quoteAsset),
		eventsCh:       make(chan models.Ticker, 1000),
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.With("provider", models.SourceBinanceStream),
		recentFailures: make([]time.Time, 0),
		retryConfig:    DefaultRetryConfig,
	}
}

// Name returns the source name
func (s *TickerStream) Name() models.SourceName {
	return models.SourceBinanceStream
}

// SetRetryConfig configures retry behavior
func (s *TickerStream) SetRetryConfig(config RetryConfig) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.retryConfig = config
}

// GetConnectionHealth returns current connection health status
func (s *TickerStream) GetConnectionHealth() ConnectionHealth {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.healthStatus
}

// Subscribe connects and starts receiving tickers for the canonical symbols
func (s *TickerStream) Subscribe(symbols []string) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return errStreamClosed
	}
	if s.connected {
		s.mutex.Unlock()
		return fmt.Errorf("already connected")
	}
	s.mutex.Unlock()

	if len(symbols) == 0 {
		return fmt.Errorf("no valid symbols to subscribe to")
	}
	exchangeSymbols := s.symbols.toExchangeAll(symbols)

	if err := s.connectWithRetry(exchangeSymbols); err != nil {
		return fmt.Errorf("failed to connect after retries: %w", err)
	}

	s.mutex.Lock()
	if s.closed {
		// Disconnect ran while we were dialing
		s.mutex.Unlock()
		s.dropConn()
		return errStreamClosed
	}
	s.connected = true
	s.readerDone = make(chan struct{})
	s.mutex.Unlock()

	go s.readMessages(exchangeSymbols)

	s.logger.Info("connected to ticker stream", "symbols", symbols)
	return nil
}

// connectWithRetry implements exponential backoff with storm protection
func (s *TickerStream) connectWithRetry(exchangeSymbols []string) error {
	s.mutex.RLock()
	cfg := s.retryConfig
	s.mutex.RUnlock()

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.InitialInterval = cfg.InitialDelay
	backoffStrategy.MaxInterval = cfg.MaxDelay
	backoffStrategy.Multiplier = cfg.BackoffFactor
	backoffStrategy.MaxElapsedTime = 0 // bounded by MaxRetries instead
	backoffStrategy.RandomizationFactor = 0
	if cfg.Jitter {
		backoffStrategy.RandomizationFactor = 0.25
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoffStrategy, uint64(cfg.MaxRetries)),
		s.ctx,
	)

	operation := func() error {
		if s.isInStormMode() {
			return backoff.Permanent(fmt.Errorf("stream in storm mode, skipping retry"))
		}

		var err error
		if s.connectFunc != nil {
			err = s.connectFunc(exchangeSymbols)
		} else {
			err = s.connect(exchangeSymbols)
		}

		if err != nil {
			attempt := s.recordFailure()
			s.logger.Warn("stream connection attempt failed", "attempt", attempt, "error", err)
			return err
		}

		s.recordSuccess()
		return nil
	}

	return backoff.Retry(operation, policy)
}

// connect dials the combined stream for all symbols at once
func (s *TickerStream) connect(exchangeSymbols []string) error {
	streams := make([]string, len(exchangeSymbols))
	for i, sym := range exchangeSymbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	wsURL := s.url + "?streams=" + strings.Join(streams, "/")

	s.logger.Debug("dialing ticker stream", "url", wsURL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(s.ctx, wsURL, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	s.setConn(conn)
	return nil
}

func (s *TickerStream) setConn(conn *websocket.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conn = conn
}

// isInStormMode checks if we should enter storm protection mode
func (s *TickerStream) isInStormMode() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	oneMinuteAgo := time.Now().Add(-time.Minute)

	cleanedFailures := make([]time.Time, 0, len(s.recentFailures))
	for _, failureTime := range s.recentFailures {
		if failureTime.After(oneMinuteAgo) {
			cleanedFailures = append(cleanedFailures, failureTime)
		}
	}
	s.recentFailures = cleanedFailures

	if len(cleanedFailures) >= s.retryConfig.StormThreshold {
		if !s.healthStatus.InStormMode {
			s.logger.Warn("entering storm mode", "recent_failures", len(cleanedFailures))
			s.healthStatus.InStormMode = true
		}
		return true
	}

	if s.healthStatus.InStormMode {
		s.logger.Info("exiting storm mode")
		s.healthStatus.InStormMode = false
	}
	return false
}

// recordFailure records a connection failure and returns the attempt number
func (s *TickerStream) recordFailure() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	s.healthStatus.FailureCount++
	s.healthStatus.ConsecutiveFails++
	s.healthStatus.RetryAttempt++
	s.healthStatus.LastFailureTime = now
	s.recentFailures = append(s.recentFailures, now)
	return s.healthStatus.RetryAttempt
}

// recordSuccess records a successful connection
func (s *TickerStream) recordSuccess() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.healthStatus.ConsecutiveFails = 0
	s.healthStatus.RetryAttempt = 0
	s.healthStatus.InStormMode = false
	s.logger.Debug("stream connected", "total_failures", s.healthStatus.FailureCount)
}

// FromExchangeSymbol converts an exchange pair to its canonical symbol (O(1) lookup)
func (s *TickerStream) FromExchangeSymbol(exchangeSymbol string) (string, error) {
	return s.symbols.FromExchangeSymbol(exchangeSymbol)
}

// Disconnect closes the stream. Events is closed once the reader has exited.
func (s *TickerStream) Disconnect() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.cancel()
	conn := s.conn
	s.conn = nil
	readerDone := s.readerDone
	s.mutex.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("error closing stream connection", "error", err)
		}
	}
	if readerDone != nil {
		<-readerDone
	}

	close(s.eventsCh)
	s.logger.Info("disconnected from ticker stream")
	return nil
}

// IsConnected returns connection status
func (s *TickerStream) IsConnected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

// Events returns the channel of normalized tickers
func (s *TickerStream) Events() <-chan models.Ticker {
	return s.eventsCh
}

// readMessages reads until the stream is closed, reconnecting on read errors
func (s *TickerStream) readMessages(exchangeSymbols []string) {
	s.mutex.RLock()
	readerDone := s.readerDone
	s.mutex.RUnlock()
	defer close(readerDone)

	for {
		if s.ctx.Err() != nil {
			s.dropConn()
			return
		}

		s.mutex.RLock()
		conn := s.conn
		s.mutex.RUnlock()
		if conn == nil {
			s.logger.Warn("stream connection is nil, stopping reader")
			s.markDisconnected()
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream read error, reconnecting", "error", err)
			_ = conn.Close()

			if err := s.connectWithRetry(exchangeSymbols); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Error("stream reconnect failed", "error", err)
				s.markDisconnected()
				return
			}
			continue
		}

		if err := s.processMessage(message); err != nil {
			s.logger.Warn("error processing stream message", "error", err)
		}
	}
}

// dropConn closes a connection established after Disconnect already ran
func (s *TickerStream) dropConn() {
	s.mutex.Lock()
	conn := s.conn
	s.conn = nil
	s.mutex.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *TickerStream) markDisconnected() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connected = false
	s.conn = nil
}

// processMessage handles both combined-stream envelopes and bare events
func (s *TickerStream) processMessage(message []byte) error {
	payload := json.RawMessage(message)

	var envelope combinedStreamMessage
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal stream message: %w", err)
	}
	if len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var event MiniTickerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to unmarshal mini ticker: %w", err)
	}

	// Skip subscription acks and other event types
	if event.EventType != "24hrMiniTicker" {
		return nil
	}

	ticker, err := s.normalizedTickerEvent(event)
	if err != nil {
		return err
	}

	select {
	case s.eventsCh <- ticker:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("events channel full, dropping ticker", "symbol", ticker.Symbol)
	}
	return nil
}

// normalizedTickerEvent converts a mini ticker into a Ticker. The 24h change is
// derived from the rolling window open.
func (s *TickerStream) normalizedTickerEvent(event MiniTickerEvent) (models.Ticker, error) {
	last, err := strconv.ParseFloat(event.Close, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("invalid close price %s: %w", event.Close, err)
	}

	open, err := strconv.ParseFloat(event.Open, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("invalid open price %s: %w", event.Open, err)
	}

	canonical, err := s.FromExchangeSymbol(event.Symbol)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("failed to convert symbol %s: %w", event.Symbol, err)
	}

	change := last - open
	changePct := 0.0
	if open > 0 {
		changePct = change / open * 100
	}

	return models.Ticker{
		Symbol:             canonical,
		LastPrice:          last,
		PriceChange:        change,
		PriceChangePercent: changePct,
	}, nil
}
