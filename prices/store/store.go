package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/shared/models"
)

const (
	// DefaultMinFetchInterval is the debounce window between two fetch attempts
	DefaultMinFetchInterval = time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultLocalRate        = 84.0
)

// Option configures a Store
type Option func(*Store)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

func WithMinFetchInterval(d time.Duration) Option {
	return func(s *Store) { s.minFetchInterval = d }
}

// WithLocalRate sets the USD to local currency multiplier
func WithLocalRate(rate float64) Option {
	return func(s *Store) { s.localRate = rate }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

type observerEntry struct {
	id uint64
	fn models.Observer
}

// loop is one run of the polling goroutine
type loop struct {
	cancel  context.CancelFunc
	trigger chan struct{}
}

// Store keeps one de-duplicated poll against a ticker source and fans every
// state change out to its observers. It is safe for concurrent use.
type Store struct {
	source           provider.TickerSource
	name             string
	clock            clock.Clock
	logger           *slog.Logger
	metrics          *Metrics
	pollInterval     time.Duration
	minFetchInterval time.Duration
	localRate        float64

	// provider calls run on baseCtx so stopping a loop never cancels them
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// notifyMu orders fan-outs: one change is delivered to every observer
	// before the next change is published. Taken before mu.
	notifyMu sync.Mutex

	mu          sync.Mutex
	prices      map[string]models.PriceRecord
	state       models.ConnectionState
	errMsg      string
	updateCount uint64
	symbols     map[string]struct{}
	observers   []observerEntry
	nextID      uint64
	lastAttempt time.Time
	lastBypass  time.Time
	version     uint64
	loop        *loop
	closed      bool

	// request sequencing: responses older than the newest applied one, or
	// issued before the last Reconnect, are dropped
	reqSeq     uint64
	appliedSeq uint64
	fence      uint64
}

// New creates a store for source. Polling starts once there is at least one
// observer and one requested symbol.
func New(source provider.TickerSource, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		source:           source,
		name:             string(source.Name()),
		clock:            clock.New(),
		logger:           slog.Default(),
		pollInterval:     DefaultPollInterval,
		minFetchInterval: DefaultMinFetchInterval,
		localRate:        DefaultLocalRate,
		baseCtx:          ctx,
		baseCancel:       cancel,
		prices:           make(map[string]models.PriceRecord),
		symbols:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", s.name)
	return s
}

// Name returns the source name
func (s *Store) Name() models.SourceName {
	return s.source.Name()
}

// Subscribe registers observer and returns its unsubscribe function, which
// is safe to call more than once. Observers run on the publishing goroutine
// and must not call Reconnect or ApplyTickers.
func (s *Store) Subscribe(observer models.Observer) (unsubscribe func()) {
	if observer == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observerEntry{id: id, fn: observer})
	s.metrics.setObservers(s.name, len(s.observers))
	if s.loop == nil && len(s.symbols) > 0 {
		s.startLoopLocked(false)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, o := range s.observers {
		if o.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			break
		}
	}
	s.metrics.setObservers(s.name, len(s.observers))

	if len(s.observers) == 0 && s.loop != nil {
		s.logger.Debug("last observer gone, stopping poll loop")
		s.stopLoopLocked()
	}
}

// RequestSymbols merges symbols into the tracked set. Input is trimmed,
// uppercased and de-duplicated; invalid entries are dropped. It returns the
// accepted symbols in input order.
func (s *Store) RequestSymbols(symbols []string) []string {
	accepted := NormalizeSymbols(symbols)
	if len(accepted) == 0 {
		if len(symbols) > 0 {
			s.logger.Debug("ignoring symbol request with no valid symbols", "symbols", symbols)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return accepted
	}

	added := 0
	for _, sym := range accepted {
		if _, ok := s.symbols[sym]; !ok {
			s.symbols[sym] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return accepted
	}
	s.logger.Debug("tracking new symbols", "added", added, "total", len(s.symbols))

	switch {
	case s.loop != nil:
		select {
		case s.loop.trigger <- struct{}{}:
		default:
		}
	case len(s.observers) > 0:
		s.startLoopLocked(false)
	}
	return accepted
}

// NormalizeSymbols trims, uppercases, validates and de-duplicates symbols
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		sym, ok := models.NormalizeSymbol(raw)
		if !ok {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// Reconnect restarts the fetch cycle: state goes back to connecting and the
// error is cleared. The first Reconnect in a debounce window fetches at once;
// later ones fetch when the window closes. Responses to requests issued
// before the call are discarded.
func (s *Store) Reconnect() {
	s.publish(func() bool {
		if s.closed {
			return false
		}

		s.fence = s.reqSeq + 1
		if s.loop != nil {
			s.stopLoopLocked()
		}
		s.errMsg = ""

		if len(s.observers) > 0 && len(s.symbols) > 0 {
			// only the first reconnect in a debounce window skips it
			now := s.clock.Now()
			bypass := s.lastBypass.IsZero() || now.Sub(s.lastBypass) >= s.minFetchInterval
			if bypass {
				s.lastBypass = now
			}
			s.logger.Info("reconnecting", "immediate", bypass)
			// the new loop announces the connecting state itself
			s.startLoopLocked(bypass)
			return false
		}

		s.state = models.StateConnecting
		return true
	})
}

// ApplyTickers merges pushed tickers as if a fetch had succeeded
func (s *Store) ApplyTickers(tickers []models.Ticker) {
	if len(tickers) == 0 {
		return
	}

	s.publish(func() bool {
		if s.closed {
			return false
		}
		s.applyLocked(tickers)
		return true
	})
}

// GetSnapshot returns a copy of the current state
func (s *Store) GetSnapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetPrice looks up one symbol in the current state
func (s *Store) GetPrice(symbol string) (models.PriceRecord, bool) {
	sym, ok := models.NormalizeSymbol(symbol)
	if !ok {
		return models.PriceRecord{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.prices[sym]
	return rec, ok
}

// Symbols returns the tracked symbols, sorted
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbolsLocked()
}

func (s *Store) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Running reports whether the poll loop is active
func (s *Store) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// Close stops polling, cancels in-flight requests and drops all observers
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.loop != nil {
		s.stopLoopLocked()
	}
	s.observers = nil
	s.metrics.setObservers(s.name, 0)
	s.baseCancel()
}

func (s *Store) startLoopLocked(bypassDebounce bool) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	l := &loop{cancel: cancel, trigger: make(chan struct{}, 1)}
	s.loop = l
	s.state = models.StateConnecting
	go s.run(ctx, l, bypassDebounce)
}

// stopLoopLocked cancels the ticker; an in-flight request still completes
func (s *Store) stopLoopLocked() {
	s.loop.cancel()
	s.loop = nil
}

// run performs every fetch of one loop sequentially
func (s *Store) run(ctx context.Context, l *loop, bypassDebounce bool) {
	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	s.publish(func() bool { return ctx.Err() == nil })

	// a debounced first fetch is retried when the window closes, not a full poll later
	var retry <-chan time.Time
	if wait := s.fetch(ctx, bypassDebounce); wait > 0 {
		retry = s.clock.After(wait)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.trigger:
		case <-retry:
		}
		retry = nil
		// a tick and a cancellation can be ready together
		if ctx.Err() != nil {
			return
		}
		s.fetch(ctx, false)
	}
}

// fetch runs one request and publishes its outcome. When the debounce window
// skips it, fetch returns the time left in the window.
func (s *Store) fetch(loopCtx context.Context, bypassDebounce bool) time.Duration {
	s.mu.Lock()
	if loopCtx.Err() != nil {
		s.mu.Unlock()
		return 0
	}
	now := s.clock.Now()
	if elapsed := now.Sub(s.lastAttempt); !bypassDebounce && !s.lastAttempt.IsZero() && elapsed < s.minFetchInterval {
		s.mu.Unlock()
		s.metrics.skip(s.name)
		s.logger.Debug("fetch skipped by debounce window")
		return s.minFetchInterval - elapsed
	}
	symbols := s.symbolsLocked()
	if len(symbols) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.lastAttempt = now
	s.reqSeq++
	seq := s.reqSeq
	s.mu.Unlock()

	start := time.Now()
	tickers, err := s.source.TickersMulti(s.baseCtx, symbols)
	elapsed := time.Since(start)

	s.publish(func() bool {
		if s.closed {
			return false
		}
		if seq < s.fence || seq < s.appliedSeq {
			s.metrics.staleResponse(s.name)
			s.logger.Debug("discarding stale provider response", "seq", seq)
			return false
		}
		s.appliedSeq = seq

		if err != nil {
			s.state = models.StateDegraded
			s.errMsg = err.Error()
			s.metrics.request(s.name, "failure")
			s.logger.Warn("provider fetch failed", "symbols", len(symbols), "error", err, "duration_ms", elapsed.Milliseconds())
		} else {
			s.applyLocked(tickers)
			s.metrics.request(s.name, "success")
			s.logger.Debug("provider fetch succeeded", "tickers", len(tickers), "duration_ms", elapsed.Milliseconds())
		}
		return true
	})
	return 0
}

// applyLocked replaces only the records present in tickers
func (s *Store) applyLocked(tickers []models.Ticker) {
	now := s.clock.Now()
	for _, t := range tickers {
		updated := now
		if prev, ok := s.prices[t.Symbol]; ok && prev.LastUpdate.After(now) {
			updated = prev.LastUpdate
		}
		s.prices[t.Symbol] = models.PriceRecord{
			Symbol:           t.Symbol,
			PriceUSD:         t.LastPrice,
			PriceLocal:       t.LastPrice * s.localRate,
			Change24hPercent: t.PriceChangePercent,
			LastUpdate:       updated,
		}
	}
	s.updateCount++
	s.state = models.StateLive
	s.errMsg = ""
}

func (s *Store) snapshotLocked() models.Snapshot {
	prices := make(map[string]models.PriceRecord, len(s.prices))
	for k, v := range s.prices {
		prices[k] = v
	}
	return models.Snapshot{
		Source:      s.source.Name(),
		Prices:      prices,
		State:       s.state,
		Error:       s.errMsg,
		UpdateCount: s.updateCount,
		Version:     s.version,
	}
}

func (s *Store) observerFuncsLocked() []models.Observer {
	fns := make([]models.Observer, len(s.observers))
	for i, o := range s.observers {
		fns[i] = o.fn
	}
	return fns
}

func (s *Store) symbolsLocked() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// publish runs update under mu and, when it reports a change, delivers the
// new snapshot to every observer before another change can be published
func (s *Store) publish(update func() bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !update() {
		s.mu.Unlock()
		return
	}
	s.version++
	snap, observers := s.snapshotLocked(), s.observerFuncsLocked()
	s.mu.Unlock()

	s.notify(observers, snap)
}

// notify calls observers in registration order, outside mu
func (s *Store) notify(observers []models.Observer, snap models.Snapshot) {
	for _, fn := range observers {
		s.callObserver(fn, snap)
	}
}

func (s *Store) callObserver(fn models.Observer, snap models.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("observer panic recovered", "panic", r)
		}
	}()
	fn(snap)
}
