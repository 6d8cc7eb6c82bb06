package store

import (
	"context"
	"sort"
	"time"

	"github.com/linluma/pricehub/shared/models"
)

// DefaultFeedWindow is how long pushed tickers are coalesced before one store update
const DefaultFeedWindow = 250 * time.Millisecond

// Feed folds a push stream of tickers into a store. Ticks for the same symbol
// within one window collapse to the latest, so observers see one update per
// window instead of one per tick.
type Feed struct {
	store  *Store
	window time.Duration
}

// NewFeed creates a feed into store
func NewFeed(store *Store, window time.Duration) *Feed {
	if window <= 0 {
		window = DefaultFeedWindow
	}
	return &Feed{store: store, window: window}
}

// Run consumes tickers until ctx is done or the channel closes, flushing what is pending on exit
func (f *Feed) Run(ctx context.Context, tickers <-chan models.Ticker) error {
	ticker := f.store.clock.Ticker(f.window)
	defer ticker.Stop()

	pending := make(map[string]models.Ticker)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]models.Ticker, 0, len(pending))
		for _, t := range pending {
			batch = append(batch, t)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].Symbol < batch[j].Symbol })
		clear(pending)
		f.store.ApplyTickers(batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case t, ok := <-tickers:
			if !ok {
				flush()
				return nil
			}
			sym, valid := models.NormalizeSymbol(t.Symbol)
			if !valid {
				continue
			}
			t.Symbol = sym
			pending[sym] = t
		case <-ticker.C:
			flush()
		}
	}
}
