package adapter

import (
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/linluma/pricehub/shared/models"
)

// Store is the part of the price store an adapter binds to
type Store interface {
	RequestSymbols(symbols []string) []string
	Subscribe(observer models.Observer) (unsubscribe func())
	GetSnapshot() models.Snapshot
}

// Adapter ties one consumer's lifetime to a shared store. The consumer only
// sees its own symbols and is only called when that view changes.
type Adapter struct {
	store    Store
	onChange models.Observer

	// deliverMu keeps onChange calls in the order their views were chosen
	deliverMu sync.Mutex

	mu          sync.Mutex
	symbols     map[string]struct{}
	unsubscribe func()
	last        models.Snapshot
	delivered   bool
}

// New creates a detached adapter. onChange must not block for long; it runs
// on the store's notification path.
func New(store Store, onChange models.Observer) *Adapter {
	return &Adapter{
		store:    store,
		onChange: onChange,
		symbols:  make(map[string]struct{}),
	}
}

// Attach requests symbols and subscribes. The current view is delivered once
// right away. Attaching an attached adapter only updates its symbols.
func (a *Adapter) Attach(symbols []string) {
	a.mu.Lock()
	if a.unsubscribe != nil {
		a.mu.Unlock()
		a.SetSymbols(symbols)
		return
	}
	a.setFilterLocked(a.store.RequestSymbols(symbols))
	// placeholder so a concurrent Attach sees us as attached
	a.unsubscribe = func() {}
	a.mu.Unlock()

	unsubscribe := a.store.Subscribe(a.observe)

	a.mu.Lock()
	if a.unsubscribe == nil {
		// detached while subscribing
		a.mu.Unlock()
		unsubscribe()
		return
	}
	a.unsubscribe = unsubscribe
	a.mu.Unlock()

	a.observe(a.store.GetSnapshot())
}

// SetSymbols replaces the adapter's symbol list. New symbols are merged
// into the store; symbols dropped here stay tracked by the store.
func (a *Adapter) SetSymbols(symbols []string) {
	accepted := a.store.RequestSymbols(symbols)

	a.mu.Lock()
	a.setFilterLocked(accepted)
	attached := a.unsubscribe != nil
	a.mu.Unlock()

	if attached {
		a.observe(a.store.GetSnapshot())
	}
}

// Detach unsubscribes. Safe to call more than once and before the first fetch.
func (a *Adapter) Detach() {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.delivered = false
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Attached reports whether the adapter holds a store subscription
func (a *Adapter) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unsubscribe != nil
}

// Symbols returns the adapter's symbols, sorted
func (a *Adapter) Symbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.symbols))
	for sym := range a.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Current returns the last view delivered to the consumer
func (a *Adapter) Current() models.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Adapter) setFilterLocked(symbols []string) {
	a.symbols = make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		a.symbols[sym] = struct{}{}
	}
}

func (a *Adapter) observe(snap models.Snapshot) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	if a.unsubscribe == nil {
		a.mu.Unlock()
		return
	}
	// a snapshot read before a newer notification must not overwrite it
	if a.delivered && snap.Version < a.last.Version {
		a.mu.Unlock()
		return
	}
	view := a.filterLocked(snap)
	if a.delivered && sameView(a.last, view) {
		a.last.Version = view.Version
		a.mu.Unlock()
		return
	}
	a.last = view
	a.delivered = true
	a.mu.Unlock()

	if a.onChange != nil {
		a.onChange(view)
	}
}

func (a *Adapter) filterLocked(snap models.Snapshot) models.Snapshot {
	prices := make(map[string]models.PriceRecord, len(a.symbols))
	for sym := range a.symbols {
		if rec, ok := snap.Prices[sym]; ok {
			prices[sym] = rec
		}
	}
	snap.Prices = prices
	return snap
}

// sameView ignores UpdateCount, which moves even when our symbols did not
func sameView(a, b models.Snapshot) bool {
	return a.Source == b.Source &&
		a.State == b.State &&
		a.Error == b.Error &&
		maps.EqualFunc(a.Prices, b.Prices, func(x, y models.PriceRecord) bool {
			return x.Symbol == y.Symbol &&
				sameFloat(x.PriceUSD, y.PriceUSD) &&
				sameFloat(x.PriceLocal, y.PriceLocal) &&
				sameFloat(x.Change24hPercent, y.Change24hPercent) &&
				x.LastUpdate.Equal(y.LastUpdate)
		})
}

// sameFloat treats two NaNs as equal so an unknown price is not a change
func sameFloat(x, y float64) bool {
	return x == y || (math.IsNaN(x) && math.IsNaN(y))
}
