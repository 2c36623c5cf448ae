package market

import (
	"OptionLedger/internal/model"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// historyLen bounds the ticks kept per symbol for PriceAt.
const historyLen = 512

// Tick is one price observation from the feed.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// PriceCache keeps recent ticks per symbol. Ticks older than maxAge are
// stale and reported as unavailable rather than served.
type PriceCache struct {
	mu     sync.RWMutex
	ticks  map[string][]Tick // ascending by At, newest last
	maxAge time.Duration
	now    func() time.Time
}

var _ HistoricalSource = (*PriceCache)(nil)

func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{
		ticks:  make(map[string][]Tick),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update stores t unless a newer tick for the symbol is already held.
// Reports whether the tick was accepted.
func (c *PriceCache) Update(t Tick) bool {
	if !t.Price.IsPositive() {
		return false
	}
	t.Symbol = NormalizeSymbol(t.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.ticks[t.Symbol]
	if n := len(hist); n > 0 && t.At.Before(hist[n-1].At) {
		return false
	}
	hist = append(hist, t)
	if len(hist) > historyLen {
		hist = append(hist[:0:0], hist[len(hist)-historyLen:]...)
	}
	c.ticks[t.Symbol] = hist
	return true
}

func (c *PriceCache) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)
	c.mu.RLock()
	hist := c.ticks[symbol]
	var (
		t  Tick
		ok = len(hist) > 0
	)
	if ok {
		t = hist[len(hist)-1]
	}
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: no cached tick", symbol)
	}
	if c.maxAge > 0 && c.now().Sub(t.At) > c.maxAge {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: tick is stale (%s old)", symbol, c.now().Sub(t.At).Round(time.Millisecond))
	}
	return t.Price, nil
}

// PriceAt returns the last tick at or before at. A tick more than maxAge
// older than at does not describe the market at that instant and is
// reported as unavailable.
func (c *PriceCache) PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)
	c.mu.RLock()
	hist := c.ticks[symbol]
	i := sort.Search(len(hist), func(i int) bool { return hist[i].At.After(at) }) - 1
	var t Tick
	if i >= 0 {
		t = hist[i]
	}
	c.mu.RUnlock()
	if i < 0 {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: no tick at or before %s", symbol, at.Format(time.RFC3339))
	}
	if c.maxAge > 0 && at.Sub(t.At) > c.maxAge {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: last tick before %s is %s older", symbol,
			at.Format(time.RFC3339), at.Sub(t.At).Round(time.Millisecond))
	}
	return t.Price, nil
}
