// Package market adapts external market-data feeds to the PriceSource the
// engine consumes. Feeds may fail or go stale; sources report that as
// model.ErrMarketUnavailable and leave retry policy to the caller.
package market

import (
	"OptionLedger/internal/model"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource returns the latest price for a symbol such as "BTCUSDT".
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HistoricalSource can report the price at a past instant.
type HistoricalSource interface {
	PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error)
}

// NormalizeSymbol upper-cases and strips separators ("btc/usdt" -> "BTCUSDT").
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// Chain asks each source in order and returns the first price.
type Chain []PriceSource

func (c Chain) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var errs []error
	for _, src := range c {
		p, err := src.Price(ctx, symbol)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: no sources configured", symbol)
	}
	return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: %v", symbol, errors.Join(errs...))
}

// PriceAt asks each HistoricalSource in the chain in order. Sources that
// only know the current price are skipped.
func (c Chain) PriceAt(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	var errs []error
	for _, src := range c {
		h, ok := src.(HistoricalSource)
		if !ok {
			continue
		}
		p, err := h.PriceAt(ctx, symbol, at)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: no historical sources", symbol)
	}
	return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: %v", symbol, errors.Join(errs...))
}

// Static serves fixed prices. Used for dry runs and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	fail   map[string]int
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal), fail: make(map[string]int)}
	for k, v := range prices {
		s.prices[NormalizeSymbol(k)] = v
	}
	return s
}

// Set replaces the price for symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[NormalizeSymbol(symbol)] = price
	s.mu.Unlock()
}

// FailNext makes the next n lookups for symbol fail.
func (s *Static) FailNext(symbol string, n int) {
	s.mu.Lock()
	s.fail[NormalizeSymbol(symbol)] = n
	s.mu.Unlock()
}

func (s *Static) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.fail[symbol]; n != 0 {
		if n > 0 {
			s.fail[symbol] = n - 1
		}
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: feed down", symbol)
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: no price", symbol)
	}
	return p, nil
}
