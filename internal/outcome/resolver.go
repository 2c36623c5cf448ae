package outcome

import (
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ResolverConfig bounds exit-price retries.
type ResolverConfig struct {
	MaxRetryWindow time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.MaxRetryWindow <= 0 {
		c.MaxRetryWindow = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Resolver obtains exit prices from a PriceSource with bounded retries.
type Resolver struct {
	prices  market.PriceSource
	cfg     ResolverConfig
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewResolver(prices market.PriceSource, cfg ResolverConfig, metrics *observability.Metrics, log zerolog.Logger) *Resolver {
	return &Resolver{prices: prices, cfg: cfg.withDefaults(), metrics: metrics, log: log}
}

// ExitPrice returns the recorded exit price of tr when there is one, then
// the price at ExpiresAt when the source keeps history. Otherwise it
// queries the current price, retrying with exponential backoff until
// MaxRetryWindow elapses. The second return value is the number of
// attempts made. Exhaustion is reported as ErrMarketUnavailable.
func (r *Resolver) ExitPrice(ctx context.Context, tr *model.Trade) (decimal.Decimal, int, error) {
	if tr.ExitPrice != nil {
		return *tr.ExitPrice, 0, nil
	}
	// Prefer the price the feed recorded at expiry over the current one.
	if h, ok := r.prices.(market.HistoricalSource); ok {
		if p, err := h.PriceAt(ctx, tr.Symbol, tr.ExpiresAt); err == nil && p.IsPositive() {
			return p, 1, nil
		}
	}

	attempts := 0
	op := func() (decimal.Decimal, error) {
		attempts++
		p, err := r.prices.Price(ctx, tr.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if !p.IsPositive() {
			return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: non-positive price %s", tr.Symbol, p)
		}
		return p, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff

	price, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(r.cfg.MaxRetryWindow),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if r.metrics != nil {
				r.metrics.ResolveRetries.Inc()
			}
			r.log.Warn().
				Err(err).
				Str("trade_id", tr.ID.String()).
				Str("symbol", tr.Symbol).
				Dur("retry_in", wait).
				Msg("exit price unavailable, retrying")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return decimal.Zero, attempts, ctxErr
		}
		return decimal.Zero, attempts, model.Errorf(model.ErrMarketUnavailable,
			"%s: no exit price after %d attempts: %v", tr.Symbol, attempts, err)
	}
	return price, attempts, nil
}
