// Package settlement settles expired trades. Trades are armed on an
// expiry-ordered heap; a dispatcher hands due ids to a worker pool and a
// periodic sweep re-reads the store for anything the heap missed.
//
// Settlement is idempotent: the final step re-reads the trade under its
// row lock and does nothing unless it is still active, so a trade reached
// twice (sweep plus timer, two instances, a retried request) settles once.
package settlement

import (
	"OptionLedger/internal/event"
	"OptionLedger/internal/model"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/store"
	"OptionLedger/internal/trade"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	// ResolvedBySystem marks trades settled from a market price.
	ResolvedBySystem = "system"

	idleWait = time.Minute
)

// Config for a Scheduler.
type Config struct {
	Workers       int
	SweepInterval time.Duration
	Tie           outcome.TiePolicy
	Now           func() time.Time
}

// Scheduler arms, dispatches and settles trades.
type Scheduler struct {
	store    store.Store
	registry *trade.Registry
	resolver *outcome.Resolver
	events   event.Sink
	cfg      Config
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	timers   *timers
	inflight map[uuid.UUID]struct{}

	wake chan struct{}
	due  chan uuid.UUID
}

func NewScheduler(s store.Store, registry *trade.Registry, resolver *outcome.Resolver, events event.Sink, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Tie == "" {
		cfg.Tie = outcome.TieLose
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = event.Discard
	}
	return &Scheduler{
		store:    s,
		registry: registry,
		resolver: resolver,
		events:   events,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		timers:   newTimers(),
		inflight: make(map[uuid.UUID]struct{}),
		wake:     make(chan struct{}, 1),
		due:      make(chan uuid.UUID, cfg.Workers*4),
	}
}

// Arm schedules tr for settlement at its expiry. Re-arming is a no-op
// apart from moving the deadline.
func (s *Scheduler) Arm(tr *model.Trade) {
	if tr.Status != model.TradeActive || tr.NeedsManual {
		return
	}
	s.mu.Lock()
	if _, busy := s.inflight[tr.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.timers.set(tr.ID, tr.ExpiresAt)
	s.mu.Unlock()
	s.poke()
}

// Disarm drops a pending timer, e.g. after cancellation.
func (s *Scheduler) Disarm(id uuid.UUID) {
	s.mu.Lock()
	removed := s.timers.remove(id)
	s.mu.Unlock()
	if removed {
		s.poke()
	}
}

// Pending is the number of armed trades.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.len()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recover settles every active trade already past expiry, one at a time
// in expiry order, then arms the rest. It returns the number of trades
// settled. Callers must not accept new trades until it returns.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	overdue, err := s.store.ActiveTradesDueBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, tr := range overdue {
		if tr.NeedsManual {
			continue
		}
		if _, err := s.Settle(ctx, tr.ID); err != nil {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			s.log.Warn().Err(err).Str("trade_id", tr.ID.String()).Msg("recovery settle failed")
			continue
		}
		settled++
		if s.metrics != nil {
			s.metrics.RecoveredTrades.Inc()
		}
	}

	active, err := s.store.ActiveTrades(ctx)
	if err != nil {
		return settled, err
	}
	for _, tr := range active {
		s.Arm(tr)
	}
	if s.metrics != nil {
		s.metrics.ActiveTrades.Set(float64(len(active)))
	}

	s.log.Info().
		Int("overdue", len(overdue)).
		Int("settled", settled).
		Int("armed", s.Pending()).
		Msg("settlement recovery complete")
	return settled, nil
}

// Run dispatches armed trades to the worker pool and sweeps the store
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.dispatch(ctx)
		return nil
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	s.log.Info().Int("workers", s.cfg.Workers).Dur("sweep_interval", s.cfg.SweepInterval).Msg("settlement scheduler started")
	err := g.Wait()
	s.log.Info().Msg("settlement scheduler stopped")
	return err
}

func (s *Scheduler) dispatch(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		s.mu.Lock()
		due, wait := s.timers.popDue(s.cfg.Now(), idleWait)
		for _, id := range due {
			s.inflight[id] = struct{}{}
		}
		s.mu.Unlock()

		for _, id := range due {
			select {
			case s.due <- id:
			case <-ctx.Done():
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.due:
			if _, err := s.Settle(ctx, id); err != nil && ctx.Err() == nil {
				s.logSettleError(id, err)
			}
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("settlement sweep failed")
			} else if n > 0 {
				s.log.Info().Int("armed", n).Msg("sweep armed overdue trades")
			}
		}
	}
}

// Sweep arms every overdue active trade found in the store. Trades armed
// by another instance or whose timer was lost are picked up here.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ActiveTradesDueBefore(ctx, s.cfg.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tr := range overdue {
		if tr.NeedsManual {
			continue
		}
		s.Arm(tr)
		n++
	}
	return n, nil
}

// Report describes one completed settlement.
type Report struct {
	Trade      *model.Trade
	Result     outcome.Result
	Settlement trade.Settlement
}

// Settle settles an expired active trade from the market price. A trade
// that is no longer active yields AlreadySettled or AlreadyCancelled and
// changes nothing. When no price can be obtained within the retry window
// the trade is flagged for manual resolution and stays active.
func (s *Scheduler) Settle(ctx context.Context, id uuid.UUID) (*Report, error) {
	start := time.Now()

	tr, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if tr.Status != model.TradeActive {
		s.duplicate()
		return nil, trade.Transition(tr.Status, model.TradeCompleted)
	}
	if now := s.cfg.Now(); tr.ExpiresAt.After(now) {
		return nil, model.Errorf(model.ErrValidation, "trade %s expires at %s", id, tr.ExpiresAt.Format(time.RFC3339))
	}

	price, attempts, err := s.resolver.ExitPrice(ctx, tr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.flagManual(ctx, tr, attempts, err)
		return nil, err
	}
	if tr.ExitPrice == nil {
		if price, err = s.registry.RecordExitPrice(ctx, id, price, attempts); err != nil {
			if isNoop(err) {
				s.duplicate()
			}
			return nil, err
		}
	}

	rep, err := s.finalize(ctx, id, price, ResolvedBySystem, nil)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	return rep, nil
}

// ResolveManually settles an expired trade with an exit price supplied by
// an admin. The outcome still follows the price rule.
func (s *Scheduler) ResolveManually(ctx context.Context, id uuid.UUID, exitPrice decimal.Decimal, adminID string) (*Report, error) {
	if adminID == "" {
		return nil, model.Errorf(model.ErrValidation, "admin id is required")
	}
	if !exitPrice.IsPositive() {
		return nil, model.Errorf(model.ErrValidation, "exit price must be positive, got %s", exitPrice)
	}

	rep, err := s.finalize(ctx, id, exitPrice, "admin:"+adminID, func(tr *model.Trade) error {
		if tr.ExpiresAt.After(s.cfg.Now()) {
			return model.Errorf(model.ErrValidation, "trade %s has not expired", tr.ID)
		}
		if tr.ExitPrice != nil && !tr.ExitPrice.Equal(exitPrice) {
			return model.Errorf(model.ErrValidation, "trade %s already has exit price %s", tr.ID, tr.ExitPrice)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Disarm(id)
	return rep, nil
}

// finalize is the settlement transaction: lock the trade, confirm it is
// still active, decide and apply the outcome.
func (s *Scheduler) finalize(ctx context.Context, id uuid.UUID, exit decimal.Decimal, resolvedBy string, check func(*model.Trade) error) (*Report, error) {
	var rep Report
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tr, err := tx.TradeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if tr.Status != model.TradeActive {
			return trade.Transition(tr.Status, model.TradeCompleted)
		}
		if check != nil {
			if err := check(tr); err != nil {
				return err
			}
		}
		res := outcome.Decide(tr.Direction, tr.EntryPrice, exit, s.cfg.Tie)
		st, err := s.registry.Complete(ctx, tx, tr, exit, res, resolvedBy)
		if err != nil {
			return err
		}
		rep = Report{Trade: tr, Result: res, Settlement: st}
		return nil
	})
	if err != nil {
		if isNoop(err) {
			s.duplicate()
		}
		return nil, err
	}

	tr := rep.Trade
	if s.metrics != nil {
		s.metrics.Settlements.WithLabelValues(rep.Result.String()).Inc()
		s.metrics.ActiveTrades.Dec()
		s.metrics.SettlementLag.Observe(rep.Settlement.At.Sub(tr.ExpiresAt).Seconds())
	}
	s.events.Emit(&event.TradeSettled{
		TradeID:    tr.ID,
		UserID:     tr.UserID,
		Outcome:    rep.Result.String(),
		EntryPrice: tr.EntryPrice,
		ExitPrice:  exit,
		Profit:     rep.Settlement.Profit,
		Currency:   tr.Currency,
		ResolvedBy: resolvedBy,
		SettledAt:  rep.Settlement.At,
	})
	s.log.Info().
		Str("trade_id", tr.ID.String()).
		Str("user_id", tr.UserID.String()).
		Str("outcome", rep.Result.String()).
		Str("entry_price", tr.EntryPrice.String()).
		Str("exit_price", exit.String()).
		Str("profit", rep.Settlement.Profit.String()).
		Str("resolved_by", resolvedBy).
		Msg("trade settled")
	return &rep, nil
}

func (s *Scheduler) flagManual(ctx context.Context, tr *model.Trade, attempts int, cause error) {
	flagged, err := s.registry.MarkNeedsManual(ctx, tr.ID, attempts)
	if err != nil {
		if !isNoop(err) {
			s.log.Error().Err(err).Str("trade_id", tr.ID.String()).Msg("flag trade for manual resolution")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.NeedsManual.Inc()
	}
	s.events.Emit(&event.TradeNeedsManual{
		TradeID:  flagged.ID,
		UserID:   flagged.UserID,
		Symbol:   flagged.Symbol,
		Attempts: attempts,
	})
	s.log.Warn().
		Err(cause).
		Str("trade_id", tr.ID.String()).
		Int("attempts", attempts).
		Msg("trade needs manual resolution")
}

func (s *Scheduler) logSettleError(id uuid.UUID, err error) {
	if isNoop(err) {
		s.log.Debug().Err(err).Str("trade_id", id.String()).Msg("settle skipped")
		return
	}
	s.log.Error().Err(err).Str("trade_id", id.String()).Msg("settle failed")
}

func (s *Scheduler) duplicate() {
	if s.metrics != nil {
		s.metrics.DuplicateSettles.Inc()
	}
}

// isNoop reports whether err means the trade was already terminal.
func isNoop(err error) bool {
	return errors.Is(err, model.ErrAlreadySettled) || errors.Is(err, model.ErrAlreadyCancelled)
}
