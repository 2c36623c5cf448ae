package trade

import (
	"OptionLedger/internal/model"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier is one row of the duration table: the minimum stake and the profit
// rate paid on a win.
type Tier struct {
	DurationSeconds int
	MinAmount       decimal.Decimal
	ProfitRate      decimal.Decimal
}

// Schedule is the set of tradable durations.
type Schedule struct {
	tiers map[int]Tier
}

// DefaultTiers is the stock duration table.
func DefaultTiers() []Tier {
	return []Tier{
		{30, decimal.NewFromInt(100), decimal.RequireFromString("0.10")},
		{60, decimal.NewFromInt(1000), decimal.RequireFromString("0.15")},
		{120, decimal.NewFromInt(5000), decimal.RequireFromString("0.20")},
		{180, decimal.NewFromInt(10000), decimal.RequireFromString("0.25")},
		{240, decimal.NewFromInt(15000), decimal.RequireFromString("0.30")},
		{300, decimal.NewFromInt(20000), decimal.RequireFromString("0.35")},
		{600, decimal.NewFromInt(50000), decimal.RequireFromString("0.40")},
	}
}

// NewSchedule validates tiers and indexes them by duration.
func NewSchedule(tiers []Tier) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("schedule: no tiers")
	}
	s := &Schedule{tiers: make(map[int]Tier, len(tiers))}
	for _, t := range tiers {
		if t.DurationSeconds <= 0 {
			return nil, fmt.Errorf("schedule: non-positive duration %d", t.DurationSeconds)
		}
		if t.MinAmount.IsNegative() {
			return nil, fmt.Errorf("schedule: negative minimum for %ds", t.DurationSeconds)
		}
		if !t.ProfitRate.IsPositive() {
			return nil, fmt.Errorf("schedule: non-positive profit rate for %ds", t.DurationSeconds)
		}
		if _, dup := s.tiers[t.DurationSeconds]; dup {
			return nil, fmt.Errorf("schedule: duplicate duration %ds", t.DurationSeconds)
		}
		s.tiers[t.DurationSeconds] = t
	}
	return s, nil
}

// MustDefaultSchedule returns the stock schedule.
func MustDefaultSchedule() *Schedule {
	s, err := NewSchedule(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return s
}

// Merge returns a schedule where overrides replace tiers of the same
// duration and add new ones.
func (s *Schedule) Merge(overrides []Tier) (*Schedule, error) {
	merged := make(map[int]Tier, len(s.tiers)+len(overrides))
	for d, t := range s.tiers {
		merged[d] = t
	}
	for _, t := range overrides {
		merged[t.DurationSeconds] = t
	}
	all := make([]Tier, 0, len(merged))
	for _, t := range merged {
		all = append(all, t)
	}
	return NewSchedule(all)
}

// Lookup returns the tier for a duration or ErrInvalidDuration.
func (s *Schedule) Lookup(durationSeconds int) (Tier, error) {
	t, ok := s.tiers[durationSeconds]
	if !ok {
		return Tier{}, model.Errorf(model.ErrInvalidDuration, "%ds is not an offered duration", durationSeconds)
	}
	return t, nil
}

// Check validates the stake against the tier minimum.
func (s *Schedule) Check(durationSeconds int, amount decimal.Decimal) (Tier, error) {
	t, err := s.Lookup(durationSeconds)
	if err != nil {
		return Tier{}, err
	}
	if amount.LessThan(t.MinAmount) {
		return Tier{}, model.Errorf(model.ErrBelowMinimumAmount, "%s < %s for %ds", amount, t.MinAmount, durationSeconds)
	}
	return t, nil
}

// Tiers returns the table ordered by duration.
func (s *Schedule) Tiers() []Tier {
	out := make([]Tier, 0, len(s.tiers))
	for _, t := range s.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DurationSeconds < out[j].DurationSeconds })
	return out
}
