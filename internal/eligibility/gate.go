// Package eligibility decides whether a user may request a withdrawal.
package eligibility

import (
	"OptionLedger/internal/model"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefaultMinCompletedTrades is the number of settled trades a user needs
// before withdrawing.
const DefaultMinCompletedTrades = 2

// TradeCounter reports how many of a user's trades have completed.
type TradeCounter interface {
	CountCompletedTrades(ctx context.Context, userID uuid.UUID) (int, error)
}

// Gate enforces the completed-trade threshold.
type Gate struct {
	trades TradeCounter
	min    int
}

func NewGate(trades TradeCounter, minCompleted int) *Gate {
	if minCompleted < 0 {
		minCompleted = 0
	}
	return &Gate{trades: trades, min: minCompleted}
}

// MinCompletedTrades returns the threshold in effect.
func (g *Gate) MinCompletedTrades() int { return g.min }

// CheckWithdrawal returns ErrMinimumTradesNotMet when the user has fewer
// completed trades than the threshold.
func (g *Gate) CheckWithdrawal(ctx context.Context, userID uuid.UUID) error {
	if g.min == 0 {
		return nil
	}
	n, err := g.trades.CountCompletedTrades(ctx, userID)
	if err != nil {
		return fmt.Errorf("count completed trades: %w", err)
	}
	if n < g.min {
		return model.Errorf(model.ErrMinimumTradesNotMet, "%d of %d completed trades", n, g.min)
	}
	return nil
}
