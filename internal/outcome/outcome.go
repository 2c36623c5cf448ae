// Package outcome decides win, loss or push for an expired trade and
// obtains the exit price it is decided on.
package outcome

import (
	"OptionLedger/internal/model"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TiePolicy decides a trade whose exit price equals its entry price.
type TiePolicy string

const (
	TieLose   TiePolicy = "lose"
	TieWin    TiePolicy = "win"
	TieRefund TiePolicy = "refund"
)

// ParseTiePolicy accepts lose, win or refund. Empty means lose.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch p := TiePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return TieLose, nil
	case TieLose, TieWin, TieRefund:
		return p, nil
	default:
		return "", fmt.Errorf("unknown tie policy %q", s)
	}
}

// Result of a settled trade. Push means the stake is returned untouched.
type Result struct {
	Won  bool
	Push bool
}

func (r Result) String() string {
	switch {
	case r.Push:
		return "push"
	case r.Won:
		return "win"
	default:
		return "lose"
	}
}

// Decide is the single settlement rule: up wins when exit > entry, down
// wins when exit < entry, equality follows tie.
func Decide(dir model.Direction, entry, exit decimal.Decimal, tie TiePolicy) Result {
	switch c := exit.Cmp(entry); {
	case c == 0:
		switch tie {
		case TieWin:
			return Result{Won: true}
		case TieRefund:
			return Result{Push: true}
		default:
			return Result{}
		}
	case dir == model.DirectionUp:
		return Result{Won: c > 0}
	case dir == model.DirectionDown:
		return Result{Won: c < 0}
	}
	return Result{}
}
