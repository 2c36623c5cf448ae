package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is one inbound spot price from the market-data feed.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time // feed time, not receive time
}

func (p *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Symbol, p.Timestamp.UnixMicro())
}

func (p *PriceTick) EventType() EventType {
	return EventTypePriceTick
}
