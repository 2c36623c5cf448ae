package ingestion

import (
	"OptionLedger/internal/event"
	"OptionLedger/internal/market"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// priceTickJSON is the wire form published by the market-data feed on
// optl.prices.{symbol}. price may be a JSON string or number; ts is unix
// milliseconds.
type priceTickJSON struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"`
}

// ParsePriceTick decodes and validates one feed message.
func ParsePriceTick(data []byte) (*event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceTick: %w", err)
	}
	symbol := market.NormalizeSymbol(j.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("parse PriceTick: symbol is required")
	}
	if !j.Price.IsPositive() {
		return nil, fmt.Errorf("parse PriceTick: price must be positive, got %s", j.Price)
	}
	if j.TS <= 0 {
		return nil, fmt.Errorf("parse PriceTick: ts is required")
	}
	return &event.PriceTick{
		Symbol:    symbol,
		Price:     j.Price,
		Timestamp: time.UnixMilli(j.TS).UTC(),
	}, nil
}
