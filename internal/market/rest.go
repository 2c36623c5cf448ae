package market

import (
	"OptionLedger/internal/model"
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// RESTClient fetches spot prices from a Binance-compatible public endpoint.
type RESTClient struct {
	client *resty.Client
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewRESTClient builds a client against baseURL (e.g. https://api.binance.com).
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &RESTClient{client: c}
}

func (c *RESTClient) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)

	var out tickerPrice
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: %v", symbol, err)
	}
	if resp.IsError() {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: ticker status %d", symbol, resp.StatusCode())
	}

	p, err := decimal.NewFromString(out.Price)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, model.Errorf(model.ErrMarketUnavailable, "%s: bad price %q", symbol, out.Price)
	}
	return p, nil
}
