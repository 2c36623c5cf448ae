package ingestion_test

import (
	"OptionLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePriceTick(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"symbol": "btc/usdt",
		"price":  "60123.45",
		"ts":     int64(1700000000123),
	})

	tick, err := ingestion.ParsePriceTick(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("symbol: got %s, want BTCUSDT", tick.Symbol)
	}
	if tick.Price.String() != "60123.45" {
		t.Errorf("price: got %s, want 60123.45", tick.Price)
	}
	if want := time.UnixMilli(1700000000123).UTC(); !tick.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", tick.Timestamp, want)
	}
	if tick.IdempotencyKey() != "BTCUSDT:price:1700000000123000" {
		t.Errorf("idempotency key: got %s", tick.IdempotencyKey())
	}
}

func TestParsePriceTick_NumericPrice(t *testing.T) {
	tick, err := ingestion.ParsePriceTick([]byte(`{"symbol":"ETHUSDT","price":3000.5,"ts":1}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if tick.Price.String() != "3000.5" {
		t.Errorf("price: got %s, want 3000.5", tick.Price)
	}
}

func TestParsePriceTick_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":      `{"symbol":`,
		"missing symbol": `{"price":"1","ts":1}`,
		"zero price":     `{"symbol":"BTCUSDT","price":"0","ts":1}`,
		"negative price": `{"symbol":"BTCUSDT","price":"-5","ts":1}`,
		"missing ts":     `{"symbol":"BTCUSDT","price":"1"}`,
	}
	for name, payload := range cases {
		if _, err := ingestion.ParsePriceTick([]byte(payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
