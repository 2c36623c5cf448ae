package ingestion_test

import (
	"OptionLedger/internal/event"
	"OptionLedger/internal/ingestion"
	"OptionLedger/internal/market"
	"OptionLedger/internal/model"
	"OptionLedger/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATS_PriceFeedAndEventStream(t *testing.T) {
	testutil.RequireIntegration(t)
	log := testutil.Logger(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), log)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, log))

	// Inbound: a tick published on the feed lands in the cache.
	cache := market.NewPriceCache(time.Minute)
	sub := ingestion.NewPriceSubscriber(js, cache, nil, log)
	require.NoError(t, sub.Subscribe(ctx))
	defer sub.Stop()

	tick, _ := json.Marshal(map[string]any{"symbol": "BTCUSDT", "price": "61234.5", "ts": time.Now().UnixMilli()})
	_, err = js.Publish(ctx, "optl.prices.BTCUSDT", tick)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := cache.Price(ctx, "BTCUSDT")
		return err == nil && p.Equal(decimal.RequireFromString("61234.5"))
	}, 5*time.Second, 20*time.Millisecond)

	// Outbound: emitted events reach the event stream, deduplicated by key.
	pub := ingestion.NewPublisher(js, 16, nil, log)
	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pub.Run(runCtx) }()

	tr := &model.Trade{
		ID: uuid.New(), UserID: uuid.New(), Symbol: "BTCUSDT", Direction: model.DirectionUp,
		Amount: decimal.NewFromInt(100), Currency: "USDT", DurationSeconds: 30,
		EntryPrice: decimal.RequireFromString("61234.5"), ExpiresAt: time.Now().Add(30 * time.Second),
	}
	opened := event.NewTradeOpened(tr)
	pub.Emit(opened)
	pub.Emit(opened)

	stream, err := js.Stream(ctx, ingestion.EventStream)
	require.NoError(t, err)
	subject := ingestion.EventSubjectPrefix + opened.EventType().Subject()

	require.Eventually(t, func() bool {
		msg, err := stream.GetLastMsgForSubject(ctx, subject)
		if err != nil {
			return false
		}
		var env struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		return json.Unmarshal(msg.Data, &env) == nil && env.IdempotencyKey == opened.IdempotencyKey()
	}, 5*time.Second, 20*time.Millisecond)

	stopRun()
	assert.ErrorIs(t, <-done, context.Canceled)
}
