package ingestion

import (
	"OptionLedger/internal/market"
	"OptionLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subjects and streams.
const (
	PriceSubject  = "optl.prices.>"
	PriceStream   = "OPTL_PRICES"
	PriceConsumer = "optionledger-prices"

	EventSubjectPrefix = "optl.events."
	EventStream        = "OPTL_EVENTS"
)

// PriceSubscriber consumes the market-data feed into a PriceCache.
type PriceSubscriber struct {
	js       jetstream.JetStream
	cache    *market.PriceCache
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, cache *market.PriceCache, metrics *observability.Metrics, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{js: js, cache: cache, metrics: metrics, log: log}
}

// Subscribe creates the durable consumer and starts delivering ticks.
// Only the newest ticks matter, so delivery starts from the last message
// per subject rather than replaying the stream.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       PriceConsumer,
		FilterSubject: PriceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PriceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := ps.Handle(msg.Data()); err != nil {
			ps.log.Debug().Err(err).Str("subject", msg.Subject()).Msg("price tick rejected")
			// A malformed tick will not get better on redelivery.
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceConsumer, err)
	}
	ps.consumer = cc
	ps.log.Info().Str("subject", PriceSubject).Str("consumer", PriceConsumer).Msg("subscribed")
	return nil
}

// Handle parses one feed message and applies it to the cache. Ticks older
// than the cached one are ignored without error.
func (ps *PriceSubscriber) Handle(data []byte) error {
	tick, err := ParsePriceTick(data)
	if err != nil {
		if ps.metrics != nil {
			ps.metrics.PriceRejected.Inc()
		}
		return err
	}
	if !ps.cache.Update(market.Tick{Symbol: tick.Symbol, Price: tick.Price, At: tick.Timestamp}) {
		if ps.metrics != nil {
			ps.metrics.PriceRejected.Inc()
		}
		return nil
	}
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.Inc()
	}
	return nil
}

// Stop stops delivery.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the inbound price stream and the outbound event
// stream if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              PriceStream,
			Subjects:          []string{PriceSubject},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            time.Hour,
			MaxMsgsPerSubject: 1000,
			Replicas:          1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("optionledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
