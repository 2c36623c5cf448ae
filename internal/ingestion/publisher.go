package ingestion

import (
	"OptionLedger/internal/event"
	"OptionLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DefaultPublishBuffer is the outbound queue length.
const DefaultPublishBuffer = 4096

// drainTimeout bounds how long Run keeps publishing queued events after
// its context is cancelled.
const drainTimeout = 2 * time.Second

// streamPublisher is the part of jetstream.JetStream the Publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher forwards committed domain events to optl.events.{type}.
// Emit never blocks: when the queue is full the event is dropped and
// counted. Downstream consumers can rebuild state from the read API.
type Publisher struct {
	js      streamPublisher
	queue   chan event.Envelope
	now     func() time.Time
	metrics *observability.Metrics
	log     zerolog.Logger
}

var _ event.Sink = (*Publisher)(nil)

func NewPublisher(js streamPublisher, buffer int, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = DefaultPublishBuffer
	}
	return &Publisher{
		js:      js,
		queue:   make(chan event.Envelope, buffer),
		now:     time.Now,
		metrics: metrics,
		log:     log,
	}
}

// Emit implements event.Sink.
func (p *Publisher) Emit(e event.Event) {
	env := event.Wrap(e, p.now())
	select {
	case p.queue <- env:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Warn().
			Str("event_type", env.EventType).
			Str("idempotency_key", env.IdempotencyKey).
			Msg("publish queue full, event dropped")
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left for a short grace period.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case env := <-p.queue:
			p.send(ctx, env)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case env := <-p.queue:
			p.send(ctx, env)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, env event.Envelope) {
	if err := p.publish(ctx, env); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		// Non-fatal: the change is already committed.
		p.log.Warn().Err(err).
			Str("event_type", env.EventType).
			Str("idempotency_key", env.IdempotencyKey).
			Msg("outbound publish failed")
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := EventSubjectPrefix + env.Payload.EventType().Subject()
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.IdempotencyKey))
	return err
}
