package saga

import (
	"context"
	"errors"

	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/metrics"
	"go.uber.org/zap"
)

// EventConsumer feeds saga.* events from the broker to the orchestrator.
type EventConsumer struct {
	orch     *Orchestrator
	consumer broker.Consumer
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewEventConsumer(orch *Orchestrator, c broker.Consumer, log *zap.SugaredLogger, m *metrics.Metrics) *EventConsumer {
	return &EventConsumer{orch: orch, consumer: c, log: log, metrics: m}
}

// Run consumes until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context) error {
	c.log.Infow("saga event consumer started", "topics", message.EventTopics)
	err := c.consumer.Consume(ctx, c.Handle)
	c.log.Infow("saga event consumer stopped")
	return err
}

// Handle applies one event. Malformed or unroutable messages and events the
// saga cannot accept are logged and acknowledged; only infrastructure
// errors are returned so the message is redelivered.
func (c *EventConsumer) Handle(ctx context.Context, msg broker.Message) error {
	kind, err := message.KindFromTopic(msg.Topic)
	if err != nil || !kind.IsEvent() {
		c.log.Warnw("discarding message on unexpected topic", "topic", msg.Topic, "err", err)
		c.metrics.SagaEvent(ctx, msg.Topic, "discarded")
		return nil
	}
	evt, err := message.DecodeEvent(msg.Payload)
	if err != nil {
		c.log.Warnw("discarding malformed event", "topic", msg.Topic,
			"event_id", msg.Headers[message.HeaderEventID], "err", err)
		c.metrics.SagaEvent(ctx, string(kind), "discarded")
		return nil
	}

	err = c.orch.HandleEvent(ctx, kind, evt)
	switch {
	case err == nil:
		c.metrics.SagaEvent(ctx, string(kind), "applied")
		return nil
	case errors.Is(err, ErrSagaNotFound),
		errors.Is(err, ErrUnexpectedEvent),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, message.ErrUnknownKind):
		c.log.Warnw("event rejected", "kind", kind, "saga_id", evt.SagaID,
			"event_id", msg.Headers[message.HeaderEventID], "err", err)
		c.metrics.SagaEvent(ctx, string(kind), "rejected")
		return nil
	default:
		c.metrics.SagaEvent(ctx, string(kind), "errored")
		return err
	}
}
