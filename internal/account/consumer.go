package account

import (
	"context"

	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/message"
	"go.uber.org/zap"
)

// CommandConsumer feeds account.command.* messages to the handler.
type CommandConsumer struct {
	handler  *CommandHandler
	consumer broker.Consumer
	log      *zap.SugaredLogger
}

func NewCommandConsumer(h *CommandHandler, c broker.Consumer, log *zap.SugaredLogger) *CommandConsumer {
	return &CommandConsumer{handler: h, consumer: c, log: log}
}

// Run consumes until ctx is cancelled.
func (c *CommandConsumer) Run(ctx context.Context) error {
	c.log.Infow("account command consumer started", "topics", message.CommandTopics)
	err := c.consumer.Consume(ctx, c.Handle)
	c.log.Infow("account command consumer stopped")
	return err
}

// Handle acknowledges applied and rejected commands as well as messages that
// can never be processed. Only Errored results are returned for redelivery.
func (c *CommandConsumer) Handle(ctx context.Context, msg broker.Message) error {
	kind, err := message.KindFromTopic(msg.Topic)
	if err != nil || !kind.IsCommand() {
		c.log.Warnw("discarding message on unexpected topic", "topic", msg.Topic, "err", err)
		return nil
	}
	cmd, err := message.DecodeCommand(kind, msg.Payload)
	if err != nil {
		c.log.Warnw("discarding malformed command", "topic", msg.Topic,
			"event_id", msg.Headers[message.HeaderEventID], "err", err)
		return nil
	}

	res := c.handler.Handle(ctx, cmd)
	if res.Outcome == Errored {
		return res.Err
	}
	return nil
}
