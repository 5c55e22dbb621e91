// Package broker is the message channel between the services.
//
// A Publisher sends one message per call; a Consumer delivers messages to a
// Handler and acknowledges them only when the handler returns nil. A handler
// error means an infrastructure failure: the message is retried with backoff
// and never acknowledged while it fails.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/richardliu001/account-saga/internal/config"
	"go.uber.org/zap"
)

const (
	DriverKafka = "kafka"
	DriverNATS  = "nats"
)

// ErrClosed is returned when publishing on a closed client.
var ErrClosed = errors.New("broker client closed")

// Message is a delivered broker message.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Handler processes one message. nil acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is cancelled or the subscription breaks.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// NewPublisher connects the configured driver.
func NewPublisher(ctx context.Context, cfg config.BrokerConfig, log *zap.SugaredLogger) (Publisher, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaPublisher(ctx, cfg, log)
	case DriverNATS:
		return NewNATSPublisher(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// NewConsumer subscribes the configured driver's consumer group to topics.
func NewConsumer(ctx context.Context, cfg config.BrokerConfig, topics []string, retryMaxDelay time.Duration, log *zap.SugaredLogger) (Consumer, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaConsumer(ctx, cfg, topics, retryMaxDelay, log)
	case DriverNATS:
		return NewNATSConsumer(ctx, cfg, topics, retryMaxDelay, log)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// connect runs dial until it succeeds or the attempts are used up.
func connect(ctx context.Context, attempts uint, delay time.Duration, what string, log *zap.SugaredLogger, dial func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		dial,
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warnw("broker connect failed", "target", what, "attempt", n+1, "left", attempts-n-1, "err", err)
		}),
	)
}

// handleWithRetry calls h until it returns nil or ctx ends.
func handleWithRetry(ctx context.Context, h Handler, msg Message, maxDelay time.Duration, log *zap.SugaredLogger) error {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return retry.Do(
		func() error { return h(ctx, msg) },
		retry.Attempts(0),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warnw("handler failed, message will be retried",
				"topic", msg.Topic, "key", msg.Key, "attempt", n+1, "err", err)
		}),
	)
}
