package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/richardliu001/account-saga/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes to any topic; the saga id is the message key so
// every message of one saga lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	closed atomic.Bool
	log    *zap.SugaredLogger
}

func NewKafkaPublisher(ctx context.Context, cfg config.BrokerConfig, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if err := connect(ctx, cfg.ConnAttempts, cfg.ConnRetryDelay, "kafka", log, func() error {
		return pingKafka(ctx, cfg.Brokers[0])
	}); err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, log: log}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	hs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: hs,
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}

// KafkaConsumer reads a consumer group and commits offsets only after the
// handler succeeded.
type KafkaConsumer struct {
	reader   *kafka.Reader
	maxDelay time.Duration
	log      *zap.SugaredLogger
}

func NewKafkaConsumer(ctx context.Context, cfg config.BrokerConfig, topics []string, retryMaxDelay time.Duration, log *zap.SugaredLogger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer: group id required")
	}
	if err := connect(ctx, cfg.ConnAttempts, cfg.ConnRetryDelay, "kafka", log, func() error {
		return pingKafka(ctx, cfg.Brokers[0])
	}); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &KafkaConsumer{reader: r, maxDelay: retryMaxDelay, log: log}, nil
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     string(m.Key),
			Payload: m.Value,
			Headers: make(map[string]string, len(m.Headers)),
		}
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}

		if err := handleWithRetry(ctx, handler, msg, c.maxDelay, c.log); err != nil {
			// only ctx ends the retry loop; the offset stays uncommitted
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func pingKafka(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka brokers: %w", err)
	}
	return nil
}
