package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/message"
	"go.uber.org/zap"
)

// Subjects captured by the saga stream.
var streamSubjects = []string{"saga.>", "account.command.>"}

// dedupWindow is how long JetStream remembers a Nats-Msg-Id.
const dedupWindow = 2 * time.Minute

// NATSPublisher publishes to JetStream. The event id header doubles as the
// Nats-Msg-Id so a relay retry inside the dedup window is dropped by the server.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	closed atomic.Bool
	log    *zap.SugaredLogger
}

func NewNATSPublisher(ctx context.Context, cfg config.BrokerConfig, log *zap.SugaredLogger) (*NATSPublisher, error) {
	nc, js, err := dialJetStream(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	return &NATSPublisher{nc: nc, js: js, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	msg := nats.NewMsg(topic)
	msg.Data = payload
	if msg.Header == nil {
		msg.Header = make(nats.Header)
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("key", key)

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := headers[message.HeaderEventID]; id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	if _, err := p.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.nc.Drain()
}

// NATSConsumer is a durable queue subscription per topic with explicit acks.
type NATSConsumer struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	group    string
	topics   []string
	maxDelay time.Duration
	log      *zap.SugaredLogger
}

func NewNATSConsumer(ctx context.Context, cfg config.BrokerConfig, topics []string, retryMaxDelay time.Duration, log *zap.SugaredLogger) (*NATSConsumer, error) {
	if cfg.GroupID == "" {
		return nil, errors.New("nats consumer: group id required")
	}
	nc, js, err := dialJetStream(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("nats consumer: %w", err)
	}
	return &NATSConsumer{
		nc:       nc,
		js:       js,
		group:    cfg.GroupID,
		topics:   topics,
		maxDelay: retryMaxDelay,
		log:      log,
	}, nil
}

func (c *NATSConsumer) Consume(ctx context.Context, handler Handler) error {
	subs := make([]*nats.Subscription, 0, len(c.topics))
	defer func() {
		for _, s := range subs {
			_ = s.Drain()
		}
	}()

	for _, topic := range c.topics {
		sub, err := c.js.QueueSubscribe(topic, c.group, c.callback(ctx, handler),
			nats.Durable(durableName(c.group, topic)),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.DeliverAll(),
		)
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	<-ctx.Done()
	return nil
}

func (c *NATSConsumer) callback(ctx context.Context, handler Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		msg := Message{
			Topic:   m.Subject,
			Key:     m.Header.Get("key"),
			Payload: m.Data,
			Headers: make(map[string]string, len(m.Header)),
		}
		for k := range m.Header {
			msg.Headers[k] = m.Header.Get(k)
		}

		if err := handleWithRetry(ctx, handler, msg, c.maxDelay, c.log); err != nil {
			_ = m.Nak()
			return
		}
		if err := m.Ack(); err != nil {
			c.log.Warnw("nats ack failed", "subject", m.Subject, "err", err)
		}
	}
}

func (c *NATSConsumer) Close() error {
	return c.nc.Drain()
}

func dialJetStream(ctx context.Context, cfg config.BrokerConfig, log *zap.SugaredLogger) (*nats.Conn, nats.JetStreamContext, error) {
	var nc *nats.Conn
	err := connect(ctx, cfg.ConnAttempts, cfg.ConnRetryDelay, cfg.NATSURL, log, func() error {
		var err error
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name(cfg.GroupID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warnw("nats disconnected", "err", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Infow("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := ensureStream(js, cfg.Stream); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

func ensureStream(js nats.JetStreamContext, name string) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   streamSubjects,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// durableName maps a group and subject to a legal consumer name.
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "-" + topic)
}
