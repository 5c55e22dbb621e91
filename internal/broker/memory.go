package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Publisher and Consumer used by tests and local
// wiring. Published messages are queued and handed to Consume in order;
// a failing handler keeps the message at the head of the queue.
type Memory struct {
	mu       sync.Mutex
	queue    []Message
	notify   chan struct{}
	closed   bool
	failWith error

	published []Message
	maxDelay  time.Duration
	log       *zap.SugaredLogger
}

func NewMemory(log *zap.SugaredLogger) *Memory {
	return &Memory{notify: make(chan struct{}, 1), maxDelay: 50 * time.Millisecond, log: log}
}

// FailPublish makes subsequent Publish calls return err until reset with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWith != nil {
		return m.failWith
	}
	hs := make(map[string]string, len(headers))
	for k, v := range headers {
		hs[k] = v
	}
	msg := Message{Topic: topic, Key: key, Payload: append([]byte(nil), payload...), Headers: hs}
	m.queue = append(m.queue, msg)
	m.published = append(m.published, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Published returns every message accepted so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published))
	copy(out, m.published)
	return out
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-m.notify:
				continue
			}
		}
		msg := m.queue[0]
		m.mu.Unlock()

		if err := handleWithRetry(ctx, handler, msg, m.maxDelay, m.log); err != nil {
			return nil
		}

		m.mu.Lock()
		m.queue = m.queue[1:]
		m.mu.Unlock()
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
