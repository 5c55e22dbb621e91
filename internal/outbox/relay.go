// Package outbox delivers outbox entries to the broker.
//
// Entries are written by the domain code inside its own transaction through
// Enqueue. The Relay then claims each pending entry, publishes it and records
// the outcome, so a message leaves the service if and only if the local change
// that produced it committed. Delivery is at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/metrics"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SentHook is called after an entry was published and marked sent.
type SentHook func(ctx context.Context, evt model.OutboxEvent)

type Option func(*Relay)

func WithSentHook(h SentHook) Option { return func(r *Relay) { r.onSent = h } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

type Relay struct {
	store   repo.OutboxStore
	pub     broker.Publisher
	cfg     config.RelayConfig
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	onSent  SentHook

	kick chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewRelay(store repo.OutboxStore, pub broker.Publisher, cfg config.RelayConfig, log *zap.SugaredLogger, opts ...Option) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = model.DefaultMaxRetries
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	r := &Relay{
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   log,
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue writes a pending entry on tx. An error must abort the caller's transaction.
func (r *Relay) Enqueue(ctx context.Context, tx *gorm.DB, sagaID string, kind message.Kind, target string, payload interface{}) (string, error) {
	if _, err := kind.Topic(); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	evt := &model.OutboxEvent{
		EventID:       uuid.NewString(),
		SagaID:        sagaID,
		EventType:     string(kind),
		TargetService: target,
		Payload:       datatypes.JSON(body),
		Status:        model.OutboxPending,
		MaxRetries:    r.cfg.MaxRetries,
	}
	if err := r.store.CreateOutboxEvent(ctx, tx, evt); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return evt.EventID, nil
}

// Kick asks the poll loop for an immediate pass. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("outbox relay already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.pollLoop()

	if r.cfg.ClaimLease > 0 {
		r.worker(r.cfg.ClaimLease, func() {
			if _, err := r.ReleaseStale(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Errorw("release stale outbox entries", "err", err)
			}
		})
	}
	if r.cfg.CleanupInterval > 0 && r.cfg.Retention > 0 {
		r.worker(r.cfg.CleanupInterval, func() {
			if _, err := r.Cleanup(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Errorw("outbox cleanup", "err", err)
			}
		})
	}
	r.log.Infow("outbox relay started", "poll_interval", r.cfg.PollInterval, "batch", r.cfg.BatchSize)
	return nil
}

func (r *Relay) pollLoop() {
	defer r.wg.Done()

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if _, err := r.ProcessBatch(r.ctx); err != nil && r.ctx.Err() == nil {
			r.log.Errorw("outbox batch", "err", err)
		}
	}
}

func (r *Relay) worker(interval time.Duration, task func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

// Shutdown stops the loops and waits for in-flight deliveries or ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Infow("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox relay shutdown: %w", ctx.Err())
	}
}

// ProcessBatch delivers up to BatchSize pending entries and returns how many were sent.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	evts, err := r.store.DrainPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("drain outbox: %w", err)
	}
	sent := 0
	for i := range evts {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.Deliver(ctx, evts[i])
		if err != nil {
			r.log.Warnw("outbox delivery failed", "event_id", evts[i].EventID, "saga_id", evts[i].SagaID, "err", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Deliver claims and publishes one entry. It reports false without error
// when another worker already owns the entry.
func (r *Relay) Deliver(ctx context.Context, evt model.OutboxEvent) (bool, error) {
	if err := r.store.ClaimOutbox(ctx, evt.ID); err != nil {
		if errors.Is(err, repo.ErrNotClaimable) {
			return false, nil
		}
		return false, fmt.Errorf("claim: %w", err)
	}
	// bookkeeping after the claim must survive a cancelled caller
	bg := context.WithoutCancel(ctx)

	kind := message.Kind(evt.EventType)
	topic, err := kind.Topic()
	if err != nil {
		if ferr := r.store.FailOutbox(bg, evt.ID, err.Error()); ferr != nil {
			return false, ferr
		}
		r.metrics.OutboxDelivery(bg, evt.EventType, string(model.OutboxFailed), 0)
		return false, err
	}

	headers := map[string]string{
		message.HeaderEventID:       evt.EventID,
		message.HeaderCorrelationID: evt.SagaID,
		message.HeaderKind:          evt.EventType,
	}
	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliverTimeout)
	err = r.pub.Publish(sendCtx, topic, evt.SagaID, evt.Payload, headers)
	cancel()
	took := time.Since(start)

	if err != nil {
		status, ferr := r.store.RecordOutboxFailure(bg, &evt, err.Error())
		if ferr != nil {
			return false, fmt.Errorf("record failure: %w (publish: %v)", ferr, err)
		}
		r.metrics.OutboxDelivery(bg, evt.EventType, string(status), took)
		if status == model.OutboxFailed {
			r.log.Errorw("outbox entry exhausted its retries", "event_id", evt.EventID, "saga_id", evt.SagaID,
				"event_type", evt.EventType, "retry_count", evt.RetryCount, "err", err)
		}
		return false, err
	}

	if err := r.store.MarkOutboxSent(bg, evt.ID); err != nil {
		// the message is out; a later pass may resend it, consumers dedupe
		return true, fmt.Errorf("mark sent: %w", err)
	}
	r.metrics.OutboxDelivery(bg, evt.EventType, string(model.OutboxSent), took)
	r.log.Debugw("outbox entry sent", "event_id", evt.EventID, "saga_id", evt.SagaID, "topic", topic)

	if r.onSent != nil {
		evt.Status = model.OutboxSent
		r.onSent(bg, evt)
	}
	return true, nil
}

// ReleaseStale counts entries stuck in processing past the claim lease as a failed attempt.
func (r *Relay) ReleaseStale(ctx context.Context) (int, error) {
	lease := r.cfg.ClaimLease
	if lease <= 0 {
		lease = time.Minute
	}
	evts, err := r.store.StaleOutbox(ctx, time.Now().Add(-lease), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range evts {
		status, err := r.store.RecordOutboxFailure(ctx, &evts[i], "claim lease expired")
		if err != nil {
			if errors.Is(err, repo.ErrNotClaimable) {
				continue
			}
			return n, err
		}
		n++
		r.log.Warnw("released stale outbox claim", "event_id", evts[i].EventID, "status", status)
	}
	return n, nil
}

// Cleanup deletes sent entries older than the retention window.
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	n, err := r.store.CleanupOutbox(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Infow("outbox cleanup", "deleted", n)
	}
	return n, nil
}

// Cancel fails the saga's undelivered entries on tx, so they are never published.
func (r *Relay) Cancel(ctx context.Context, tx *gorm.DB, sagaID, reason string) (int64, error) {
	n, err := r.store.CancelOutboxForSaga(ctx, tx, sagaID, "cancelled: "+reason)
	if err != nil {
		return 0, fmt.Errorf("cancel outbox of saga %s: %w", sagaID, err)
	}
	if n > 0 {
		r.log.Warnw("undelivered outbox entries cancelled", "saga_id", sagaID, "count", n, "reason", reason)
	}
	return n, nil
}

func (r *Relay) Stats(ctx context.Context) (model.OutboxStats, error) {
	return r.store.OutboxStats(ctx)
}

// Replay resets a failed entry for another round of attempts.
func (r *Relay) Replay(ctx context.Context, eventID string) error {
	if err := r.store.ReplayOutbox(ctx, eventID); err != nil {
		return err
	}
	r.log.Infow("outbox entry replayed", "event_id", eventID)
	r.Kick()
	return nil
}
