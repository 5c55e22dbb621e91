package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardliu001/account-saga/internal/config"
	"go.uber.org/zap"
)

// Reconciler ends sagas that have not moved for longer than StaleAfter,
// e.g. because the account-service never answered.
type Reconciler struct {
	orch *Orchestrator
	cfg  config.SagaConfig
	log  *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewReconciler(orch *Orchestrator, cfg config.SagaConfig, log *zap.SugaredLogger) *Reconciler {
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Reconciler{orch: orch, cfg: cfg, log: log}
}

// Sweep forces every stale saga to an end and returns how many were handled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.orch.sagas.StaleSagas(ctx, r.orch.now().Add(-r.cfg.StaleAfter), r.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale sagas: %w", err)
	}
	n := 0
	for _, s := range stale {
		reason := fmt.Sprintf("no progress for %s in status %s", r.cfg.StaleAfter, s.Status)
		if err := r.orch.ForceCompensation(ctx, s.SagaID, reason); err != nil {
			if errors.Is(err, context.Canceled) {
				return n, err
			}
			r.log.Errorw("reconcile saga", "saga_id", s.SagaID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("saga reconciler already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	interval := r.cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
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
				n, err := r.Sweep(r.ctx)
				if err != nil && r.ctx.Err() == nil {
					r.log.Errorw("saga reconcile sweep", "err", err)
				}
				if n > 0 {
					r.log.Warnw("stale sagas forced to end", "count", n)
				}
			}
		}
	}()
	return nil
}

func (r *Reconciler) Shutdown(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("saga reconciler shutdown: %w", ctx.Err())
	}
}
