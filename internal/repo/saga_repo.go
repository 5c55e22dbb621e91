package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/account-saga/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SagaStore is the persistence the orchestrator needs.
type SagaStore interface {
	DB(ctx context.Context) *gorm.DB
	CreateSaga(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction) error
	GetSaga(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaTransaction, error)
	GetSagaForUpdate(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaTransaction, error)
	UpdateSaga(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction, updates map[string]interface{}) error
	ActiveSagaForUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.SagaTransaction, error)
	ListSagas(ctx context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error)
	StaleSagas(ctx context.Context, updatedBefore time.Time, limit int) ([]model.SagaTransaction, error)
	CacheSaga(ctx context.Context, s *model.SagaTransaction) error
	GetCachedSaga(ctx context.Context, sagaID string) (*model.SagaTransaction, error)
}

func (r *Repository) CreateSaga(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction) error {
	return r.conn(ctx, tx).Create(s).Error
}

func (r *Repository) GetSaga(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaTransaction, error) {
	var s model.SagaTransaction
	if err := r.conn(ctx, tx).Where("saga_id = ?", sagaID).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// GetSagaForUpdate locks saga row.
func (r *Repository) GetSagaForUpdate(ctx context.Context, tx *gorm.DB, sagaID string) (*model.SagaTransaction, error) {
	var s model.SagaTransaction
	q := r.conn(ctx, tx)
	if q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("saga_id = ?", sagaID).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// UpdateSaga with optimistic lock. On success s.Version is bumped.
func (r *Repository) UpdateSaga(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction, updates map[string]interface{}) error {
	updates["version"] = s.Version + 1
	updates["updated_at"] = time.Now()
	res := r.conn(ctx, tx).
		Model(&model.SagaTransaction{}).
		Where("saga_id = ? AND version = ?", s.SagaID, s.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("saga %s version %d: %w", s.SagaID, s.Version, ErrOptimisticLock)
	}
	s.Version++
	return nil
}

// ActiveSagaForUser returns the non-terminal saga of a user, or nil.
func (r *Repository) ActiveSagaForUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.SagaTransaction, error) {
	var s model.SagaTransaction
	err := r.conn(ctx, tx).
		Where("user_id = ? AND status IN ?", userID, model.ActiveSagaStatuses).
		Order("created_at DESC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSagas returns the newest sagas, optionally filtered by status.
func (r *Repository) ListSagas(ctx context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error) {
	var out []model.SagaTransaction
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return out, q.Find(&out).Error
}

// StaleSagas lists non-terminal sagas untouched since updatedBefore.
func (r *Repository) StaleSagas(ctx context.Context, updatedBefore time.Time, limit int) ([]model.SagaTransaction, error) {
	var out []model.SagaTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", model.ActiveSagaStatuses, updatedBefore).
		Order("updated_at").Limit(limit).Find(&out).Error
	return out, err
}

func sagaKey(id string) string { return "saga:" + id }

// CacheSaga writes Redis. Only terminal sagas are cached.
func (r *Repository) CacheSaga(ctx context.Context, s *model.SagaTransaction) error {
	if r.rdb == nil || !s.Status.Terminal() {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, sagaKey(s.SagaID), b, r.cacheTTL).Err()
}

// GetCachedSaga reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedSaga(ctx context.Context, sagaID string) (*model.SagaTransaction, error) {
	if r.rdb == nil {
		return nil, redis.Nil
	}
	b, err := r.rdb.Get(ctx, sagaKey(sagaID)).Bytes()
	if err != nil {
		return nil, err
	}
	var s model.SagaTransaction
	if err := json.Unmarshal(b, &s); err != nil {
		r.log.Warnw("dropping unreadable saga cache entry", "saga_id", sagaID, "err", err)
		_ = r.rdb.Del(ctx, sagaKey(sagaID)).Err()
		return nil, redis.Nil
	}
	return &s, nil
}
