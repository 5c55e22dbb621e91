package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/account-saga/internal/model"
	"gorm.io/gorm"
)

// OutboxStore is the persistence the relay needs.
type OutboxStore interface {
	DB(ctx context.Context) *gorm.DB
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	DrainPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	ClaimOutbox(ctx context.Context, id uint64) error
	MarkOutboxSent(ctx context.Context, id uint64) error
	RecordOutboxFailure(ctx context.Context, evt *model.OutboxEvent, cause string) (model.OutboxStatus, error)
	FailOutbox(ctx context.Context, id uint64, cause string) error
	CancelOutboxForSaga(ctx context.Context, tx *gorm.DB, sagaID, cause string) (int64, error)
	StaleOutbox(ctx context.Context, claimedBefore time.Time, limit int) ([]model.OutboxEvent, error)
	CleanupOutbox(ctx context.Context, sentBefore time.Time) (int64, error)
	OutboxStats(ctx context.Context) (model.OutboxStats, error)
	ReplayOutbox(ctx context.Context, eventID string) error
	GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error)
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if evt.Status == "" {
		evt.Status = model.OutboxPending
	}
	if evt.MaxRetries <= 0 {
		evt.MaxRetries = model.DefaultMaxRetries
	}
	return r.conn(ctx, tx).Create(evt).Error
}

// DrainPending returns deliverable entries oldest first.
func (r *Repository) DrainPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.OutboxStatus{model.OutboxPending, model.OutboxRetry}).
		Order("created_at, id").Limit(limit).Find(&evts).Error
	return evts, err
}

// ClaimOutbox moves an entry to processing. ErrNotClaimable means another
// worker owns it or it is no longer deliverable.
func (r *Repository) ClaimOutbox(ctx context.Context, id uint64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status IN ?", id, []model.OutboxStatus{model.OutboxPending, model.OutboxRetry}).
		Updates(map[string]interface{}{"status": model.OutboxProcessing, "claimed_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}

// MarkOutboxSent finalizes a claimed entry.
func (r *Repository) MarkOutboxSent(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxProcessing).
		Updates(map[string]interface{}{"status": model.OutboxSent, "sent_at": &now, "last_error": ""}).Error
}

// RecordOutboxFailure counts a failed attempt on a claimed entry and returns
// the resulting status: retry, or failed once max_retries is reached.
func (r *Repository) RecordOutboxFailure(ctx context.Context, evt *model.OutboxEvent, cause string) (model.OutboxStatus, error) {
	next := evt.RetryCount + 1
	status := model.OutboxRetry
	updates := map[string]interface{}{
		"retry_count": next,
		"last_error":  cause,
		"claimed_at":  nil,
	}
	if next >= evt.MaxRetries {
		now := time.Now()
		status = model.OutboxFailed
		updates["failed_at"] = &now
	}
	updates["status"] = status

	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", evt.ID, model.OutboxProcessing).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrNotClaimable
	}
	evt.RetryCount = next
	evt.Status = status
	evt.LastError = cause
	return status, nil
}

// FailOutbox marks an entry failed without further attempts.
func (r *Repository) FailOutbox(ctx context.Context, id uint64, cause string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.OutboxFailed, "last_error": cause, "failed_at": &now}).Error
}

// CancelOutboxForSaga fails every undelivered (pending or retry) entry of a saga.
// Entries already claimed or sent are left alone.
func (r *Repository) CancelOutboxForSaga(ctx context.Context, tx *gorm.DB, sagaID, cause string) (int64, error) {
	now := time.Now()
	res := r.conn(ctx, tx).Model(&model.OutboxEvent{}).
		Where("saga_id = ? AND status IN ?", sagaID, []model.OutboxStatus{model.OutboxPending, model.OutboxRetry}).
		Updates(map[string]interface{}{"status": model.OutboxFailed, "last_error": cause, "failed_at": &now})
	return res.RowsAffected, res.Error
}

// StaleOutbox lists entries stuck in processing since before claimedBefore.
func (r *Repository) StaleOutbox(ctx context.Context, claimedBefore time.Time, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", model.OutboxProcessing, claimedBefore).
		Order("claimed_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// CleanupOutbox removes sent entries older than sentBefore.
func (r *Repository) CleanupOutbox(ctx context.Context, sentBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", model.OutboxSent, sentBefore).
		Delete(&model.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// OutboxStats counts entries per status.
func (r *Repository) OutboxStats(ctx context.Context) (model.OutboxStats, error) {
	var rows []struct {
		Status model.OutboxStatus
		N      int64
	}
	var st model.OutboxStats
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return st, err
	}
	for _, row := range rows {
		switch row.Status {
		case model.OutboxPending:
			st.Pending = row.N
		case model.OutboxProcessing:
			st.Processing = row.N
		case model.OutboxSent:
			st.Sent = row.N
		case model.OutboxFailed:
			st.Failed = row.N
		case model.OutboxRetry:
			st.Retry = row.N
		}
	}
	return st, nil
}

// ReplayOutbox gives a failed entry a fresh set of attempts.
func (r *Repository) ReplayOutbox(ctx context.Context, eventID string) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("event_id = ? AND status = ?", eventID, model.OutboxFailed).
		Updates(map[string]interface{}{"status": model.OutboxRetry, "retry_count": 0, "failed_at": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetOutboxEvent(ctx, eventID); err != nil {
			return err
		}
		return fmt.Errorf("replay %s: %w", eventID, ErrNotClaimable)
	}
	return nil
}

func (r *Repository) GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	var evt model.OutboxEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&evt).Error; err != nil {
		return nil, notFound(err)
	}
	return &evt, nil
}
