package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/account-saga/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserStore is the local user table of the user-service.
type UserStore interface {
	DB(ctx context.Context) *gorm.DB
	CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error
	GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]model.User, error)
	UpdateUser(ctx context.Context, tx *gorm.DB, u *model.User, updates map[string]interface{}) error
	DeleteUser(ctx context.Context, tx *gorm.DB, id uint64) error
	EmailExists(ctx context.Context, tx *gorm.DB, email string) (bool, error)
}

// CreateUser inserts u; a taken e-mail yields ErrDuplicate.
func (r *Repository) CreateUser(ctx context.Context, tx *gorm.DB, u *model.User) error {
	err := r.conn(ctx, tx).Create(u).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		r.log.Debugw("user e-mail already taken", "email", u.Email)
		return ErrDuplicate
	}
	return err
}

// GetUser locks the row when run inside a transaction.
func (r *Repository) GetUser(ctx context.Context, tx *gorm.DB, id uint64) (*model.User, error) {
	var u model.User
	q := r.conn(ctx, tx)
	if tx != nil && q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]model.User, error) {
	var out []model.User
	err := r.db.WithContext(ctx).Order("id").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// UpdateUser writes updates guarded by u.Version. On success u.Version is bumped.
func (r *Repository) UpdateUser(ctx context.Context, tx *gorm.DB, u *model.User, updates map[string]interface{}) error {
	updates["version"] = u.Version + 1
	res := r.conn(ctx, tx).
		Model(&model.User{}).
		Where("id = ? AND version = ?", u.ID, u.Version).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d version %d: %w", u.ID, u.Version, ErrOptimisticLock)
	}
	u.Version++
	return nil
}

// DeleteUser removes the row; a missing user yields ErrNotFound.
func (r *Repository) DeleteUser(ctx context.Context, tx *gorm.DB, id uint64) error {
	res := r.conn(ctx, tx).Delete(&model.User{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) EmailExists(ctx context.Context, tx *gorm.DB, email string) (bool, error) {
	var n int64
	err := r.conn(ctx, tx).Model(&model.User{}).Where("email = ?", email).Count(&n).Error
	return n > 0, err
}
