package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountStore is the account table of the account-service.
type AccountStore interface {
	DB(ctx context.Context) *gorm.DB
	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	GetAccount(ctx context.Context, id uint64) (*model.Account, error)
	GetAccountByUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*model.Account, error)
	UpdateAccount(ctx context.Context, tx *gorm.DB, a *model.Account, updates map[string]interface{}) error
	ListAccounts(ctx context.Context, limit, offset int) ([]model.Account, error)
	DeleteAccount(ctx context.Context, tx *gorm.DB, id uint64) error
	AccountNumberExists(ctx context.Context, tx *gorm.DB, number string) (bool, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	CacheBalance(ctx context.Context, accountID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error)
	EvictBalance(ctx context.Context, accountID uint64) error
}

func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	err := r.conn(ctx, tx).Create(a).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (r *Repository) GetAccount(ctx context.Context, id uint64) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// GetAccountByUser locks the user's account row when run inside a transaction.
func (r *Repository) GetAccountByUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Account, error) {
	var a model.Account
	q := r.conn(ctx, tx)
	if tx != nil && q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *Repository) GetAccountByNumber(ctx context.Context, number string) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("account_number = ?", number).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateAccount writes updates guarded by a.Version. On success a.Version is bumped.
func (r *Repository) UpdateAccount(ctx context.Context, tx *gorm.DB, a *model.Account, updates map[string]interface{}) error {
	updates["version"] = a.Version + 1
	res := r.conn(ctx, tx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d version %d: %w", a.ID, a.Version, ErrOptimisticLock)
	}
	a.Version++
	return nil
}

func (r *Repository) ListAccounts(ctx context.Context, limit, offset int) ([]model.Account, error) {
	var out []model.Account
	err := r.db.WithContext(ctx).Order("id").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

func (r *Repository) DeleteAccount(ctx context.Context, tx *gorm.DB, id uint64) error {
	res := r.conn(ctx, tx).Delete(&model.Account{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) AccountNumberExists(ctx context.Context, tx *gorm.DB, number string) (bool, error) {
	var n int64
	err := r.conn(ctx, tx).Model(&model.Account{}).Where("account_number = ?", number).Count(&n).Error
	return n > 0, err
}

func balanceKey(id uint64) string { return fmt.Sprintf("balance:%d", id) }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, accountID uint64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(accountID), bal.String(), r.cacheTTL).Err()
}

// GetCachedBalance reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, accountID uint64) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(accountID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(str)
	if err != nil {
		r.log.Warnw("dropping unreadable balance cache entry", "account_id", accountID, "err", err)
		_ = r.rdb.Del(ctx, balanceKey(accountID)).Err()
		return decimal.Zero, redis.Nil
	}
	return bal, nil
}

func (r *Repository) EvictBalance(ctx context.Context, accountID uint64) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(accountID)).Err()
}
