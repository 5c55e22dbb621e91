package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/account-saga/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock is returned when a versioned update lost the race.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("duplicate")
	// ErrNotClaimable is returned when an outbox row is not in a claimable state.
	ErrNotClaimable = errors.New("outbox entry not claimable")
)

// Repository is the gorm + redis data layer shared by both services. Every
// method taking a tx runs on that handle; a nil tx means the plain pool.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, caching is then skipped.
func NewRepository(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration, logger *zap.SugaredLogger) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{db: db, rdb: rdb, cacheTTL: cacheTTL, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Migrate creates the tables of the user-service.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.DB(ctx).AutoMigrate(&model.User{}, &model.SagaTransaction{}, &model.OutboxEvent{})
}

// MigrateAccounts creates the tables of the account-service.
func (r *Repository) MigrateAccounts(ctx context.Context) error {
	return r.DB(ctx).AutoMigrate(&model.Account{}, &model.OutboxEvent{})
}

func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
