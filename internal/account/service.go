package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrAccountNotFound is returned for an unknown account or user.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists means the user already holds an account.
	ErrAccountExists = errors.New("user already has an account")
	// ErrInvalidAccount wraps every validation failure.
	ErrInvalidAccount = errors.New("invalid account")
)

// CreateInput opens an account directly, outside any saga.
type CreateInput struct {
	UserID      uint64           `json:"user_id"`
	AccountType string           `json:"account_type"`
	Status      string           `json:"status"`
	Balance     *decimal.Decimal `json:"balance"`
}

// UpdateInput changes the fields that are set.
type UpdateInput struct {
	AccountType *string          `json:"account_type"`
	Status      *string          `json:"status"`
	Balance     *decimal.Decimal `json:"balance"`
}

// Service serves the account REST surface.
type Service struct {
	store repo.AccountStore
	log   *zap.SugaredLogger
}

func NewService(store repo.AccountStore, log *zap.SugaredLogger) *Service {
	return &Service{store: store, log: log}
}

func (s *Service) Get(ctx context.Context, id uint64) (*model.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*model.Account, error) {
	a, err := s.store.GetAccountByNumber(ctx, number)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (s *Service) GetByUser(ctx context.Context, userID uint64) (*model.Account, error) {
	a, err := s.store.GetAccountByUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// List pages through accounts; limit is clamped to [1,100].
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAccounts(ctx, limit, offset)
}

// Balance reads through the Redis cache.
func (s *Service) Balance(ctx context.Context, id uint64) (decimal.Decimal, error) {
	bal, err := s.store.GetCachedBalance(ctx, id)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warnw("balance cache read", "account_id", id, "err", err)
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.store.CacheBalance(ctx, id, a.Balance); err != nil {
		s.log.Warn(err)
	}
	return a.Balance, nil
}

// Create opens an account for in.UserID with a freshly allocated number.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Account, error) {
	acc, err := buildAccount(in.UserID, in.AccountType, in.Status, in.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	err = s.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		_, gerr := s.store.GetAccountByUser(ctx, tx, in.UserID)
		switch {
		case gerr == nil:
			return ErrAccountExists
		case !errors.Is(gerr, repo.ErrNotFound):
			return gerr
		}
		number, err := allocateNumber(ctx, s.store, tx)
		if err != nil {
			return err
		}
		acc.AccountNumber = number
		return s.store.CreateAccount(ctx, tx, acc)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		err = ErrAccountExists
	}
	if err != nil {
		return nil, err
	}
	s.log.Infow("account opened", "account_id", acc.ID, "user_id", acc.UserID, "number", acc.AccountNumber)
	return acc, nil
}

// Update applies in to the account. The write is guarded by the row version.
func (s *Service) Update(ctx context.Context, id uint64, in UpdateInput) (*model.Account, error) {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *acc
	updates := map[string]interface{}{}
	if in.AccountType != nil {
		next.AccountType = *in.AccountType
		updates["account_type"] = *in.AccountType
	}
	if in.Status != nil {
		next.Status = *in.Status
		updates["status"] = *in.Status
	}
	if in.Balance != nil {
		next.Balance = *in.Balance
		updates["balance"] = *in.Balance
	}
	if err := validateAccount(&next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if len(updates) == 0 {
		return acc, nil
	}

	if err := s.store.UpdateAccount(ctx, nil, acc, updates); err != nil {
		return nil, err
	}
	s.evict(ctx, id)
	s.log.Infow("account updated", "account_id", id, "status", next.Status, "type", next.AccountType)
	return s.Get(ctx, id)
}

// Delete removes the account. Only an empty account can be removed.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, acc)
}

// DeleteByUser removes the account of userID under the same balance rule as Delete.
func (s *Service) DeleteByUser(ctx context.Context, userID uint64) error {
	acc, err := s.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.remove(ctx, acc)
}

func (s *Service) remove(ctx context.Context, acc *model.Account) error {
	if !acc.Balance.IsZero() {
		return fmt.Errorf("%w: balance %s", ErrNonZeroBalance, acc.Balance.StringFixed(2))
	}
	if err := s.store.DeleteAccount(ctx, nil, acc.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	s.evict(ctx, acc.ID)
	s.log.Infow("account closed", "account_id", acc.ID, "user_id", acc.UserID)
	return nil
}

func (s *Service) evict(ctx context.Context, id uint64) {
	if err := s.store.EvictBalance(ctx, id); err != nil {
		s.log.Warnw("balance cache evict", "account_id", id, "err", err)
	}
}
