package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidInput wraps every validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateEmail means another user already registered the address.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrUserNotFound is returned for an unknown user id.
	ErrUserNotFound = errors.New("user not found")
)

const adminDomain = "@company.com"

// CreateUserInput is the request to register a user. AccountType selects the
// bank account opened for the user and defaults to checking.
type CreateUserInput struct {
	Name        string `json:"name"`
	FirstName   string `json:"first_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
	AccountType string `json:"account_type"`
}

func (in CreateUserInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 128)),
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 128)),
		validation.Field(&in.Email, validation.Required, validation.Length(3, 255), is.EmailFormat),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&in.AccountType, validation.In(model.AccountChecking, model.AccountSavings, model.AccountBusiness)),
	)
}

// UpdateUserInput changes the fields that are set. A new e-mail re-derives the role.
type UpdateUserInput struct {
	Name      *string `json:"name"`
	FirstName *string `json:"first_name"`
	Email     *string `json:"email"`
	Phone     *string `json:"phone"`
	Password  *string `json:"password"`
}

func (in UpdateUserInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.NilOrNotEmpty, validation.Length(1, 128)),
		validation.Field(&in.FirstName, validation.NilOrNotEmpty, validation.Length(1, 128)),
		validation.Field(&in.Email, validation.NilOrNotEmpty, validation.Length(3, 255), is.EmailFormat),
		validation.Field(&in.Phone, validation.Length(0, 32)),
		validation.Field(&in.Password, validation.NilOrNotEmpty, validation.Length(8, 72)),
	)
}

func trimmed(p *string, lower bool) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if lower {
		v = strings.ToLower(v)
	}
	return &v
}

// RoleForEmail derives the role from the e-mail domain.
func RoleForEmail(email string) string {
	if strings.Contains(strings.ToLower(email), adminDomain) {
		return model.RoleAdmin
	}
	return model.RoleStandard
}

// UserService holds the local user rules of the user-service.
type UserService struct {
	repo     repo.UserStore
	log      *zap.SugaredLogger
	hashCost int
}

type Option func(*UserService)

// WithHashCost overrides the bcrypt cost.
func WithHashCost(cost int) Option { return func(s *UserService) { s.hashCost = cost } }

// NewUserService returns UserService.
func NewUserService(r repo.UserStore, logger *zap.SugaredLogger, opts ...Option) *UserService {
	s := &UserService{repo: r, log: logger, hashCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildUser validates in and returns the row to insert, password hashed.
func (s *UserService) BuildUser(in CreateUserInput) (*model.User, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.FirstName = strings.TrimSpace(in.FirstName)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &model.User{
		Name:         in.Name,
		FirstName:    in.FirstName,
		Email:        in.Email,
		Phone:        in.Phone,
		Role:         RoleForEmail(in.Email),
		PasswordHash: string(hash),
	}, nil
}

func (s *UserService) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	u, err := s.repo.GetUser(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// ListUsers pages through users; limit is clamped to [1,100].
func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]model.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListUsers(ctx, limit, offset)
}

// UpdateUser applies in to the user and returns the stored row.
func (s *UserService) UpdateUser(ctx context.Context, id uint64, in UpdateUserInput) (*model.User, error) {
	in.Name, in.FirstName, in.Email = trimmed(in.Name, false), trimmed(in.FirstName, false), trimmed(in.Email, true)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.FirstName != nil {
		updates["first_name"] = *in.FirstName
	}
	if in.Phone != nil {
		updates["phone"] = *in.Phone
	}
	if in.Email != nil && *in.Email != u.Email {
		updates["email"] = *in.Email
		updates["role"] = RoleForEmail(*in.Email)
	}
	if in.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), s.hashCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		updates["password_hash"] = string(hash)
	}
	changed := len(updates)
	if changed == 0 {
		return u, nil
	}

	if err := s.repo.UpdateUser(ctx, nil, u, updates); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			s.log.Infow("update rejected, e-mail taken", "user_id", id, "email", *in.Email)
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	if role, ok := updates["role"]; ok && role != u.Role {
		s.log.Infow("user role changed", "user_id", id, "from", u.Role, "to", role)
	}
	s.log.Debugw("user updated", "user_id", id, "fields", changed)
	return s.GetUser(ctx, id)
}
