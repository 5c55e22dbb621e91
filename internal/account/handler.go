// Package account is the account-service side of the user sagas: it applies
// create_account and delete_account commands and answers each one with
// exactly one event, written to its own outbox in the same transaction as
// the account change.
package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/metrics"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome classifies how a command ended.
type Outcome int

const (
	// Applied: the command took effect (or already had) and the success event was written.
	Applied Outcome = iota
	// Rejected: a business rule refused the command and the failure event was written.
	Rejected
	// Errored: an infrastructure error; nothing was written and the command must be redelivered.
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the typed outcome of Handle.
type Result struct {
	Outcome Outcome
	Event   message.EventKind
	Reason  string
	Err     error
}

const (
	accountNumberPrefix = "ACC"
	accountNumberDigits = 9
	numberAttempts      = 5
)

// ErrNonZeroBalance refuses deleting an account that still holds money.
var ErrNonZeroBalance = errors.New("account balance must be zero before deletion")

// Outbox is where the handler writes its events.
type Outbox interface {
	Enqueue(ctx context.Context, tx *gorm.DB, sagaID string, kind message.Kind, target string, payload interface{}) (string, error)
	Kick()
}

type CommandHandler struct {
	store   repo.AccountStore
	outbox  Outbox
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCommandHandler(store repo.AccountStore, ob Outbox, log *zap.SugaredLogger, m *metrics.Metrics) *CommandHandler {
	return &CommandHandler{store: store, outbox: ob, log: log, metrics: m}
}

// Handle applies cmd. Repeating a command is safe: a second create returns
// the existing account and a second delete reports the account as gone.
func (h *CommandHandler) Handle(ctx context.Context, cmd message.Command) Result {
	var res Result
	switch cmd.CommandType {
	case message.CommandCreateAccount:
		res = h.create(ctx, cmd)
	case message.CommandDeleteAccount:
		res = h.delete(ctx, cmd)
	default:
		res = Result{Outcome: Rejected, Err: fmt.Errorf("%w: %q", message.ErrUnknownKind, string(cmd.CommandType))}
	}

	h.metrics.CommandHandled(ctx, string(cmd.CommandType), res.Outcome.String())
	switch res.Outcome {
	case Applied, Rejected:
		h.outbox.Kick()
		h.log.Infow("account command handled", "saga_id", cmd.SagaID, "command", cmd.CommandType,
			"outcome", res.Outcome, "event", res.Event, "reason", res.Reason)
	case Errored:
		h.log.Errorw("account command failed", "saga_id", cmd.SagaID, "command", cmd.CommandType, "err", res.Err)
	}
	return res
}

func (h *CommandHandler) create(ctx context.Context, cmd message.Command) Result {
	var res Result
	err := h.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := h.store.GetAccountByUser(ctx, tx, cmd.UserID)
		switch {
		case err == nil:
			res = Result{Outcome: Applied, Event: message.EventAccountCreated, Reason: "account already exists"}
			return h.emit(ctx, tx, cmd.SagaID, message.EventAccountCreated, message.Event{
				SagaID: cmd.SagaID, AccountData: accountData(existing), UserID: cmd.UserID,
			})
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}

		acc, verr := newAccount(cmd)
		if verr != nil {
			res = Result{Outcome: Rejected, Event: message.EventAccountCreationFailed, Reason: verr.Error()}
			return h.emit(ctx, tx, cmd.SagaID, message.EventAccountCreationFailed, message.Event{
				SagaID: cmd.SagaID, Error: verr.Error(), UserID: cmd.UserID,
			})
		}
		if acc.AccountNumber, err = allocateNumber(ctx, h.store, tx); err != nil {
			return err
		}
		if err := h.store.CreateAccount(ctx, tx, acc); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		res = Result{Outcome: Applied, Event: message.EventAccountCreated}
		return h.emit(ctx, tx, cmd.SagaID, message.EventAccountCreated, message.Event{
			SagaID: cmd.SagaID, AccountData: accountData(acc), UserID: cmd.UserID,
		})
	})
	if err != nil {
		return Result{Outcome: Errored, Err: err}
	}
	return res
}

func (h *CommandHandler) delete(ctx context.Context, cmd message.Command) Result {
	var (
		res     Result
		deleted uint64
	)
	err := h.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := h.store.GetAccountByUser(ctx, tx, cmd.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			res = Result{Outcome: Applied, Event: message.EventAccountDeleted, Reason: "no account for user"}
			return h.emit(ctx, tx, cmd.SagaID, message.EventAccountDeleted, message.Event{
				SagaID: cmd.SagaID, UserID: cmd.UserID,
			})
		}
		if err != nil {
			return err
		}

		if !acc.Balance.IsZero() {
			reason := fmt.Sprintf("%v: balance %s", ErrNonZeroBalance, acc.Balance.StringFixed(2))
			res = Result{Outcome: Rejected, Event: message.EventAccountDeletionFailed, Reason: reason}
			return h.emit(ctx, tx, cmd.SagaID, message.EventAccountDeletionFailed, message.Event{
				SagaID: cmd.SagaID, Error: reason, UserID: cmd.UserID,
			})
		}

		if err := h.store.DeleteAccount(ctx, tx, acc.ID); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		deleted = acc.ID
		res = Result{Outcome: Applied, Event: message.EventAccountDeleted}
		return h.emit(ctx, tx, cmd.SagaID, message.EventAccountDeleted, message.Event{
			SagaID: cmd.SagaID, UserID: cmd.UserID, DeletedAccountID: acc.ID,
		})
	})
	if err != nil {
		return Result{Outcome: Errored, Err: err}
	}
	if deleted != 0 {
		if err := h.store.EvictBalance(ctx, deleted); err != nil {
			h.log.Warn(err)
		}
	}
	return res
}

func (h *CommandHandler) emit(ctx context.Context, tx *gorm.DB, sagaID string, kind message.EventKind, evt message.Event) error {
	_, err := h.outbox.Enqueue(ctx, tx, sagaID, kind, message.ServiceUser, evt)
	return err
}

// newAccount validates the command fields, applying defaults for the optional ones.
func newAccount(cmd message.Command) (*model.Account, error) {
	return buildAccount(cmd.UserID, cmd.AccountType, cmd.Status, cmd.Balance)
}

func buildAccount(userID uint64, accountType, status string, balance *decimal.Decimal) (*model.Account, error) {
	acc := &model.Account{
		UserID:      userID,
		AccountType: accountType,
		Status:      status,
		Balance:     decimal.Zero,
	}
	if acc.AccountType == "" {
		acc.AccountType = model.AccountChecking
	}
	if acc.Status == "" {
		acc.Status = model.AccountActive
	}
	if balance != nil {
		acc.Balance = *balance
	}
	if err := validateAccount(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func validateAccount(acc *model.Account) error {
	return validation.ValidateStruct(acc,
		validation.Field(&acc.UserID, validation.Required),
		validation.Field(&acc.AccountType, validation.In(model.AccountChecking, model.AccountSavings, model.AccountBusiness)),
		validation.Field(&acc.Status, validation.In(model.AccountActive, model.AccountInactive, model.AccountSuspended)),
		validation.Field(&acc.Balance, validation.By(nonNegative)),
	)
}

func nonNegative(v interface{}) error {
	d, ok := v.(decimal.Decimal)
	if !ok {
		return errors.New("must be a decimal")
	}
	if d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

// allocateNumber draws ACC + 9 random digits until an unused one is found.
func allocateNumber(ctx context.Context, store repo.AccountStore, tx *gorm.DB) (string, error) {
	limit := big.NewInt(1_000_000_000)
	for i := 0; i < numberAttempts; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		number := fmt.Sprintf("%s%0*d", accountNumberPrefix, accountNumberDigits, n.Int64())
		taken, err := store.AccountNumberExists(ctx, tx, number)
		if err != nil {
			return "", err
		}
		if !taken {
			return number, nil
		}
	}
	return "", errors.New("could not allocate a free account number")
}

func accountData(a *model.Account) *message.AccountData {
	return &message.AccountData{
		ID:            a.ID,
		UserID:        a.UserID,
		AccountNumber: a.AccountNumber,
		Balance:       a.Balance,
		AccountType:   a.AccountType,
		Status:        a.Status,
		CreatedAt:     a.CreatedAt,
	}
}
