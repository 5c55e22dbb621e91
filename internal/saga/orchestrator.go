// Package saga coordinates user creation and deletion across the user-service
// and the account-service.
//
// Each saga is a row in saga_transactions moved through a fixed state
// machine. Every local change and the command that follows it are committed
// in one transaction together with an outbox entry; results come back as
// events and are applied idempotently. Events for a saga that already
// reached a terminal status change nothing.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/metrics"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/richardliu001/account-saga/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaInProgress is returned when the user already has a non-terminal saga.
	ErrSagaInProgress = errors.New("saga already in progress for user")
	// ErrInvalidTransition means the event does not fit the saga's current status.
	ErrInvalidTransition = errors.New("invalid saga transition")
	// ErrUnexpectedEvent means the event does not belong to this saga type.
	ErrUnexpectedEvent = errors.New("unexpected event for saga type")
)

// Outbox is where the orchestrator writes its commands.
type Outbox interface {
	Enqueue(ctx context.Context, tx *gorm.DB, sagaID string, kind message.Kind, target string, payload interface{}) (string, error)
	Cancel(ctx context.Context, tx *gorm.DB, sagaID, reason string) (int64, error)
	Kick()
}

// CreationResult is returned by InitiateUserCreation.
type CreationResult struct {
	SagaID string      `json:"saga_id"`
	Status string      `json:"status"`
	User   *model.User `json:"user"`
}

// DeletionResult is returned by InitiateUserDeletion.
type DeletionResult struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

const statusInitiated = "initiated"

type Orchestrator struct {
	sagas   repo.SagaStore
	users   repo.UserStore
	svc     *service.UserService
	outbox  Outbox
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(sagas repo.SagaStore, users repo.UserStore, svc *service.UserService, ob Outbox, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sagas:  sagas,
		users:  users,
		svc:    svc,
		outbox: ob,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// userSnapshot is what a saga remembers about the user, never the password.
type userSnapshot struct {
	UserID      uint64 `json:"user_id"`
	Name        string `json:"name"`
	FirstName   string `json:"first_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Role        string `json:"role"`
	AccountType string `json:"account_type,omitempty"`
}

func snapshotOf(u *model.User, accountType string) datatypes.JSON {
	b, _ := json.Marshal(userSnapshot{
		UserID: u.ID, Name: u.Name, FirstName: u.FirstName, Email: u.Email,
		Phone: u.Phone, Role: u.Role, AccountType: accountType,
	})
	return datatypes.JSON(b)
}

// InitiateUserCreation creates the user locally and queues create_account,
// all in one transaction. On any error nothing is persisted.
func (o *Orchestrator) InitiateUserCreation(ctx context.Context, in service.CreateUserInput) (*CreationResult, error) {
	u, err := o.svc.BuildUser(in)
	if err != nil {
		return nil, err
	}
	accountType := in.AccountType
	if accountType == "" {
		accountType = model.AccountChecking
	}

	s := &model.SagaTransaction{
		SagaID:          uuid.NewString(),
		TransactionType: model.SagaCreateUser,
		Status:          model.SagaPending,
		NextStep:        model.StepCreateUser,
		StartedAt:       o.now(),
	}
	err = o.sagas.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.sagas.CreateSaga(ctx, tx, s); err != nil {
			return fmt.Errorf("create saga: %w", err)
		}

		taken, err := o.users.EmailExists(ctx, tx, u.Email)
		if err != nil {
			return err
		}
		if taken {
			return service.ErrDuplicateEmail
		}
		if err := o.users.CreateUser(ctx, tx, u); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return service.ErrDuplicateEmail
			}
			return fmt.Errorf("create user: %w", err)
		}

		if err := o.transition(ctx, tx, s, model.SagaLocalStepDone, map[string]interface{}{
			"user_id":          u.ID,
			"payload_snapshot": snapshotOf(u, accountType),
			"next_step":        model.StepCreateAccount,
		}); err != nil {
			return err
		}
		s.UserID = u.ID

		zero := decimal.Zero
		cmd := message.Command{
			CommandType: message.CommandCreateAccount,
			SagaID:      s.SagaID,
			UserID:      u.ID,
			AccountType: accountType,
			Balance:     &zero,
			Status:      model.AccountActive,
			Timestamp:   o.now().UTC(),
		}
		_, err = o.outbox.Enqueue(ctx, tx, s.SagaID, message.CommandCreateAccount, message.ServiceAccount, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.outbox.Kick()
	o.metrics.SagaStarted(ctx, string(model.SagaCreateUser))
	o.log.Infow("user creation saga initiated", "saga_id", s.SagaID, "user_id", u.ID)
	return &CreationResult{SagaID: s.SagaID, Status: statusInitiated, User: u}, nil
}

// InitiateUserDeletion queues delete_account for an existing user. The local
// row is removed only once the account-service confirmed.
func (o *Orchestrator) InitiateUserDeletion(ctx context.Context, userID uint64) (*DeletionResult, error) {
	s := &model.SagaTransaction{
		SagaID:          uuid.NewString(),
		TransactionType: model.SagaDeleteUser,
		Status:          model.SagaPending,
		UserID:          userID,
		NextStep:        model.StepDeleteAccount,
		StartedAt:       o.now(),
	}
	err := o.sagas.DB(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := o.users.GetUser(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return service.ErrUserNotFound
			}
			return err
		}
		active, err := o.sagas.ActiveSagaForUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: %s (%s)", ErrSagaInProgress, active.SagaID, active.Status)
		}

		s.PayloadSnapshot = snapshotOf(u, "")
		if err := o.sagas.CreateSaga(ctx, tx, s); err != nil {
			return fmt.Errorf("create saga: %w", err)
		}
		cmd := message.Command{
			CommandType: message.CommandDeleteAccount,
			SagaID:      s.SagaID,
			UserID:      userID,
			Timestamp:   o.now().UTC(),
		}
		_, err = o.outbox.Enqueue(ctx, tx, s.SagaID, message.CommandDeleteAccount, message.ServiceAccount, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.outbox.Kick()
	o.metrics.SagaStarted(ctx, string(model.SagaDeleteUser))
	o.log.Infow("user deletion saga initiated", "saga_id", s.SagaID, "user_id", userID)
	return &DeletionResult{SagaID: s.SagaID, Status: statusInitiated}, nil
}

// HandleEvent dispatches a decoded event to its handler.
func (o *Orchestrator) HandleEvent(ctx context.Context, kind message.Kind, evt message.Event) error {
	switch kind {
	case message.EventAccountCreated:
		return o.HandleAccountCreated(ctx, evt.SagaID, evt.AccountData)
	case message.EventAccountCreationFailed:
		return o.HandleAccountCreationFailed(ctx, evt.SagaID, evt.Error)
	case message.EventAccountDeleted:
		return o.HandleAccountDeleted(ctx, evt.SagaID)
	case message.EventAccountDeletionFailed:
		return o.HandleAccountDeletionFailed(ctx, evt.SagaID, evt.Error)
	default:
		return fmt.Errorf("%w: %q", message.ErrUnknownKind, string(kind))
	}
}

// HandleAccountCreated completes a CreateUser saga.
func (o *Orchestrator) HandleAccountCreated(ctx context.Context, sagaID string, data *message.AccountData) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.TransactionType != model.SagaCreateUser {
			return fmt.Errorf("%w: account_created on %s", ErrUnexpectedEvent, s.TransactionType)
		}
		if s.Status.Terminal() {
			return o.removeOrphanAccount(ctx, tx, s)
		}

		var result datatypes.JSON
		if data != nil {
			b, err := json.Marshal(data)
			if err != nil {
				return err
			}
			result = datatypes.JSON(b)
		}
		if err := o.transition(ctx, tx, s, model.SagaRemoteStepDone, map[string]interface{}{
			"remote_result": result,
			"next_step":     model.StepComplete,
		}); err != nil {
			return err
		}
		return o.transition(ctx, tx, s, model.SagaCompleted, map[string]interface{}{"next_step": ""})
	})
}

// removeOrphanAccount handles an account that was created after the saga had
// already been compensated: the account-service is asked to delete it again.
func (o *Orchestrator) removeOrphanAccount(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction) error {
	if s.Status != model.SagaCompensated || s.NextStep == model.StepDeleteAccount {
		o.log.Infow("event for finished saga ignored", "saga_id", s.SagaID, "status", s.Status)
		return nil
	}
	cmd := message.Command{
		CommandType: message.CommandDeleteAccount,
		SagaID:      s.SagaID,
		UserID:      s.UserID,
		Timestamp:   o.now().UTC(),
	}
	if _, err := o.outbox.Enqueue(ctx, tx, s.SagaID, message.CommandDeleteAccount, message.ServiceAccount, cmd); err != nil {
		return err
	}
	o.log.Warnw("account created after compensation, deleting it", "saga_id", s.SagaID, "user_id", s.UserID)
	if err := o.sagas.UpdateSaga(ctx, tx, s, map[string]interface{}{"next_step": model.StepDeleteAccount}); err != nil {
		return err
	}
	s.NextStep = model.StepDeleteAccount
	return nil
}

// HandleAccountCreationFailed compensates a CreateUser saga by deleting the local user.
func (o *Orchestrator) HandleAccountCreationFailed(ctx context.Context, sagaID, reason string) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.Status.Terminal() {
			o.log.Infow("event for finished saga ignored", "saga_id", s.SagaID, "status", s.Status)
			return nil
		}
		switch s.TransactionType {
		case model.SagaCreateUser:
			return o.compensateCreation(ctx, tx, s, reason)
		case model.SagaDeleteUser:
			return o.abandonDeletion(ctx, tx, s, reason)
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedEvent, s.TransactionType)
		}
	})
}

func (o *Orchestrator) compensateCreation(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction, reason string) error {
	if err := o.transition(ctx, tx, s, model.SagaCompensating, map[string]interface{}{
		"error_message": reason,
		"next_step":     model.StepCompensateUser,
	}); err != nil {
		return err
	}

	// savepoint, so a failed delete leaves the saga row writable
	derr := tx.Transaction(func(inner *gorm.DB) error {
		return o.users.DeleteUser(ctx, inner, s.UserID)
	})
	if derr != nil && !errors.Is(derr, repo.ErrNotFound) {
		o.log.Errorw("compensation failed", "saga_id", s.SagaID, "user_id", s.UserID, "err", derr)
		return o.transition(ctx, tx, s, model.SagaFailed, map[string]interface{}{
			"error_message": fmt.Sprintf("compensation failed: %v (cause: %s)", derr, reason),
			"next_step":     "",
		})
	}
	return o.transition(ctx, tx, s, model.SagaCompensated, map[string]interface{}{"next_step": ""})
}

// abandonDeletion closes a DeleteUser saga the account-service refused.
// Nothing local was changed, so there is nothing to undo.
func (o *Orchestrator) abandonDeletion(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction, reason string) error {
	if err := o.transition(ctx, tx, s, model.SagaCompensating, map[string]interface{}{
		"error_message": reason,
		"next_step":     "",
	}); err != nil {
		return err
	}
	return o.transition(ctx, tx, s, model.SagaCompensated, nil)
}

// HandleAccountDeleted finishes a DeleteUser saga by removing the local user.
func (o *Orchestrator) HandleAccountDeleted(ctx context.Context, sagaID string) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.Status.Terminal() {
			return o.finishLateDeletion(ctx, tx, s)
		}
		if s.TransactionType != model.SagaDeleteUser {
			return fmt.Errorf("%w: account_deleted on %s", ErrUnexpectedEvent, s.TransactionType)
		}
		if err := o.transition(ctx, tx, s, model.SagaRemoteStepDone, map[string]interface{}{
			"next_step": model.StepDeleteUser,
		}); err != nil {
			return err
		}

		derr := tx.Transaction(func(inner *gorm.DB) error {
			return o.users.DeleteUser(ctx, inner, s.UserID)
		})
		if derr != nil && !errors.Is(derr, repo.ErrNotFound) {
			o.log.Errorw("local user delete failed", "saga_id", s.SagaID, "user_id", s.UserID, "err", derr)
			return o.transition(ctx, tx, s, model.SagaFailed, map[string]interface{}{
				"error_message": fmt.Sprintf("delete user: %v", derr),
			})
		}
		return o.transition(ctx, tx, s, model.SagaCompleted, map[string]interface{}{"next_step": ""})
	})
}

// finishLateDeletion handles account_deleted for a DeleteUser saga that was
// forced to failed while its command was in flight: the account is gone, so
// the local user goes too. The saga stays failed and records what happened.
func (o *Orchestrator) finishLateDeletion(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction) error {
	if s.TransactionType != model.SagaDeleteUser || s.Status != model.SagaFailed || s.NextStep != model.StepDeleteAccount {
		o.log.Infow("event for finished saga ignored", "saga_id", s.SagaID, "status", s.Status)
		return nil
	}
	derr := tx.Transaction(func(inner *gorm.DB) error {
		return o.users.DeleteUser(ctx, inner, s.UserID)
	})
	if derr != nil && !errors.Is(derr, repo.ErrNotFound) {
		return fmt.Errorf("delete user after late account_deleted: %w", derr)
	}
	o.log.Errorw("account deleted after the saga was ended, local user removed",
		"saga_id", s.SagaID, "user_id", s.UserID, "saga_error", s.ErrorMessage)
	msg := s.ErrorMessage + "; account deleted late, local user removed"
	if err := o.sagas.UpdateSaga(ctx, tx, s, map[string]interface{}{
		"next_step":     "",
		"error_message": msg,
	}); err != nil {
		return err
	}
	s.NextStep = ""
	s.ErrorMessage = msg
	return nil
}

// HandleAccountDeletionFailed closes a DeleteUser saga the account-service refused.
func (o *Orchestrator) HandleAccountDeletionFailed(ctx context.Context, sagaID, reason string) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.Status.Terminal() {
			o.log.Infow("event for finished saga ignored", "saga_id", s.SagaID, "status", s.Status)
			return nil
		}
		if s.TransactionType != model.SagaDeleteUser {
			return fmt.Errorf("%w: account_deletion_failed on %s", ErrUnexpectedEvent, s.TransactionType)
		}
		return o.abandonDeletion(ctx, tx, s, reason)
	})
}

// MarkRemoteStepPending records that the command left the outbox. Sagas that
// already moved further are left alone.
func (o *Orchestrator) MarkRemoteStepPending(ctx context.Context, sagaID string) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.Status != model.SagaPending && s.Status != model.SagaLocalStepDone {
			return nil
		}
		return o.transition(ctx, tx, s, model.SagaRemoteStepPending, nil)
	})
}

// OnCommandSent adapts MarkRemoteStepPending to the relay's sent hook.
func (o *Orchestrator) OnCommandSent(ctx context.Context, evt model.OutboxEvent) {
	if !message.Kind(evt.EventType).IsCommand() {
		return
	}
	if err := o.MarkRemoteStepPending(ctx, evt.SagaID); err != nil {
		o.log.Warnw("mark remote step pending", "saga_id", evt.SagaID, "event_id", evt.EventID, "err", err)
	}
}

// ForceCompensation ends a saga that stopped making progress. Commands still
// queued in the outbox are cancelled in the same transaction. A CreateUser
// saga is compensated; a DeleteUser saga is failed since the remote state is
// unknown and needs an operator.
func (o *Orchestrator) ForceCompensation(ctx context.Context, sagaID, reason string) error {
	return o.apply(ctx, sagaID, func(tx *gorm.DB, s *model.SagaTransaction) error {
		if s.Status.Terminal() {
			return nil
		}
		o.log.Warnw("forcing saga to end", "saga_id", s.SagaID, "type", s.TransactionType, "status", s.Status, "reason", reason)
		if _, err := o.outbox.Cancel(ctx, tx, s.SagaID, reason); err != nil {
			return err
		}
		switch s.TransactionType {
		case model.SagaCreateUser:
			if s.Status == model.SagaRemoteStepDone {
				return o.transition(ctx, tx, s, model.SagaFailed, map[string]interface{}{"error_message": reason})
			}
			return o.compensateCreation(ctx, tx, s, reason)
		case model.SagaDeleteUser:
			return o.transition(ctx, tx, s, model.SagaFailed, map[string]interface{}{
				"error_message": "remote state unknown: " + reason,
			})
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedEvent, s.TransactionType)
		}
	})
}

// GetSagaStatus returns the saga projection, from cache when it is terminal.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*model.SagaTransaction, error) {
	if s, err := o.sagas.GetCachedSaga(ctx, sagaID); err == nil {
		return s, nil
	} else if !errors.Is(err, redis.Nil) {
		o.log.Warnw("saga cache read", "saga_id", sagaID, "err", err)
	}

	s, err := o.sagas.GetSaga(ctx, nil, sagaID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	if err := o.sagas.CacheSaga(ctx, s); err != nil {
		o.log.Warnw("saga cache write", "saga_id", sagaID, "err", err)
	}
	return s, nil
}

// ListSagas returns the newest sagas. limit defaults to 50 and is capped at 500.
func (o *Orchestrator) ListSagas(ctx context.Context, status model.SagaStatus, limit int) ([]model.SagaTransaction, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	return o.sagas.ListSagas(ctx, status, limit)
}

// apply loads the saga in a transaction, runs fn and, once committed,
// records metrics and refreshes the cache of terminal sagas that were written.
func (o *Orchestrator) apply(ctx context.Context, sagaID string, fn func(tx *gorm.DB, s *model.SagaTransaction) error) error {
	var (
		s       *model.SagaTransaction
		before  model.SagaStatus
		version uint64
	)
	err := o.sagas.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		s, err = o.sagas.GetSagaForUpdate(ctx, tx, sagaID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
			}
			return err
		}
		before, version = s.Status, s.Version
		return fn(tx, s)
	})
	if err != nil {
		return err
	}
	if s.Status != before && s.Status.Terminal() {
		o.metrics.SagaFinished(ctx, string(s.TransactionType), string(s.Status))
		o.log.Infow("saga finished", "saga_id", s.SagaID, "type", s.TransactionType, "status", s.Status)
	}
	if s.Version != version && s.Status.Terminal() {
		if err := o.sagas.CacheSaga(ctx, s); err != nil {
			o.log.Warnw("saga cache write", "saga_id", s.SagaID, "err", err)
		}
	}
	o.outbox.Kick()
	return nil
}

// transition moves s to status `to` after checking the state table, stamping
// completion or failure times. fields are written in the same versioned update.
func (o *Orchestrator) transition(ctx context.Context, tx *gorm.DB, s *model.SagaTransaction, to model.SagaStatus, fields map[string]interface{}) error {
	if err := checkTransition(s, to); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = to
	now := o.now()
	switch to {
	case model.SagaCompleted, model.SagaCompensated:
		fields["completed_at"] = &now
		s.CompletedAt = &now
	case model.SagaFailed:
		fields["failed_at"] = &now
		s.FailedAt = &now
	}
	if err := o.sagas.UpdateSaga(ctx, tx, s, fields); err != nil {
		return err
	}
	s.Status = to
	if v, ok := fields["error_message"].(string); ok {
		s.ErrorMessage = v
	}
	if v, ok := fields["next_step"].(string); ok {
		s.NextStep = v
	}
	if v, ok := fields["remote_result"].(datatypes.JSON); ok {
		s.RemoteResult = v
	}
	o.log.Debugw("saga transition", "saga_id", s.SagaID, "to", to)
	return nil
}
