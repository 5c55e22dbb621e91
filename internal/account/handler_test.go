package account

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/outbox"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/richardliu001/account-saga/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	store   *repo.Repository
	relay   *outbox.Relay
	pub     *broker.Memory
	handler *CommandHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := repotest.NewDB(t)
	store := repo.NewRepository(db, nil, 0, repotest.Logger())
	pub := broker.NewMemory(repotest.Logger())
	relay := outbox.NewRelay(store, pub, config.RelayConfig{BatchSize: 10, MaxRetries: 3}, repotest.Logger())
	return &harness{
		db:      db,
		store:   store,
		relay:   relay,
		pub:     pub,
		handler: NewCommandHandler(store, relay, repotest.Logger(), nil),
	}
}

// events returns the events written to the outbox so far, oldest first.
func (h *harness) events(t *testing.T) []model.OutboxEvent {
	t.Helper()
	var evts []model.OutboxEvent
	require.NoError(t, h.db.Order("id").Find(&evts).Error)
	return evts
}

func createCmd(sagaID string, userID uint64) message.Command {
	zero := decimal.Zero
	return message.Command{
		CommandType: message.CommandCreateAccount, SagaID: sagaID, UserID: userID,
		AccountType: model.AccountSavings, Balance: &zero, Status: model.AccountActive, Timestamp: time.Now(),
	}
}

func TestCreateAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.handler.Handle(ctx, createCmd("s-1", 7))
	require.Equal(t, Applied, res.Outcome, res.Err)
	assert.Equal(t, message.EventAccountCreated, res.Event)

	acc, err := h.store.GetAccountByUser(ctx, nil, 7)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ACC\d{9}$`), acc.AccountNumber)
	assert.Equal(t, model.AccountSavings, acc.AccountType)
	assert.True(t, acc.Balance.IsZero())

	evts := h.events(t)
	require.Len(t, evts, 1)
	assert.Equal(t, string(message.EventAccountCreated), evts[0].EventType)
	assert.Equal(t, message.ServiceUser, evts[0].TargetService)
	evt, err := message.DecodeEvent(evts[0].Payload)
	require.NoError(t, err)
	require.NotNil(t, evt.AccountData)
	assert.Equal(t, acc.ID, evt.AccountData.ID)
	assert.Equal(t, acc.AccountNumber, evt.AccountData.AccountNumber)
}

func TestCreateAccountTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.handler.Handle(ctx, createCmd("s-dup", 8))
	require.Equal(t, Applied, first.Outcome)
	second := h.handler.Handle(ctx, createCmd("s-dup", 8))
	require.Equal(t, Applied, second.Outcome)
	assert.Equal(t, "account already exists", second.Reason)

	var n int64
	require.NoError(t, h.db.Model(&model.Account{}).Where("user_id = ?", 8).Count(&n).Error)
	assert.Equal(t, int64(1), n, "a redelivered command must not open a second account")

	evts := h.events(t)
	require.Len(t, evts, 2)
	a, err := message.DecodeEvent(evts[0].Payload)
	require.NoError(t, err)
	b, err := message.DecodeEvent(evts[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, a.AccountData.ID, b.AccountData.ID)
}

func TestCreateAccountRejectsInvalidCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cmd := createCmd("s-bad", 9)
	cmd.AccountType = "crypto"
	res := h.handler.Handle(ctx, cmd)
	require.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, message.EventAccountCreationFailed, res.Event)

	negative := decimal.NewFromInt(-5)
	cmd = createCmd("s-neg", 10)
	cmd.Balance = &negative
	res = h.handler.Handle(ctx, cmd)
	require.Equal(t, Rejected, res.Outcome)

	_, err := h.store.GetAccountByUser(ctx, nil, 9)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	evts := h.events(t)
	require.Len(t, evts, 2)
	evt, err := message.DecodeEvent(evts[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "s-bad", evt.SagaID)
	assert.NotEmpty(t, evt.Error)
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, Applied, h.handler.Handle(ctx, createCmd("s-c", 11)).Outcome)
	acc, err := h.store.GetAccountByUser(ctx, nil, 11)
	require.NoError(t, err)

	del := message.Command{CommandType: message.CommandDeleteAccount, SagaID: "s-d", UserID: 11}
	res := h.handler.Handle(ctx, del)
	require.Equal(t, Applied, res.Outcome)
	assert.Equal(t, message.EventAccountDeleted, res.Event)

	_, err = h.store.GetAccount(ctx, acc.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	evts := h.events(t)
	evt, err := message.DecodeEvent(evts[len(evts)-1].Payload)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, evt.DeletedAccountID)

	// the account is already gone: still a success
	res = h.handler.Handle(ctx, del)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, message.EventAccountDeleted, res.Event)
}

func TestDeleteAccountWithBalanceIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cmd := createCmd("s-rich", 12)
	hundred := decimal.NewFromInt(100)
	cmd.Balance = &hundred
	require.Equal(t, Applied, h.handler.Handle(ctx, cmd).Outcome)

	res := h.handler.Handle(ctx, message.Command{CommandType: message.CommandDeleteAccount, SagaID: "s-del", UserID: 12})
	require.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, message.EventAccountDeletionFailed, res.Event)
	assert.Contains(t, res.Reason, "100.00")

	_, err := h.store.GetAccountByUser(ctx, nil, 12)
	assert.NoError(t, err, "account must survive a refused delete")
}

func TestInfrastructureErrorWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res := h.handler.Handle(ctx, createCmd("s-down", 13))
	assert.Equal(t, Errored, res.Outcome)
	assert.Error(t, res.Err)
}

func TestUnknownCommandIsRejected(t *testing.T) {
	h := newHarness(t)
	res := h.handler.Handle(context.Background(), message.Command{CommandType: "freeze_account", SagaID: "s"})
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, message.ErrUnknownKind)
}

func TestCommandConsumerAcks(t *testing.T) {
	h := newHarness(t)
	c := NewCommandConsumer(h.handler, h.pub, repotest.Logger())
	ctx := context.Background()

	assert.NoError(t, c.Handle(ctx, broker.Message{Topic: "account.command.create", Payload: []byte("{")}),
		"malformed payloads are acknowledged")
	assert.NoError(t, c.Handle(ctx, broker.Message{Topic: "saga.account_created", Payload: []byte(`{"saga_id":"s"}`)}),
		"events on the command consumer are acknowledged")
	assert.NoError(t, c.Handle(ctx, broker.Message{
		Topic:   "account.command.create",
		Payload: []byte(`{"command_type":"create_account","saga_id":"s-ok","user_id":14,"timestamp":"2025-01-01T00:00:00Z"}`),
	}))

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Error(t, c.Handle(ctx, broker.Message{
		Topic:   "account.command.delete",
		Payload: []byte(`{"command_type":"delete_account","saga_id":"s-x","user_id":14,"timestamp":"2025-01-01T00:00:00Z"}`),
	}), "infrastructure errors are not acknowledged")
}

func TestBalanceReadsThroughCache(t *testing.T) {
	db := repotest.NewDB(t)
	rdb, mock := redismock.NewClientMock()
	store := repo.NewRepository(db, rdb, time.Minute, repotest.Logger())
	svc := NewService(store, repotest.Logger())
	ctx := context.Background()

	acc := &model.Account{UserID: 1, AccountNumber: "ACC000000001", Balance: decimal.NewFromInt(70),
		AccountType: model.AccountChecking, Status: model.AccountActive}
	require.NoError(t, store.CreateAccount(ctx, nil, acc))

	mock.ExpectGet("balance:1").RedisNil()
	mock.ExpectSet("balance:1", "70", time.Minute).SetVal("OK")
	bal, err := svc.Balance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "70", bal.StringFixed(0))

	mock.ExpectGet("balance:1").SetVal("70")
	bal, err = svc.Balance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "70", bal.StringFixed(0))

	_, err = svc.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
