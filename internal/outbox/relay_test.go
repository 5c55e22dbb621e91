package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/account-saga/internal/broker"
	"github.com/richardliu001/account-saga/internal/config"
	"github.com/richardliu001/account-saga/internal/message"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo"
	"github.com/richardliu001/account-saga/internal/repo/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		PollInterval:   time.Hour,
		DeliverTimeout: time.Second,
		BatchSize:      10,
		MaxRetries:     3,
		ClaimLease:     time.Minute,
		Retention:      7 * 24 * time.Hour,
	}
}

func newTestRelay(t *testing.T, opts ...Option) (*Relay, *repo.Repository, *broker.Memory) {
	t.Helper()
	store := repo.NewRepository(repotest.NewDB(t), nil, 0, repotest.Logger())
	pub := broker.NewMemory(repotest.Logger())
	return NewRelay(store, pub, testRelayConfig(), repotest.Logger(), opts...), store, pub
}

func enqueue(t *testing.T, r *Relay, store *repo.Repository, sagaID string, kind message.Kind) string {
	t.Helper()
	ctx := context.Background()
	var id string
	err := store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = r.Enqueue(ctx, tx, sagaID, kind, message.ServiceAccount,
			message.Command{CommandType: kind, SagaID: sagaID, UserID: 1})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestRelayDeliversWithHeaders(t *testing.T) {
	var (
		mu     sync.Mutex
		hooked []string
	)
	r, store, pub := newTestRelay(t, WithSentHook(func(_ context.Context, evt model.OutboxEvent) {
		mu.Lock()
		hooked = append(hooked, evt.EventID)
		mu.Unlock()
	}))
	ctx := context.Background()

	id := enqueue(t, r, store, "saga-1", message.CommandCreateAccount)

	n, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := pub.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "account.command.create", msgs[0].Topic)
	assert.Equal(t, "saga-1", msgs[0].Key)
	assert.Equal(t, id, msgs[0].Headers[message.HeaderEventID])
	assert.Equal(t, "saga-1", msgs[0].Headers[message.HeaderCorrelationID])

	cmd, err := message.DecodeCommand(message.CommandCreateAccount, msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cmd.UserID)

	evt, err := store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, evt.Status)
	assert.Equal(t, []string{id}, hooked)

	n, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "sent entries are never drained again")
}

func TestRelayRolledBackEnqueueNeverLeaves(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	boom := errors.New("local step failed")
	err := store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.Enqueue(ctx, tx, "saga-rb", message.CommandCreateAccount, message.ServiceAccount, map[string]string{}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, pub.Published())
}

func TestRelayRetryBudget(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()
	id := enqueue(t, r, store, "saga-retry", message.CommandDeleteAccount)

	pub.FailPublish(errors.New("broker unavailable"))
	for i := 0; i < 3; i++ {
		_, err := r.ProcessBatch(ctx)
		require.NoError(t, err)
	}
	evt, err := store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, evt.Status)
	assert.Equal(t, 3, evt.RetryCount)
	assert.Equal(t, "broker unavailable", evt.LastError)

	pub.FailPublish(nil)
	n, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed entries wait for an operator")

	require.NoError(t, r.Replay(ctx, id))
	n, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.Published(), 1)

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Sent)
}

func TestRelayUnknownKindFailsImmediately(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	_, err := r.Enqueue(ctx, nil, "saga-x", message.Kind("freeze_account"), message.ServiceAccount, nil)
	assert.ErrorIs(t, err, message.ErrUnknownKind)

	// rows written by an older build may still carry a kind we no longer know
	require.NoError(t, store.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{
		EventID: "legacy", SagaID: "saga-x", EventType: "freeze_account",
		TargetService: message.ServiceAccount, Payload: []byte(`{}`),
	}))
	_, err = r.ProcessBatch(ctx)
	require.NoError(t, err)

	evt, err := store.GetOutboxEvent(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, evt.Status)
	assert.Empty(t, pub.Published())
}

func TestRelayReleaseStaleAndCleanup(t *testing.T) {
	r, store, _ := newTestRelay(t)
	ctx := context.Background()
	id := enqueue(t, r, store, "saga-stale", message.CommandCreateAccount)

	evt, err := store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.ClaimOutbox(ctx, evt.ID))
	require.NoError(t, store.DB(ctx).Model(&model.OutboxEvent{}).Where("id = ?", evt.ID).
		UpdateColumn("claimed_at", time.Now().Add(-time.Hour)).Error)

	n, err := r.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	evt, err = store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxRetry, evt.Status)
	assert.Equal(t, 1, evt.RetryCount)

	sent, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.NoError(t, store.DB(ctx).Model(&model.OutboxEvent{}).Where("id = ?", evt.ID).
		UpdateColumn("sent_at", time.Now().Add(-8*24*time.Hour)).Error)

	deleted, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRelayKickDeliversWithoutWaitingForTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	r, store, pub := newTestRelay(t)
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "second start is refused")

	enqueue(t, r, store, "saga-kick", message.CommandCreateAccount)
	r.Kick()

	assert.Eventually(t, func() bool { return len(pub.Published()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func TestRelayCancelSkipsUndeliveredEntries(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	sent := enqueue(t, r, store, "saga-c", message.CommandCreateAccount)
	_, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	queued := enqueue(t, r, store, "saga-c", message.CommandDeleteAccount)
	other := enqueue(t, r, store, "saga-other", message.CommandDeleteAccount)

	n, err := r.Cancel(ctx, nil, "saga-c", "saga ended")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetOutboxEvent(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, got.Status)
	assert.Equal(t, "cancelled: saga ended", got.LastError)

	got, err = store.GetOutboxEvent(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, got.Status, "delivered entries are not touched")

	_, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	msgs := pub.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, other, msgs[1].Headers[message.HeaderEventID])
}
