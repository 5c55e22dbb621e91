package repo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/account-saga/internal/logger"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOptimisticLock_StaleVersionLoses(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewRepository(db, nil, 0, must(logger.NewLogger("error")))
	ctx := context.Background()

	require.NoError(t, r.CreateSaga(ctx, nil, &model.SagaTransaction{
		SagaID: "s-1", TransactionType: model.SagaCreateUser, Status: model.SagaPending, StartedAt: time.Now(),
	}))

	first, err := r.GetSaga(ctx, nil, "s-1")
	require.NoError(t, err)
	second, err := r.GetSaga(ctx, nil, "s-1")
	require.NoError(t, err)

	require.NoError(t, r.UpdateSaga(ctx, nil, first, map[string]interface{}{"status": model.SagaLocalStepDone}))
	assert.Equal(t, uint64(1), first.Version)

	err = r.UpdateSaga(ctx, nil, second, map[string]interface{}{"status": model.SagaFailed})
	assert.ErrorIs(t, err, ErrOptimisticLock, "only one writer may win a version")

	final, err := r.GetSaga(ctx, nil, "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaLocalStepDone, final.Status)
}

func TestSagaRollbackLeavesNoRow(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewRepository(db, nil, 0, repotest.Logger())
	ctx := context.Background()

	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.CreateSaga(ctx, tx, &model.SagaTransaction{
			SagaID: "s-rollback", TransactionType: model.SagaCreateUser, Status: model.SagaPending, StartedAt: time.Now(),
		}); err != nil {
			return err
		}
		return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			EventID: "e-1", SagaID: "s-rollback", EventType: "create_account", TargetService: "account-service",
			Payload: []byte(`{}`),
		})
	})
	require.NoError(t, err)

	// a failing insert in the same transaction rolls back both rows
	err = r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.CreateSaga(ctx, tx, &model.SagaTransaction{
			SagaID: "s-2", TransactionType: model.SagaCreateUser, Status: model.SagaPending, StartedAt: time.Now(),
		}); err != nil {
			return err
		}
		return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
			EventID: "e-1", SagaID: "s-2", EventType: "create_account", TargetService: "account-service",
			Payload: []byte(`{}`),
		})
	})
	require.Error(t, err)

	_, err = r.GetSaga(ctx, nil, "s-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveSagaForUser(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewRepository(db, nil, 0, repotest.Logger())
	ctx := context.Background()

	none, err := r.ActiveSagaForUser(ctx, nil, 9)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, r.CreateSaga(ctx, nil, &model.SagaTransaction{
		SagaID: "done", TransactionType: model.SagaCreateUser, Status: model.SagaCompleted, UserID: 9, StartedAt: time.Now(),
	}))
	none, err = r.ActiveSagaForUser(ctx, nil, 9)
	require.NoError(t, err)
	assert.Nil(t, none, "terminal sagas are not active")

	require.NoError(t, r.CreateSaga(ctx, nil, &model.SagaTransaction{
		SagaID: "live", TransactionType: model.SagaDeleteUser, Status: model.SagaRemoteStepPending, UserID: 9, StartedAt: time.Now(),
	}))
	active, err := r.ActiveSagaForUser(ctx, nil, 9)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "live", active.SagaID)
}

func TestListAndStaleSagas(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewRepository(db, nil, 0, repotest.Logger())
	ctx := context.Background()

	for _, s := range []model.SagaTransaction{
		{SagaID: "a", TransactionType: model.SagaCreateUser, Status: model.SagaCompleted},
		{SagaID: "b", TransactionType: model.SagaCreateUser, Status: model.SagaLocalStepDone},
		{SagaID: "c", TransactionType: model.SagaDeleteUser, Status: model.SagaPending},
	} {
		s := s
		s.StartedAt = time.Now()
		require.NoError(t, r.CreateSaga(ctx, nil, &s))
	}

	all, err := r.ListSagas(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	done, err := r.ListSagas(ctx, model.SagaCompleted, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "a", done[0].SagaID)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&model.SagaTransaction{}).Where("saga_id = ?", "b").UpdateColumn("updated_at", old).Error)
	require.NoError(t, db.Model(&model.SagaTransaction{}).Where("saga_id = ?", "a").UpdateColumn("updated_at", old).Error)

	stale, err := r.StaleSagas(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1, "completed sagas are never stale")
	assert.Equal(t, "b", stale[0].SagaID)
}

func TestSagaCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(nil, rdb, time.Minute, repotest.Logger())
	ctx := context.Background()

	live := &model.SagaTransaction{SagaID: "s-live", Status: model.SagaRemoteStepPending}
	require.NoError(t, r.CacheSaga(ctx, live), "non-terminal sagas are not cached")

	done := &model.SagaTransaction{SagaID: "s-done", TransactionType: model.SagaCreateUser, Status: model.SagaCompleted}
	b, err := json.Marshal(done)
	require.NoError(t, err)
	mock.ExpectSet("saga:s-done", b, time.Minute).SetVal("OK")
	require.NoError(t, r.CacheSaga(ctx, done))

	mock.ExpectGet("saga:s-done").SetVal(string(b))
	got, err := r.GetCachedSaga(ctx, "s-done")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, got.Status)

	mock.ExpectGet("saga:s-missing").RedisNil()
	_, err = r.GetCachedSaga(ctx, "s-missing")
	assert.Error(t, err)

	mock.ExpectGet("saga:s-bad").SetVal("{not json")
	mock.ExpectDel("saga:s-bad").SetVal(1)
	_, err = r.GetCachedSaga(ctx, "s-bad")
	assert.ErrorIs(t, err, redis.Nil)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
