package repo

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/account-saga/internal/model"
	"github.com/richardliu001/account-saga/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOutbox(t *testing.T, r *Repository, eventID string) *model.OutboxEvent {
	t.Helper()
	evt := &model.OutboxEvent{
		EventID: eventID, SagaID: "s-" + eventID, EventType: "create_account",
		TargetService: "account-service", Payload: []byte(`{"saga_id":"s"}`),
	}
	require.NoError(t, r.CreateOutboxEvent(context.Background(), nil, evt))
	return evt
}

func TestOutboxClaimIsExclusive(t *testing.T) {
	r := NewRepository(repotest.NewDB(t), nil, 0, repotest.Logger())
	ctx := context.Background()
	evt := seedOutbox(t, r, "e-claim")

	assert.Equal(t, model.OutboxPending, evt.Status)
	assert.Equal(t, model.DefaultMaxRetries, evt.MaxRetries)

	require.NoError(t, r.ClaimOutbox(ctx, evt.ID))
	assert.ErrorIs(t, r.ClaimOutbox(ctx, evt.ID), ErrNotClaimable, "second claimer must skip")

	require.NoError(t, r.MarkOutboxSent(ctx, evt.ID))
	got, err := r.GetOutboxEvent(ctx, "e-claim")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, got.Status)
	assert.NotNil(t, got.SentAt)

	pending, err := r.DrainPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxFailureBudget(t *testing.T) {
	r := NewRepository(repotest.NewDB(t), nil, 0, repotest.Logger())
	ctx := context.Background()
	evt := seedOutbox(t, r, "e-fail")

	want := []model.OutboxStatus{model.OutboxRetry, model.OutboxRetry, model.OutboxFailed}
	for i, w := range want {
		require.NoError(t, r.ClaimOutbox(ctx, evt.ID), "attempt %d", i+1)
		st, err := r.RecordOutboxFailure(ctx, evt, "broker down")
		require.NoError(t, err)
		assert.Equal(t, w, st, "attempt %d", i+1)
	}

	got, err := r.GetOutboxEvent(ctx, "e-fail")
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "broker down", got.LastError)
	assert.NotNil(t, got.FailedAt)
	assert.ErrorIs(t, r.ClaimOutbox(ctx, evt.ID), ErrNotClaimable, "failed entries stay put")

	require.NoError(t, r.ReplayOutbox(ctx, "e-fail"))
	got, err = r.GetOutboxEvent(ctx, "e-fail")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxRetry, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	assert.ErrorIs(t, r.ReplayOutbox(ctx, "e-fail"), ErrNotClaimable, "only failed entries replay")
	assert.ErrorIs(t, r.ReplayOutbox(ctx, "nope"), ErrNotFound)
}

func TestOutboxDrainOrderStaleAndCleanup(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewRepository(db, nil, 0, repotest.Logger())
	ctx := context.Background()

	a := seedOutbox(t, r, "e-a")
	b := seedOutbox(t, r, "e-b")
	c := seedOutbox(t, r, "e-c")
	base := time.Now().Add(-time.Hour)
	for i, e := range []*model.OutboxEvent{a, b, c} {
		require.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", e.ID).
			UpdateColumn("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	pending, err := r.DrainPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "e-a", pending[0].EventID)
	assert.Equal(t, "e-b", pending[1].EventID)

	// b is claimed and abandoned
	require.NoError(t, r.ClaimOutbox(ctx, b.ID))
	require.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", b.ID).
		UpdateColumn("claimed_at", time.Now().Add(-10*time.Minute)).Error)
	stale, err := r.StaleOutbox(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "e-b", stale[0].EventID)

	// c is sent long ago
	require.NoError(t, r.ClaimOutbox(ctx, c.ID))
	require.NoError(t, r.MarkOutboxSent(ctx, c.ID))
	require.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", c.ID).
		UpdateColumn("sent_at", time.Now().Add(-8*24*time.Hour)).Error)

	st, err := r.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStats{Pending: 1, Processing: 1, Sent: 1}, st)

	n, err := r.CleanupOutbox(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = r.GetOutboxEvent(ctx, "e-c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBalanceCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(nil, rdb, time.Minute, repotest.Logger())
	ctx := context.Background()

	mock.ExpectSet("balance:1", "12.5", time.Minute).SetVal("OK")
	require.NoError(t, r.CacheBalance(ctx, 1, decimal.RequireFromString("12.50")))

	mock.ExpectGet("balance:1").SetVal("12.5")
	bal, err := r.GetCachedBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("12.5")))

	mock.ExpectDel("balance:1").SetVal(1)
	require.NoError(t, r.EvictBalance(ctx, 1))

	// unreadable entries are dropped and read as a miss
	mock.ExpectGet("balance:2").SetVal("twelve")
	mock.ExpectDel("balance:2").SetVal(1)
	_, err = r.GetCachedBalance(ctx, 2)
	assert.ErrorIs(t, err, redis.Nil)

	assert.NoError(t, mock.ExpectationsWereMet())
}
