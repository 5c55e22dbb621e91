package saga

import (
	"testing"

	"github.com/richardliu001/account-saga/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []model.SagaStatus{
	model.SagaPending,
	model.SagaLocalStepDone,
	model.SagaRemoteStepPending,
	model.SagaRemoteStepDone,
	model.SagaCompensating,
	model.SagaCompleted,
	model.SagaCompensated,
	model.SagaFailed,
}

func TestNothingReturnsToPending(t *testing.T) {
	for _, from := range allStatuses {
		assert.False(t, CanTransition(from, model.SagaPending), "%s -> pending", from)
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to model.SagaStatus
		ok       bool
	}{
		{model.SagaPending, model.SagaLocalStepDone, true},
		{model.SagaPending, model.SagaRemoteStepPending, true},
		{model.SagaPending, model.SagaCompensating, true},
		{model.SagaPending, model.SagaCompleted, false},
		{model.SagaLocalStepDone, model.SagaRemoteStepDone, true},
		{model.SagaRemoteStepPending, model.SagaCompensating, true},
		{model.SagaRemoteStepPending, model.SagaLocalStepDone, false},
		{model.SagaRemoteStepDone, model.SagaCompleted, true},
		{model.SagaRemoteStepDone, model.SagaCompensating, false},
		{model.SagaCompensating, model.SagaCompensated, true},
		{model.SagaCompensating, model.SagaCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("remote_step_pending")
	require.NoError(t, err)
	assert.Equal(t, model.SagaRemoteStepPending, s)

	_, err = ParseStatus("done")
	assert.Error(t, err)
}
