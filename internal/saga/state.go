package saga

import (
	"fmt"

	"github.com/richardliu001/account-saga/internal/model"
)

// transitions lists every legal status change. Terminal statuses have no entry.
var transitions = map[model.SagaStatus][]model.SagaStatus{
	model.SagaPending: {
		model.SagaLocalStepDone, model.SagaRemoteStepPending, model.SagaRemoteStepDone,
		model.SagaCompensating, model.SagaFailed,
	},
	model.SagaLocalStepDone: {
		model.SagaRemoteStepPending, model.SagaRemoteStepDone, model.SagaCompensating, model.SagaFailed,
	},
	model.SagaRemoteStepPending: {
		model.SagaRemoteStepDone, model.SagaCompensating, model.SagaFailed,
	},
	model.SagaRemoteStepDone: {
		model.SagaCompleted, model.SagaFailed,
	},
	model.SagaCompensating: {
		model.SagaCompensated, model.SagaFailed,
	},
}

// CanTransition reports whether a saga may move from one status to another.
func CanTransition(from, to model.SagaStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(s *model.SagaTransaction, to model.SagaStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: saga %s %s -> %s", ErrInvalidTransition, s.SagaID, s.Status, to)
	}
	return nil
}

// ParseStatus accepts only the known saga statuses.
func ParseStatus(s string) (model.SagaStatus, error) {
	switch st := model.SagaStatus(s); st {
	case model.SagaPending, model.SagaLocalStepDone, model.SagaRemoteStepPending, model.SagaRemoteStepDone,
		model.SagaCompleted, model.SagaCompensating, model.SagaCompensated, model.SagaFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown saga status %q", s)
	}
}
