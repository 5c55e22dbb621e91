package model

import (
	"time"

	"gorm.io/datatypes"
)

type SagaType string

const (
	SagaCreateUser SagaType = "create_user"
	SagaDeleteUser SagaType = "delete_user"
)

type SagaStatus string

const (
	SagaPending           SagaStatus = "pending"
	SagaLocalStepDone     SagaStatus = "local_step_done"
	SagaRemoteStepPending SagaStatus = "remote_step_pending"
	SagaRemoteStepDone    SagaStatus = "remote_step_done"
	SagaCompleted         SagaStatus = "completed"
	SagaCompensating      SagaStatus = "compensating"
	SagaCompensated       SagaStatus = "compensated"
	SagaFailed            SagaStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// ActiveSagaStatuses are the statuses a saga can sit in while work is outstanding.
var ActiveSagaStatuses = []SagaStatus{
	SagaPending, SagaLocalStepDone, SagaRemoteStepPending, SagaRemoteStepDone, SagaCompensating,
}

// Next-step markers recorded on the saga row.
const (
	StepCreateUser     = "create_user"
	StepCreateAccount  = "create_account"
	StepDeleteAccount  = "delete_account"
	StepDeleteUser     = "delete_user"
	StepCompensateUser = "compensate_user"
	StepComplete       = "complete"
)

// SagaTransaction is the durable record of one distributed operation.
// Rows are never deleted; they double as the audit trail.
type SagaTransaction struct {
	ID              uint64         `gorm:"primaryKey" json:"-"`
	SagaID          string         `gorm:"size:36;not null;uniqueIndex" json:"saga_id"`
	TransactionType SagaType       `gorm:"size:32;not null" json:"transaction_type"`
	Status          SagaStatus     `gorm:"size:32;not null;index" json:"status"`
	UserID          uint64         `gorm:"not null;default:0;index" json:"user_id,omitempty"`
	PayloadSnapshot datatypes.JSON `json:"payload_snapshot,omitempty"`
	RemoteResult    datatypes.JSON `json:"remote_result,omitempty"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount      int            `gorm:"not null;default:0" json:"retry_count"`
	NextStep        string         `gorm:"size:32" json:"next_step,omitempty"`
	Version         uint64         `gorm:"not null;default:0" json:"-"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SagaTransaction) TableName() string { return "saga_transactions" }
