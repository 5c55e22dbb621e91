package model

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
	OutboxRetry      OutboxStatus = "retry"
)

// DefaultMaxRetries bounds delivery attempts when the caller sets none.
const DefaultMaxRetries = 3

// OutboxEvent is a command or event waiting to be relayed to the broker.
// It is written in the same transaction as the local change that produced it.
type OutboxEvent struct {
	ID            uint64         `gorm:"primaryKey" json:"-"`
	EventID       string         `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	SagaID        string         `gorm:"size:36;not null;index" json:"saga_id"`
	EventType     string         `gorm:"size:64;not null" json:"event_type"`
	TargetService string         `gorm:"size:64;not null" json:"target_service"`
	Payload       datatypes.JSON `gorm:"not null" json:"payload"`
	Status        OutboxStatus   `gorm:"size:16;not null;default:'pending';index" json:"status"`
	RetryCount    int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries    int            `gorm:"not null;default:3" json:"max_retries"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// OutboxStats counts rows per status.
type OutboxStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Retry      int64 `json:"retry"`
}
