package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccountChecking = "checking"
	AccountSavings  = "savings"
	AccountBusiness = "business"

	AccountActive    = "active"
	AccountInactive  = "inactive"
	AccountSuspended = "suspended"
)

// Account lives in the account-service database; one per user.
type Account struct {
	ID            uint64          `gorm:"primaryKey;column:id" json:"id"`
	UserID        uint64          `gorm:"not null;uniqueIndex" json:"user_id"`
	AccountNumber string          `gorm:"size:12;not null;uniqueIndex" json:"account_number"`
	Balance       decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'" json:"balance"`
	AccountType   string          `gorm:"size:16;not null" json:"account_type"`
	Status        string          `gorm:"size:16;not null" json:"status"`
	Version       uint64          `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }
