package model

import "time"

const (
	RoleAdmin    = "Administrateur"
	RoleStandard = "Utilisateur standard"
)

type User struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:128;not null" json:"name"`
	FirstName    string    `gorm:"size:128;not null" json:"first_name"`
	Email        string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Phone        string    `gorm:"size:32" json:"phone,omitempty"`
	Role         string    `gorm:"size:32;not null" json:"role"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Version      uint64    `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }
