package users

import (
	"strings"
	"time"
)

// User captures the presence bookkeeping for an authenticated account.
type User struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Username     string    `gorm:"column:username;size:190;not null;index" json:"username"`
	IsOnline     bool      `gorm:"column:is_online;not null;default:false" json:"is_online"`
	LastActiveAt time.Time `gorm:"column:last_active_at;not null" json:"last_active_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
