package models

import "time"

const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

type Session struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	PinHash   string    `gorm:"not null" json:"-"`
	Status    string    `gorm:"not null;default:active" json:"status"`
}
