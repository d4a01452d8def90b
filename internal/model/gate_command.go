package model

import "time"

// GateCommandSent marks a command the broker acknowledged.
const GateCommandSent = "sent"

// GateCommand is the append-only audit row written for every dispatched relay command.
type GateCommand struct {
	ID        int64     `gorm:"primaryKey"`
	StationID string    `gorm:"size:64;index;not null"`
	Command   string    `gorm:"size:16;not null"`
	UserID    string    `gorm:"size:64;not null"`
	Status    string    `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
