package model

import "time"

const (
	SeverityLow  = "low"
	SeverityHigh = "high"
)

const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "risolto"
)

// MaintenanceLog is a ticket opened against a station.
type MaintenanceLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	StationID string    `gorm:"size:64;index;not null" json:"station_id"`
	Severity  string    `gorm:"size:16;not null" json:"severity"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	Reason    string    `gorm:"type:text;not null" json:"reason"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
