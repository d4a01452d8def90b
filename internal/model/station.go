package model

import "time"

// StationStatus is the operating state reported for a washing station.
type StationStatus string

const (
	StationAvailable   StationStatus = "AVAILABLE"
	StationBusy        StationStatus = "BUSY"
	StationOffline     StationStatus = "OFFLINE"
	StationMaintenance StationStatus = "MAINTENANCE"
)

// Station represents a physical washing unit, keyed by its device serial.
type Station struct {
	ID              string        `gorm:"primaryKey;size:64" json:"id"`
	Status          StationStatus `gorm:"size:16;not null;default:AVAILABLE;index" json:"status"`
	OwnerID         *string       `gorm:"size:64;index" json:"owner_id"`
	StructureID     *string       `gorm:"size:64;index" json:"structure_id"`
	LastHeartbeatAt *time.Time    `gorm:"index" json:"last_heartbeat_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
