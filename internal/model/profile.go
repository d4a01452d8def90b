package model

import "time"

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RolePartner = "partner"
)

// Profile is a console user. Partners carry the fiscal identity used to
// provision their fiscal device; the fiskaly_* columns record provisioning
// progress and are written one at a time.
type Profile struct {
	ID              string    `gorm:"primaryKey;size:64"`
	Role            string    `gorm:"size:16;not null;default:partner"`
	LegalName       string    `gorm:"size:256"`
	VATNumber       string    `gorm:"column:vat_number;size:32"`
	AddressStreet   string    `gorm:"size:256"`
	AddressNumber   string    `gorm:"size:16"`
	ZipCode         string    `gorm:"size:16"`
	City            string    `gorm:"size:128"`
	Province        string    `gorm:"size:8"`
	FiskalyUnitID   *string   `gorm:"column:fiskaly_unit_id;size:64"`
	FiskalyEntityID *string   `gorm:"column:fiskaly_entity_id;size:64"`
	FiskalySystemID *string   `gorm:"column:fiskaly_system_id;size:64"`
	UpdatedAt       time.Time `gorm:"not null"`
}
