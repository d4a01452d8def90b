package store

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write found a different value than expected.
	ErrConflict = errors.New("conditional write lost to a concurrent update")
)

// FiscalField names one of the provisioning progress columns on profiles.
type FiscalField string

const (
	FiscalUnitID   FiscalField = "fiskaly_unit_id"
	FiscalEntityID FiscalField = "fiskaly_entity_id"
	FiscalSystemID FiscalField = "fiskaly_system_id"
)

func (f FiscalField) valid() bool {
	switch f {
	case FiscalUnitID, FiscalEntityID, FiscalSystemID:
		return true
	}
	return false
}

// TicketFilter selects unresolved tickets for the dedup check.
type TicketFilter struct {
	StationID     string
	Severity      string
	ReasonPattern string // SQL LIKE pattern, matched case-insensitively
}
