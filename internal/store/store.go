package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"petwash-station-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	GetStation(ctx context.Context, id string) (*model.Station, error)
	FindStaleStations(ctx context.Context, cutoff time.Time) ([]model.Station, error)
	MarkStationOffline(ctx context.Context, id string) (bool, error)
	RestoreStationStatus(ctx context.Context, id string, status model.StationStatus) (bool, error)
	RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)

	HasOpenTicket(ctx context.Context, f TicketFilter) (bool, error)
	CreateTicket(ctx context.Context, ticket *model.MaintenanceLog) error

	InsertGateCommand(ctx context.Context, cmd *model.GateCommand) error

	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	GetRole(ctx context.Context, userID string) (string, error)
	SetFiscalID(ctx context.Context, partnerID string, field FiscalField, expected *string, value string) error

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) GetStation(ctx context.Context, id string) (*model.Station, error) {
	var station model.Station
	if err := s.db.WithContext(ctx).First(&station, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load station %s: %w", id, err)
	}
	return &station, nil
}

// FindStaleStations returns stations whose last heartbeat is older than cutoff
// and which are not already OFFLINE or in MAINTENANCE. Stations that never
// reported a heartbeat are not returned.
func (s *gormStore) FindStaleStations(ctx context.Context, cutoff time.Time) ([]model.Station, error) {
	var stations []model.Station
	err := s.db.WithContext(ctx).
		Where("last_heartbeat_at < ? AND status NOT IN ?", cutoff, quiescentStatuses()).
		Order("id").
		Find(&stations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stale stations: %w", err)
	}
	return stations, nil
}

// MarkStationOffline flips a station to OFFLINE unless it already is OFFLINE
// or in MAINTENANCE. It reports whether this call performed the transition.
func (s *gormStore) MarkStationOffline(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Station{}).
		Where("id = ? AND status NOT IN ?", id, quiescentStatuses()).
		Updates(map[string]any{
			"status":     string(model.StationOffline),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark station %s offline: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RestoreStationStatus undoes MarkStationOffline. Only a station still OFFLINE
// is touched, so a heartbeat that arrived in between wins. An empty status
// restores AVAILABLE.
func (s *gormStore) RestoreStationStatus(ctx context.Context, id string, status model.StationStatus) (bool, error) {
	if status == "" {
		status = model.StationAvailable
	}
	res := s.db.WithContext(ctx).
		Model(&model.Station{}).
		Where("id = ? AND status = ?", id, string(model.StationOffline)).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to restore station %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecordHeartbeat stamps the station's heartbeat and brings an OFFLINE
// station back to AVAILABLE. It reports whether the station exists.
func (s *gormStore) RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Station{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_heartbeat_at": at.UTC(),
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				string(model.StationOffline), string(model.StationAvailable)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to record heartbeat for %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) HasOpenTicket(ctx context.Context, f TicketFilter) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.MaintenanceLog{}).
		Where("station_id = ? AND severity = ? AND status <> ? AND LOWER(reason) LIKE ?",
			f.StationID, f.Severity, model.TicketResolved, strings.ToLower(f.ReasonPattern)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up tickets for station %s: %w", f.StationID, err)
	}
	return count > 0, nil
}

func (s *gormStore) CreateTicket(ctx context.Context, ticket *model.MaintenanceLog) error {
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return fmt.Errorf("failed to create ticket for station %s: %w", ticket.StationID, err)
	}
	return nil
}

func (s *gormStore) InsertGateCommand(ctx context.Context, cmd *model.GateCommand) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("failed to record %s command for station %s: %w", cmd.Command, cmd.StationID, err)
	}
	return nil
}

func (s *gormStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	var profile model.Profile
	if err := s.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load profile %s: %w", id, err)
	}
	return &profile, nil
}

func (s *gormStore) GetRole(ctx context.Context, userID string) (string, error) {
	var profile model.Profile
	err := s.db.WithContext(ctx).Select("role").First(&profile, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load role for %s: %w", userID, err)
	}
	return profile.Role, nil
}

// SetFiscalID writes one provisioning column. With a non-nil expected value
// the write is a compare-and-swap: "" matches NULL or empty, anything else
// must match exactly, and a mismatch yields ErrConflict. A nil expected value
// overwrites unconditionally.
func (s *gormStore) SetFiscalID(ctx context.Context, partnerID string, field FiscalField, expected *string, value string) error {
	if !field.valid() {
		return fmt.Errorf("unknown fiscal field %q", field)
	}

	q := s.db.WithContext(ctx).Model(&model.Profile{}).Where("id = ?", partnerID)
	if expected != nil {
		if *expected == "" {
			q = q.Where(fmt.Sprintf("(%s IS NULL OR %s = '')", field, field))
		} else {
			q = q.Where(fmt.Sprintf("%s = ?", field), *expected)
		}
	}

	res := q.Updates(map[string]any{
		string(field): value,
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to persist %s for partner %s: %w", field, partnerID, res.Error)
	}
	if res.RowsAffected == 0 {
		if expected == nil {
			return ErrNotFound
		}
		return fmt.Errorf("%s for partner %s: %w", field, partnerID, ErrConflict)
	}
	return nil
}

func quiescentStatuses() []string {
	return []string{string(model.StationOffline), string(model.StationMaintenance)}
}
