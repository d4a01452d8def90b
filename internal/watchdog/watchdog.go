package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/store"
)

// Per-station outcomes reported by CheckOnce.
const (
	ActionTicketCreated    = "ticket_created"
	ActionAlreadyHasTicket = "already_has_ticket"
	ActionAlreadyOffline   = "already_offline"
	ActionFailed           = "failed"
)

// NoSignalPattern matches the reason of tickets opened by the watchdog.
const NoSignalPattern = "%nessun segnale%"

// Store is the subset of store.Store the watchdog needs.
type Store interface {
	FindStaleStations(ctx context.Context, cutoff time.Time) ([]model.Station, error)
	MarkStationOffline(ctx context.Context, id string) (bool, error)
	RestoreStationStatus(ctx context.Context, id string, status model.StationStatus) (bool, error)
	HasOpenTicket(ctx context.Context, f store.TicketFilter) (bool, error)
	CreateTicket(ctx context.Context, ticket *model.MaintenanceLog) error
}

// Notifier receives stations for which a new ticket was opened.
type Notifier interface {
	Dispatch(ctx context.Context, stationID string)
}

// Result is the outcome for one stale station.
type Result struct {
	StationID string `json:"station_id"`
	Action    string `json:"action"`
	Error     string `json:"error,omitempty"`
}

// Report summarises one watchdog pass.
type Report struct {
	Checked int      `json:"checked"`
	Results []Result `json:"results"`
}

// Service detects stations that stopped sending heartbeats.
type Service struct {
	store     Store
	notifier  Notifier
	threshold time.Duration
	interval  time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

// NewService creates a watchdog. notifier may be nil.
func NewService(s Store, notifier Notifier, threshold, interval time.Duration, log *logrus.Logger) *Service {
	return &Service{
		store:     s,
		notifier:  notifier,
		threshold: threshold,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Run executes CheckOnce immediately and then every interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{"interval": s.interval.String(), "threshold": s.threshold.String()}).
		Info("starting heartbeat watchdog")

	s.runLogged(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat watchdog shutting down")
			return
		case <-timer.C:
			s.runLogged(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Service) runLogged(ctx context.Context) {
	report, err := s.CheckOnce(ctx)
	if err != nil {
		s.log.WithError(err).Error("heartbeat check aborted")
		return
	}
	s.log.WithField("checked", report.Checked).Info("heartbeat check finished")
}

// CheckOnce flips every stale station to OFFLINE and opens at most one
// high-severity no-signal ticket per station. A failing station query aborts
// the pass; failures on a single station are reported and the pass continues.
func (s *Service) CheckOnce(ctx context.Context) (*Report, error) {
	cutoff := s.now().UTC().Add(-s.threshold)

	stations, err := s.store.FindStaleStations(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(stations), Results: make([]Result, 0, len(stations))}
	for _, st := range stations {
		action, err := s.checkStation(ctx, st)
		res := Result{StationID: st.ID, Action: action}
		if err != nil {
			res.Action = ActionFailed
			res.Error = err.Error()
			s.log.WithField("station_id", st.ID).WithError(err).Error("heartbeat remediation failed")
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (s *Service) checkStation(ctx context.Context, st model.Station) (string, error) {
	changed, err := s.store.MarkStationOffline(ctx, st.ID)
	if err != nil {
		return "", err
	}
	if !changed {
		return ActionAlreadyOffline, nil
	}

	log := s.log.WithField("station_id", st.ID)
	log.Warn("station marked offline: heartbeat missing")

	action, err := s.openTicket(ctx, st.ID, log)
	if err != nil {
		// Put the station back so the next pass selects it again.
		if _, rerr := s.store.RestoreStationStatus(ctx, st.ID, st.Status); rerr != nil {
			log.WithError(rerr).Error("failed to restore station status after ticket error")
		}
		return "", err
	}
	return action, nil
}

func (s *Service) openTicket(ctx context.Context, stationID string, log *logrus.Entry) (string, error) {
	has, err := s.store.HasOpenTicket(ctx, store.TicketFilter{
		StationID:     stationID,
		Severity:      model.SeverityHigh,
		ReasonPattern: NoSignalPattern,
	})
	if err != nil {
		return "", err
	}
	if has {
		return ActionAlreadyHasTicket, nil
	}

	ticket := &model.MaintenanceLog{
		StationID: stationID,
		Severity:  model.SeverityHigh,
		Status:    model.TicketOpen,
		Reason:    s.reason(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return "", err
	}
	log.WithField("ticket_id", ticket.ID).Info("no-signal ticket opened")

	if s.notifier != nil {
		s.notifier.Dispatch(ctx, stationID)
	}
	return ActionTicketCreated, nil
}

func (s *Service) reason() string {
	return fmt.Sprintf("Nessun segnale dalla stazione: heartbeat assente da oltre %d minuti", int(s.threshold.Minutes()))
}
