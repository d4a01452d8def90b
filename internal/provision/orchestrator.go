// Package provision sets up a partner's fiscal device on the fiscal
// compliance API. A run is resumable: each resolved ID is written to the
// partner profile as soon as it is known and the next run starts from the
// first missing one.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/fiskaly"
	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/store"
)

// FiscalAPI is the part of the fiscal compliance API used here.
type FiscalAPI interface {
	Token(ctx context.Context, key, secret, scope string) (string, error)
	CreateUnit(ctx context.Context, bearer, name, partnerID string) (string, error)
	CreateSubject(ctx context.Context, bearer, unitID, name string) (*fiskaly.Credentials, error)
	CreateEntity(ctx context.Context, bearer string, e fiskaly.Entity) (string, error)
	ListEntities(ctx context.Context, bearer string) ([]fiskaly.Resource, error)
	CommissionEntity(ctx context.Context, bearer, entityID string) error
	CreateSystem(ctx context.Context, bearer string, s fiskaly.System) (string, error)
	ListSystems(ctx context.Context, bearer string) ([]fiskaly.Resource, error)
}

// Store reads partner profiles and records provisioning progress.
type Store interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	SetFiscalID(ctx context.Context, partnerID string, field store.FiscalField, expected *string, value string) error
}

// Options configures an Orchestrator.
type Options struct {
	APIKey    string
	APISecret string
	Software  fiskaly.Software
	Country   string
	LockTTL   time.Duration
}

// Request is an admin's provisioning request.
type Request struct {
	PartnerID string `json:"partner_id"`
	Force     bool   `json:"force"`
	EntityID  string `json:"entity_id"`
	SystemID  string `json:"system_id"`
}

// Outcome is the successful result of a run.
type Outcome struct {
	Success           bool   `json:"success"`
	AlreadyConfigured bool   `json:"already_configured,omitempty"`
	SystemID          string `json:"system_id"`
	EntityID          string `json:"entity_id,omitempty"`
	UnitID            string `json:"unit_id,omitempty"`
	Message           string `json:"message"`
}

// Details is the upstream answer that made a step fail.
type Details struct {
	Status int    `json:"status,omitempty"`
	Body   string `json:"body"`
}

// Error is a provisioning failure with the HTTP status it maps to and the
// IDs resolved before it happened.
type Error struct {
	Status        int      `json:"-"`
	Message       string   `json:"error"`
	Step          Step     `json:"step,omitempty"`
	Details       *Details `json:"details,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
	UnitID        string   `json:"unit_id,omitempty"`
	EntityID      string   `json:"entity_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

type requiredField struct {
	label string
	value func(p *model.Profile) string
}

var requiredFields = []requiredField{
	{"Ragione sociale", func(p *model.Profile) string { return p.LegalName }},
	{"Partita IVA", func(p *model.Profile) string { return p.VATNumber }},
	{"Indirizzo", func(p *model.Profile) string { return p.AddressStreet }},
	{"CAP", func(p *model.Profile) string { return p.ZipCode }},
	{"Città", func(p *model.Profile) string { return p.City }},
	{"Provincia", func(p *model.Profile) string { return p.Province }},
}

// MissingFields lists the labels of required fiscal fields that are blank.
func MissingFields(p *model.Profile) []string {
	var missing []string
	for _, f := range requiredFields {
		if strings.TrimSpace(f.value(p)) == "" {
			missing = append(missing, f.label)
		}
	}
	return missing
}

// Orchestrator runs the provisioning workflow.
type Orchestrator struct {
	api        FiscalAPI
	store      Store
	locker     Locker
	strategies []CredentialStrategy
	opts       Options
	log        *logrus.Logger
}

// NewOrchestrator creates an orchestrator. A nil locker disables the
// per-partner lock.
func NewOrchestrator(api FiscalAPI, s Store, locker Locker, opts Options, log *logrus.Logger) *Orchestrator {
	if locker == nil {
		locker = NopLocker{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.Country == "" {
		opts.Country = "IT"
	}
	return &Orchestrator{
		api:        api,
		store:      s,
		locker:     locker,
		strategies: DefaultStrategies(api, opts.APIKey, opts.APISecret),
		opts:       opts,
		log:        log,
	}
}

// Setup provisions the partner named in req. Failures the caller can act
// on are returned as *Error; anything else is an internal error.
func (o *Orchestrator) Setup(ctx context.Context, req Request) (*Outcome, error) {
	partnerID := strings.TrimSpace(req.PartnerID)
	if partnerID == "" {
		return nil, &Error{Status: http.StatusBadRequest, Message: "partner_id is required"}
	}
	log := o.log.WithField("partner_id", partnerID)

	release, err := o.locker.Obtain(ctx, LockKey(partnerID), o.opts.LockTTL)
	if errors.Is(err, ErrLocked) {
		return nil, &Error{Status: http.StatusConflict, Message: err.Error(), cause: err}
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.WithError(err).Warn("failed to release provisioning lock")
		}
	}()

	profile, err := o.store.GetProfile(ctx, partnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Status: http.StatusNotFound, Message: "partner not found", cause: err}
	}
	if err != nil {
		return nil, err
	}

	in := Input{Force: req.Force, EntityID: strings.TrimSpace(req.EntityID), SystemID: strings.TrimSpace(req.SystemID)}
	persisted := StateOf(profile)

	if in.SystemID != "" {
		if NextStep(persisted, in) == StepOverrideSystem {
			if err := o.store.SetFiscalID(ctx, partnerID, store.FiscalSystemID, nil, in.SystemID); err != nil {
				return nil, err
			}
		}
		log.WithField("system_id", in.SystemID).Info("fiscal system linked manually")
		return &Outcome{Success: true, SystemID: in.SystemID, Message: "Fiscal system linked"}, nil
	}

	if persisted.Stage == Provisioned && !in.Force && in.EntityID == "" {
		return &Outcome{
			Success:           true,
			AlreadyConfigured: true,
			SystemID:          persisted.SystemID,
			Message:           "Fiscal system already configured",
		}, nil
	}

	if missing := MissingFields(profile); len(missing) > 0 {
		return nil, &Error{
			Status:        http.StatusUnprocessableEntity,
			Message:       "missing required fiscal fields",
			MissingFields: missing,
		}
	}

	r := &run{
		o:       o,
		profile: profile,
		stored:  persisted,
		state:   Resume(persisted, in),
		log:     log,
	}
	return r.execute(ctx, in)
}

// run is the mutable context of one Setup call.
type run struct {
	o       *Orchestrator
	profile *model.Profile
	stored  State
	state   State
	log     *logrus.Entry

	tenantBearer string
	unitBearer   string
}

func (r *run) execute(ctx context.Context, in Input) (*Outcome, error) {
	if in.EntityID != "" && in.EntityID != r.stored.EntityID {
		if err := r.persist(ctx, StepCreateEntity, in.EntityID); err != nil {
			return nil, err
		}
		r.log.WithField("entity_id", r.state.EntityID).Info("linked existing fiscal entity")
	}

	bearer, err := r.o.api.Token(ctx, r.o.opts.APIKey, r.o.opts.APISecret, "")
	if err != nil {
		return nil, r.upstream(StepAuthenticate, err)
	}
	r.tenantBearer = bearer

	for step := NextStep(r.state, in); step != StepDone; step = NextStep(r.state, in) {
		id, err := r.exec(ctx, step)
		if err != nil {
			return nil, err
		}
		r.state = Advance(r.state, step, id)
		if err := r.persist(ctx, step, id); err != nil {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{"step": step, "stage": r.state.Stage.String()}).Info("provisioning step completed")
	}

	return &Outcome{
		Success:  true,
		SystemID: r.state.SystemID,
		EntityID: r.state.EntityID,
		UnitID:   r.state.UnitID,
		Message:  "Fiscal system configured",
	}, nil
}

func (r *run) exec(ctx context.Context, step Step) (string, error) {
	switch step {
	case StepCreateUnit:
		return r.createUnit(ctx)
	case StepCreateEntity:
		return r.createEntity(ctx)
	case StepCommission:
		return "", r.commission(ctx)
	case StepCreateSystem:
		return r.createSystem(ctx)
	}
	return "", fmt.Errorf("unexpected provisioning step %q", step)
}

func (r *run) createUnit(ctx context.Context) (string, error) {
	id, err := r.o.api.CreateUnit(ctx, r.tenantBearer, r.profile.LegalName, r.profile.ID)
	switch {
	case err == nil:
		return id, nil
	case fiskaly.IsConflict(err):
		id = fiskaly.ConflictID(err)
		if id == "" {
			r.log.WithError(err).Warn("unit exists but its ID was not returned, continuing without unit")
		}
		return id, nil
	case fiskaly.IsUnsupported(err):
		r.log.WithError(err).Warn("business units not supported, continuing without unit")
		return "", nil
	}
	return "", r.upstream(StepCreateUnit, err)
}

func (r *run) bearerForUnit(ctx context.Context) string {
	if r.unitBearer == "" {
		scope := Scope{
			UnitID:       r.state.UnitID,
			TenantBearer: r.tenantBearer,
			SubjectName:  "console-" + r.profile.ID,
		}
		var strategy string
		r.unitBearer, strategy = Elevate(ctx, r.o.strategies, scope, r.log)
		r.log.WithField("strategy", strategy).Info("unit credentials resolved")
	}
	return r.unitBearer
}

func (r *run) createEntity(ctx context.Context) (string, error) {
	p := r.profile
	line1 := strings.TrimSpace(p.AddressStreet + " " + p.AddressNumber)
	bearer := r.bearerForUnit(ctx)

	id, err := r.o.api.CreateEntity(ctx, bearer, fiskaly.Entity{
		LegalName: p.LegalName,
		TradeName: p.LegalName,
		VATNumber: p.VATNumber,
		Address: fiskaly.Address{
			Line1:      line1,
			PostalCode: p.ZipCode,
			City:       p.City,
			Province:   p.Province,
			Country:    r.o.opts.Country,
		},
		PartnerID: p.ID,
	})
	if err == nil {
		return id, nil
	}
	if !fiskaly.IsConflict(err) {
		return "", r.upstream(StepCreateEntity, err)
	}

	if id := fiskaly.ConflictID(err); id != "" {
		return id, nil
	}
	entities, listErr := r.o.api.ListEntities(ctx, bearer)
	if listErr != nil {
		r.log.WithError(listErr).Warn("failed to list entities after conflict")
	}
	if id := matchPartner(entities, p.ID, true); id != "" {
		return id, nil
	}
	return "", &Error{
		Status:  http.StatusConflict,
		Message: "fiscal entity already exists but its ID could not be resolved; retry with entity_id set to the existing entity",
		Step:    StepCreateEntity,
		Details: details(err),
		UnitID:  r.state.UnitID,
		cause:   err,
	}
}

func (r *run) commission(ctx context.Context) error {
	err := r.o.api.CommissionEntity(ctx, r.bearerForUnit(ctx), r.state.EntityID)
	if err == nil {
		return nil
	}
	if alreadyCommissioned(err) {
		r.log.WithError(err).Info("entity already commissioned")
		return nil
	}
	return r.upstream(StepCommission, err)
}

func (r *run) createSystem(ctx context.Context) (string, error) {
	id, err := r.o.api.CreateSystem(ctx, r.tenantBearer, fiskaly.System{
		EntityID:  r.state.EntityID,
		Software:  r.o.opts.Software,
		PartnerID: r.profile.ID,
	})
	if err == nil {
		return id, nil
	}
	if !fiskaly.IsConflict(err) {
		return "", r.upstream(StepCreateSystem, err)
	}

	if id := fiskaly.ConflictID(err); id != "" {
		return id, nil
	}
	systems, listErr := r.o.api.ListSystems(ctx, r.tenantBearer)
	if listErr != nil {
		r.log.WithError(listErr).Warn("failed to list systems after conflict")
	}
	if id := matchPartner(systems, r.profile.ID, false); id != "" {
		return id, nil
	}
	return "", &Error{
		Status:   http.StatusConflict,
		Message:  "fiscal system already exists but its ID could not be resolved; retry with system_id set to the existing system",
		Step:     StepCreateSystem,
		Details:  details(err),
		UnitID:   r.state.UnitID,
		EntityID: r.state.EntityID,
		cause:    err,
	}
}

// persist writes the ID a step produced, guarded by the value this run last
// saw in the column.
func (r *run) persist(ctx context.Context, step Step, id string) error {
	if id == "" {
		return nil
	}
	var (
		field    store.FiscalField
		expected *string
	)
	switch step {
	case StepCreateUnit:
		field, expected = store.FiscalUnitID, &r.stored.UnitID
	case StepCreateEntity:
		field, expected = store.FiscalEntityID, &r.stored.EntityID
	case StepCreateSystem:
		field, expected = store.FiscalSystemID, &r.stored.SystemID
	default:
		return nil
	}
	if *expected == id {
		return nil
	}

	prev := *expected
	err := r.o.store.SetFiscalID(ctx, r.profile.ID, field, &prev, id)
	if errors.Is(err, store.ErrConflict) {
		return &Error{
			Status:   http.StatusConflict,
			Message:  "concurrent provisioning detected for this partner",
			Step:     step,
			UnitID:   r.state.UnitID,
			EntityID: r.state.EntityID,
			cause:    err,
		}
	}
	if err != nil {
		return err
	}
	*expected = id
	return nil
}

func (r *run) upstream(step Step, err error) *Error {
	r.log.WithField("step", step).WithError(err).Error("fiscal provisioning step failed")
	return &Error{
		Status:   http.StatusBadGateway,
		Message:  fmt.Sprintf("fiscal api call failed at %s", step),
		Step:     step,
		Details:  details(err),
		UnitID:   r.state.UnitID,
		EntityID: r.state.EntityID,
		cause:    err,
	}
}

func details(err error) *Details {
	var apiErr *fiskaly.APIError
	if errors.As(err, &apiErr) {
		return &Details{Status: apiErr.Status, Body: apiErr.Body}
	}
	return &Details{Body: err.Error()}
}

func alreadyCommissioned(err error) bool {
	if fiskaly.IsConflict(err) {
		return true
	}
	var apiErr *fiskaly.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(apiErr.Body)
	return strings.Contains(body, "already") || strings.Contains(body, "invalid transition") ||
		strings.Contains(body, "invalid state transition")
}

// matchPartner finds the resource tagged with partnerID. With
// firstAsFallback the first listed resource is returned when none match.
func matchPartner(resources []fiskaly.Resource, partnerID string, firstAsFallback bool) string {
	for _, res := range resources {
		if res.Metadata["partner_id"] == partnerID && res.Content.ID != "" {
			return res.Content.ID
		}
	}
	if firstAsFallback && len(resources) > 0 {
		return resources[0].Content.ID
	}
	return ""
}
