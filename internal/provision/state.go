package provision

import "petwash-station-backend/internal/model"

// Stage is how far a partner's fiscal setup has progressed.
type Stage int

const (
	Unprovisioned Stage = iota
	UnitCreated
	EntityCreated
	Commissioned
	Provisioned
)

func (s Stage) String() string {
	switch s {
	case Unprovisioned:
		return "UNPROVISIONED"
	case UnitCreated:
		return "UNIT_CREATED"
	case EntityCreated:
		return "ENTITY_CREATED"
	case Commissioned:
		return "ENTITY_COMMISSIONED"
	case Provisioned:
		return "SYSTEM_CREATED"
	}
	return "UNKNOWN"
}

// State is the provisioning stage plus the external IDs resolved so far.
// UnitID may stay empty past Unprovisioned when the fiscal API does not
// support business units.
type State struct {
	Stage    Stage
	UnitID   string
	EntityID string
	SystemID string
}

// StateOf derives the state from the persisted profile columns.
// Commissioning is not persisted, so an entity without a system is always
// EntityCreated and gets commissioned again on the next run.
func StateOf(p *model.Profile) State {
	s := State{
		UnitID:   deref(p.FiskalyUnitID),
		EntityID: deref(p.FiskalyEntityID),
		SystemID: deref(p.FiskalySystemID),
	}
	switch {
	case s.SystemID != "":
		s.Stage = Provisioned
	case s.EntityID != "":
		s.Stage = EntityCreated
	case s.UnitID != "":
		s.Stage = UnitCreated
	default:
		s.Stage = Unprovisioned
	}
	return s
}

// Input carries the admin's options for a run.
type Input struct {
	Force    bool
	EntityID string
	SystemID string
}

// Resume applies the run options to a persisted state. Force keeps the
// unit and drops the entity and system so both get created again. An
// explicit entity links that entity and continues from commissioning.
func Resume(s State, in Input) State {
	if in.Force {
		s.EntityID, s.SystemID = "", ""
		s.Stage = Unprovisioned
		if s.UnitID != "" {
			s.Stage = UnitCreated
		}
	}
	if in.EntityID != "" {
		s.EntityID = in.EntityID
		s.SystemID = ""
		s.Stage = EntityCreated
	}
	return s
}

// Step is one unit of provisioning work.
type Step string

const (
	StepAuthenticate   Step = "authenticate"
	StepOverrideSystem Step = "override_system"
	StepCreateUnit     Step = "create_unit"
	StepCreateEntity   Step = "create_entity"
	StepCommission     Step = "commission_entity"
	StepCreateSystem   Step = "create_system"
	StepDone           Step = "done"
)

// NextStep returns the work that moves s forward. A supplied system ID
// always wins over the stored progress.
func NextStep(s State, in Input) Step {
	if in.SystemID != "" && s.SystemID != in.SystemID {
		return StepOverrideSystem
	}
	switch s.Stage {
	case Unprovisioned:
		return StepCreateUnit
	case UnitCreated:
		return StepCreateEntity
	case EntityCreated:
		return StepCommission
	case Commissioned:
		return StepCreateSystem
	}
	return StepDone
}

// Advance records the outcome of step on s. id is the resource the step
// produced or resolved, possibly empty for a skipped unit.
func Advance(s State, step Step, id string) State {
	switch step {
	case StepOverrideSystem:
		s.SystemID = id
		s.Stage = Provisioned
	case StepCreateUnit:
		s.UnitID = id
		s.Stage = UnitCreated
	case StepCreateEntity:
		s.EntityID = id
		s.Stage = EntityCreated
	case StepCommission:
		s.Stage = Commissioned
	case StepCreateSystem:
		s.SystemID = id
		s.Stage = Provisioned
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
