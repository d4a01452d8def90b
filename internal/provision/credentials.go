package provision

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/fiskaly"
)

// AttemptKind classifies the result of one credential strategy.
type AttemptKind int

const (
	AttemptOK AttemptKind = iota
	AttemptSkip
	AttemptFail
)

// Attempt is what a credential strategy produced.
type Attempt struct {
	Kind   AttemptKind
	Bearer string
	Reason error
}

func ok(bearer string) Attempt  { return Attempt{Kind: AttemptOK, Bearer: bearer} }
func skip(reason error) Attempt { return Attempt{Kind: AttemptSkip, Reason: reason} }
func fail(reason error) Attempt { return Attempt{Kind: AttemptFail, Reason: reason} }

var errNoUnit = errors.New("no business unit to scope to")

// Scope is the input every credential strategy sees.
type Scope struct {
	UnitID       string
	TenantBearer string
	SubjectName  string
}

// CredentialStrategy tries to obtain a bearer scoped to a business unit.
type CredentialStrategy interface {
	Name() string
	Elevate(ctx context.Context, scope Scope) Attempt
}

// subjectStrategy creates an API key inside the unit and logs in with it.
type subjectStrategy struct {
	api FiscalAPI
}

func (subjectStrategy) Name() string { return "unit_subject" }

func (s subjectStrategy) Elevate(ctx context.Context, scope Scope) Attempt {
	if scope.UnitID == "" {
		return skip(errNoUnit)
	}
	creds, err := s.api.CreateSubject(ctx, scope.TenantBearer, scope.UnitID, scope.SubjectName)
	if err != nil {
		if fiskaly.IsConflict(err) || fiskaly.IsUnsupported(err) {
			return skip(err)
		}
		return fail(err)
	}
	bearer, err := s.api.Token(ctx, creds.Key, creds.Secret, "")
	if err != nil {
		return fail(err)
	}
	return ok(bearer)
}

// scopedTokenStrategy asks for a unit-scoped token with the master key.
type scopedTokenStrategy struct {
	api         FiscalAPI
	key, secret string
}

func (scopedTokenStrategy) Name() string { return "scoped_master_token" }

func (s scopedTokenStrategy) Elevate(ctx context.Context, scope Scope) Attempt {
	if scope.UnitID == "" {
		return skip(errNoUnit)
	}
	bearer, err := s.api.Token(ctx, s.key, s.secret, scope.UnitID)
	if err != nil {
		return fail(err)
	}
	return ok(bearer)
}

// tenantStrategy falls back to the tenant bearer. Calls made with it may be
// refused with a permission error, which is then reported by that step.
type tenantStrategy struct{}

func (tenantStrategy) Name() string { return "tenant_bearer" }

func (tenantStrategy) Elevate(ctx context.Context, scope Scope) Attempt {
	return ok(scope.TenantBearer)
}

// DefaultStrategies is the elevation chain used by the orchestrator.
func DefaultStrategies(api FiscalAPI, key, secret string) []CredentialStrategy {
	return []CredentialStrategy{
		subjectStrategy{api: api},
		scopedTokenStrategy{api: api, key: key, secret: secret},
		tenantStrategy{},
	}
}

// Elevate walks the strategies in order and returns the first bearer found.
func Elevate(ctx context.Context, strategies []CredentialStrategy, scope Scope, log *logrus.Entry) (string, string) {
	for _, s := range strategies {
		a := s.Elevate(ctx, scope)
		switch a.Kind {
		case AttemptOK:
			log.WithField("strategy", s.Name()).Debug("obtained unit bearer")
			return a.Bearer, s.Name()
		case AttemptSkip:
			log.WithField("strategy", s.Name()).WithError(a.Reason).Debug("credential strategy skipped")
		case AttemptFail:
			log.WithField("strategy", s.Name()).WithError(a.Reason).Warn("credential strategy failed")
		}
	}
	return scope.TenantBearer, tenantStrategy{}.Name()
}
