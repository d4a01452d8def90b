// Package auth verifies console bearer tokens and resolves the caller's role.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/store"
)

const (
	ctxUserID = "auth.user_id"
	ctxRole   = "auth.role"

	// HeaderSchedulerToken lets the external cron trigger admin-only jobs.
	HeaderSchedulerToken = "X-Scheduler-Token"
	// RoleScheduler is the pseudo-role given to scheduler-token callers.
	RoleScheduler = "scheduler"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// RoleSource looks up a user's role.
type RoleSource interface {
	GetRole(ctx context.Context, userID string) (string, error)
}

// Authenticator validates HS256 tokens and caches role lookups.
type Authenticator struct {
	secret         []byte
	roles          RoleSource
	roleCache      *cache.Cache
	schedulerToken string
	log            *logrus.Logger
}

// NewAuthenticator creates an Authenticator. An empty schedulerToken
// disables scheduler access.
func NewAuthenticator(secret string, roles RoleSource, roleTTL time.Duration, schedulerToken string, log *logrus.Logger) *Authenticator {
	return &Authenticator{
		secret:         []byte(secret),
		roles:          roles,
		roleCache:      cache.New(roleTTL, 2*roleTTL),
		schedulerToken: schedulerToken,
		log:            log,
	}
}

// ParseToken verifies raw and returns its subject.
func (a *Authenticator) ParseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Role returns the role stored on the user's profile.
func (a *Authenticator) Role(ctx context.Context, userID string) (string, error) {
	if role, found := a.roleCache.Get(userID); found {
		return role.(string), nil
	}
	role, err := a.roles.GetRole(ctx, userID)
	if err != nil {
		return "", err
	}
	a.roleCache.SetDefault(userID, role)
	return role, nil
}

// Required rejects requests without a valid bearer token and stores the
// caller's ID and role on the context.
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.authenticate(c) {
			return
		}
		c.Next()
	}
}

// AdminOrScheduler admits admins and callers presenting the scheduler token.
func (a *Authenticator) AdminOrScheduler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.isScheduler(c.GetHeader(HeaderSchedulerToken)) {
			c.Set(ctxRole, RoleScheduler)
			c.Next()
			return
		}
		if !a.authenticate(c) {
			return
		}
		if Role(c) != model.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

func (a *Authenticator) isScheduler(token string) bool {
	if a.schedulerToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.schedulerToken)) == 1
}

func (a *Authenticator) authenticate(c *gin.Context) bool {
	raw, ok := bearer(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
		return false
	}
	userID, err := a.ParseToken(raw)
	if err != nil {
		a.log.WithError(err).Debug("rejected bearer token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
		return false
	}

	role, err := a.Role(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no profile for this user"})
		return false
	}
	if err != nil {
		a.log.WithField("user_id", userID).WithError(err).Error("failed to resolve role")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}

	c.Set(ctxUserID, userID)
	c.Set(ctxRole, role)
	return true
}

// RequireRole admits only callers whose role is one of roles. It must run
// after Required.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := Role(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden for role " + role})
	}
}

// UserID returns the authenticated user's ID.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// Role returns the authenticated user's role.
func Role(c *gin.Context) string {
	return c.GetString(ctxRole)
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
