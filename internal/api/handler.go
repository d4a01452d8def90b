package api

import (
	"context"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/dispatch"
	"petwash-station-backend/internal/provision"
	"petwash-station-backend/internal/store"
	"petwash-station-backend/internal/watchdog"
)

// CommandDispatcher sends relay commands to stations.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, userID, role string, req dispatch.Request) (*dispatch.Result, error)
}

// StationChecker runs one watchdog pass.
type StationChecker interface {
	CheckOnce(ctx context.Context) (*watchdog.Report, error)
}

// FiscalProvisioner sets up a partner's fiscal device.
type FiscalProvisioner interface {
	Setup(ctx context.Context, req provision.Request) (*provision.Outcome, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store      store.Store
	dispatcher CommandDispatcher
	watchdog   StationChecker
	fiscal     FiscalProvisioner
	webpush    *webpush.Options
	log        *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, d CommandDispatcher, w StationChecker, f FiscalProvisioner, webpushOptions *webpush.Options, log *logrus.Logger) *Handler {
	return &Handler{
		store:      s,
		dispatcher: d,
		watchdog:   w,
		fiscal:     f,
		webpush:    webpushOptions,
		log:        log,
	}
}

// internalError logs err and answers with a body that leaks nothing.
func (h *Handler) internalError(c *gin.Context, err error, msg string) {
	h.log.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
	}).WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
}
