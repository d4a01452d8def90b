package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/broker"
	"petwash-station-backend/internal/dispatch"
)

type commandRequest struct {
	StationID       string   `json:"station_id"`
	Command         string   `json:"command"`
	DurationMinutes *float64 `json:"duration_minutes"`
}

// PostCommand handles POST /api/stations/commands.
func (h *Handler) PostCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), auth.UserID(c), auth.Role(c), dispatch.Request{
		StationID:       req.StationID,
		Command:         dispatch.Command(req.Command),
		DurationMinutes: req.DurationMinutes,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "topic": res.Topic, "payload": res.Payload})
	case errors.Is(err, dispatch.ErrInvalidStationID),
		errors.Is(err, dispatch.ErrInvalidCommand),
		errors.Is(err, dispatch.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "station broker did not acknowledge in time"})
	case errors.Is(err, dispatch.ErrTransport):
		h.log.WithField("station_id", req.StationID).WithError(err).Error("broker publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deliver command to the broker"})
	default:
		h.internalError(c, err, "unexpected dispatch failure")
	}
}
