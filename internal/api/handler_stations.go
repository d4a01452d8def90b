package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/dispatch"
	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/store"
)

// GetStation handles GET /api/stations/:station_id. Partners only see
// their own stations.
func (h *Handler) GetStation(c *gin.Context) {
	id := c.Param("station_id")
	if !dispatch.ValidStationID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": dispatch.ErrInvalidStationID.Error()})
		return
	}

	station, err := h.store.GetStation(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	if err != nil {
		h.internalError(c, err, "failed to load station")
		return
	}

	if auth.Role(c) == model.RolePartner && (station.OwnerID == nil || *station.OwnerID != auth.UserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	c.JSON(http.StatusOK, station)
}
