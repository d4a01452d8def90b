package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PostHeartbeatCheck handles POST /api/heartbeat/check. It runs one
// watchdog pass synchronously and returns its report.
func (h *Handler) PostHeartbeatCheck(c *gin.Context) {
	report, err := h.watchdog.CheckOnce(c.Request.Context())
	if err != nil {
		h.internalError(c, err, "watchdog run failed")
		return
	}
	c.JSON(http.StatusOK, report)
}
