package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"petwash-station-backend/internal/provision"
)

// PostFiscalSetup handles POST /api/partners/fiscal/setup.
func (h *Handler) PostFiscalSetup(c *gin.Context) {
	var req provision.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	out, err := h.fiscal.Setup(c.Request.Context(), req)
	if err != nil {
		var perr *provision.Error
		if errors.As(err, &perr) {
			c.JSON(perr.Status, perr)
			return
		}
		h.internalError(c, err, "fiscal setup failed")
		return
	}
	c.JSON(http.StatusOK, out)
}
