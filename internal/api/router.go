package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"petwash-station-backend/config"
	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/logging"
	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, a *auth.Authenticator, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Gin(h.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	clientKey := mw.ClientKey(auth.UserID)
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, clientKey)

	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(cacheTTL, 2*cacheTTL), cacheTTL, clientKey)

	api := r.Group("/api")
	api.GET("/vapid_public_key", h.GetVAPIDPublicKey)

	// Scheduler calls are exempt from the per-client limiter.
	api.POST("/heartbeat/check", a.AdminOrScheduler(), h.PostHeartbeatCheck)

	user := api.Group("", a.Required(), rateLimiter)
	{
		user.POST("/stations/commands", h.PostCommand)
		user.GET("/stations/:station_id", caching, h.GetStation)

		user.GET("/subscriptions", h.GetSubscription)
		user.PUT("/subscriptions", h.PutSubscription)
		user.DELETE("/subscriptions", h.DeleteSubscription)

		user.POST("/partners/fiscal/setup", auth.RequireRole(model.RoleAdmin), h.PostFiscalSetup)
	}

	return r
}
