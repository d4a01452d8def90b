package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/model"
)

type putSubscriptionRequest struct {
	Endpoint           string   `json:"endpoint" binding:"required"`
	P256DH             string   `json:"p256dh" binding:"required"`
	Auth               string   `json:"auth" binding:"required"`
	SubscribedStations []string `json:"subscribed_stations"`
}

// PutSubscription creates or replaces an operator's offline-alert
// subscription. Partners can only subscribe to stations they own; other
// IDs are silently dropped.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	var stations []model.Station
	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&subscription).Error; err != nil {
			return err
		}

		if len(req.SubscribedStations) > 0 {
			q := tx.Where("id IN ?", req.SubscribedStations)
			if auth.Role(c) == model.RolePartner {
				q = q.Where("owner_id = ?", auth.UserID(c))
			}
			if err := q.Find(&stations).Error; err != nil {
				return err
			}
		}

		return tx.Model(&subscription).Association("Stations").Replace(stations)
	})
	if err != nil {
		h.internalError(c, err, "failed to save subscription")
		return
	}

	ids := make([]string, len(stations))
	for i, st := range stations {
		ids[i] = st.ID
	}
	c.JSON(http.StatusCreated, gin.H{"subscribed_stations": ids})
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes a subscription and its station mappings.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sub := model.PushSubscription{Endpoint: req.Endpoint}
	if err := h.store.DB().WithContext(c.Request.Context()).Select("Stations").Delete(&sub).Error; err != nil {
		h.internalError(c, err, "failed to delete subscription")
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam reads key without URL-decoding: push endpoints are opaque
// and must match byte for byte.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

// GetSubscription lists the stations a subscription is attached to.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	var subscription model.PushSubscription
	err := h.store.DB().WithContext(c.Request.Context()).Preload("Stations").First(&subscription, "endpoint = ?", raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		h.internalError(c, err, "failed to load subscription")
		return
	}

	ids := make([]string, len(subscription.Stations))
	for i, st := range subscription.Stations {
		ids[i] = st.ID
	}
	c.JSON(http.StatusOK, gin.H{"subscribed_stations": ids})
}

// GetVAPIDPublicKey serves the application server key browsers need to
// subscribe.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
