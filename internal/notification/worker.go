package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"petwash-station-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is the JSON payload delivered to the operator's browser.
type Alert struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	StationID string `json:"station_id"`
}

// WorkerPool delivers offline alerts to the operators subscribed to a station.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     *logrus.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, log *logrus.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log := wp.log.WithField("worker", id)
	log.Debug("notification worker started")
	for {
		select {
		case stationID := <-wp.jobs:
			log.WithField("station_id", stationID).Debug("processing offline alert")
			wp.sendAlertsForStation(ctx, stationID)
		case <-ctx.Done():
			log.Debug("notification worker shutting down")
			return
		}
	}
}

// Dispatch queues an offline alert for stationID without blocking. When the
// queue is full or ctx has ended the alert is dropped.
func (wp *WorkerPool) Dispatch(ctx context.Context, stationID string) {
	if ctx.Err() != nil {
		wp.log.WithField("station_id", stationID).Warn("dropping offline alert, context done")
		return
	}
	select {
	case wp.jobs <- stationID:
	default:
		wp.log.WithField("station_id", stationID).Warn("dropping offline alert, queue full")
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan string {
	return wp.jobs
}

func (wp *WorkerPool) sendAlertsForStation(ctx context.Context, stationID string) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_station_mapping ssm ON ssm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("ssm.station_id = ?", stationID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.WithField("station_id", stationID).WithError(err).Error("failed to fetch subscriptions")
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	wp.log.WithFields(logrus.Fields{"station_id": stationID, "count": len(subscriptions)}).Info("sending offline alerts")

	payload, err := json.Marshal(Alert{
		Title:     fmt.Sprintf("Stazione %s offline", stationID),
		Body:      "Nessun segnale dalla stazione. È stato aperto un ticket di manutenzione.",
		StationID: stationID,
	})
	if err != nil {
		wp.log.WithError(err).Error("failed to encode alert")
		return
	}
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.WithField("endpoint", sub.Endpoint).WithError(err).Warn("failed to send notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.log.WithField("endpoint", sub.Endpoint).Info("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Select("Stations").Delete(&sub).Error; err != nil {
			wp.log.WithField("endpoint", sub.Endpoint).WithError(err).Error("failed to delete expired subscription")
		}
	}
}
