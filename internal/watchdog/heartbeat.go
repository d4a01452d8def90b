package watchdog

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/broker"
	"petwash-station-backend/internal/dispatch"
)

// HeartbeatStore persists liveness signals.
type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)
}

// Listener delivers broker messages for a topic filter until ctx ends.
type Listener interface {
	Listen(ctx context.Context, topic string, handler func(broker.Message)) error
}

// HeartbeatIngestor keeps stations.last_heartbeat_at current from the
// {namespace}/{station_id}/heartbeat topics.
type HeartbeatIngestor struct {
	listener  Listener
	store     HeartbeatStore
	namespace string
	log       *logrus.Logger
	now       func() time.Time
}

// NewHeartbeatIngestor creates an ingestor for namespace.
func NewHeartbeatIngestor(l Listener, s HeartbeatStore, namespace string, log *logrus.Logger) *HeartbeatIngestor {
	return &HeartbeatIngestor{listener: l, store: s, namespace: namespace, log: log, now: time.Now}
}

// Topic is the subscription filter covering every station.
func (h *HeartbeatIngestor) Topic() string {
	return h.namespace + "/+/heartbeat"
}

// Run blocks until ctx is cancelled or the subscription cannot be set up.
func (h *HeartbeatIngestor) Run(ctx context.Context) error {
	return h.listener.Listen(ctx, h.Topic(), func(msg broker.Message) {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		h.Handle(storeCtx, msg)
	})
}

// Handle records one heartbeat message. Unknown stations and malformed
// topics are logged and dropped.
func (h *HeartbeatIngestor) Handle(ctx context.Context, msg broker.Message) {
	stationID, ok := h.stationFromTopic(msg.Topic)
	if !ok {
		h.log.WithField("topic", msg.Topic).Warn("ignoring heartbeat on unexpected topic")
		return
	}

	found, err := h.store.RecordHeartbeat(ctx, stationID, h.now().UTC())
	if err != nil {
		h.log.WithField("station_id", stationID).WithError(err).Error("failed to persist heartbeat")
		return
	}
	if !found {
		h.log.WithField("station_id", stationID).Warn("heartbeat from unknown station")
		return
	}
	h.log.WithField("station_id", stationID).Debug("heartbeat recorded")
}

func (h *HeartbeatIngestor) stationFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, h.namespace+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/heartbeat")
	if !ok || !dispatch.ValidStationID(id) {
		return "", false
	}
	return id, true
}
