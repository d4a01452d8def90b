package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"petwash-station-backend/internal/broker"
	"petwash-station-backend/internal/model"
)

// ErrTransport marks a command that did not reach the broker. Errors wrapping
// it may also wrap broker.ErrTimeout.
var ErrTransport = errors.New("command was not delivered to the broker")

// AuditLog records acknowledged commands.
type AuditLog interface {
	InsertGateCommand(ctx context.Context, cmd *model.GateCommand) error
}

// Result echoes what was put on the wire.
type Result struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Dispatcher validates, authorizes and publishes relay commands. It keeps no
// state between calls.
type Dispatcher struct {
	publisher broker.Publisher
	audit     AuditLog
	namespace string
	log       *logrus.Logger
}

// NewDispatcher creates a dispatcher publishing under namespace.
func NewDispatcher(publisher broker.Publisher, audit AuditLog, namespace string, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		audit:     audit,
		namespace: namespace,
		log:       log,
	}
}

// Dispatch sends one command on behalf of userID. Validation and role checks
// run before any network call. A single publish attempt is made; an audit row
// is written only once the broker acknowledged it.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, role string, req Request) (*Result, error) {
	msg, err := ToMessage(d.namespace, req)
	if err != nil {
		return nil, err
	}
	if err := Authorize(role, req.Command); err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"station_id": req.StationID,
		"command":    req.Command,
		"user_id":    userID,
		"topic":      msg.Topic,
	}

	if err := d.publisher.Publish(ctx, msg); err != nil {
		d.log.WithFields(fields).WithError(err).Error("station command not delivered")
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	audit := &model.GateCommand{
		StationID: req.StationID,
		Command:   string(req.Command),
		UserID:    userID,
		Status:    model.GateCommandSent,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.audit.InsertGateCommand(ctx, audit); err != nil {
		// The relay already switched; a missing audit row must not turn this into a failure.
		d.log.WithFields(fields).WithError(err).Error("failed to record gate command")
	}

	d.log.WithFields(fields).Info("station command sent")
	return &Result{Topic: msg.Topic, Payload: msg.Payload}, nil
}
