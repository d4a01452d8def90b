package dispatch

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"petwash-station-backend/internal/broker"
	"petwash-station-backend/internal/model"
)

// Command is a relay instruction understood by the station firmware.
type Command string

const (
	CommandPulse Command = "PULSE"
	CommandOn    Command = "ON"
	CommandOff   Command = "OFF"
)

// MaxPulseMinutes caps a timed activation.
const MaxPulseMinutes = 120

var stationIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	ErrInvalidStationID = errors.New("station_id must match [A-Za-z0-9_-]{1,64}")
	ErrInvalidCommand   = errors.New("command must be one of PULSE, ON, OFF")
	ErrInvalidDuration  = fmt.Errorf("duration_minutes must be a number in (0, %d]", MaxPulseMinutes)
	ErrForbidden        = errors.New("role is not allowed to issue this command")
)

// Request is a command addressed to one station.
type Request struct {
	StationID       string
	Command         Command
	DurationMinutes *float64
}

// ValidStationID reports whether id is an acceptable station serial.
func ValidStationID(id string) bool {
	return stationIDRe.MatchString(id)
}

// Validate checks the request shape. It never touches the network.
func (r Request) Validate() error {
	if !ValidStationID(r.StationID) {
		return ErrInvalidStationID
	}
	switch r.Command {
	case CommandPulse:
		if r.DurationMinutes == nil {
			return ErrInvalidDuration
		}
		d := *r.DurationMinutes
		if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 || d > MaxPulseMinutes {
			return ErrInvalidDuration
		}
		// The firmware treats a zero-length pulse as a no-op.
		if PulseMillis(d) <= 0 {
			return ErrInvalidDuration
		}
	case CommandOn, CommandOff:
	default:
		return ErrInvalidCommand
	}
	return nil
}

// Authorize enforces the role matrix: partners may only pulse, managers and
// admins may also force the relay on or off. Any other role gets nothing.
func Authorize(role string, cmd Command) error {
	switch role {
	case model.RoleAdmin, model.RoleManager:
		return nil
	case model.RolePartner:
		if cmd == CommandPulse {
			return nil
		}
	}
	return ErrForbidden
}

// PulseMillis converts a pulse duration to the millisecond value sent on the wire.
func PulseMillis(minutes float64) int64 {
	return int64(math.Round(minutes * 60_000))
}

// ToMessage maps a validated request onto the relay topic and payload.
func ToMessage(namespace string, r Request) (broker.Message, error) {
	if err := r.Validate(); err != nil {
		return broker.Message{}, err
	}

	base := fmt.Sprintf("%s/%s/relay1", namespace, r.StationID)
	switch r.Command {
	case CommandPulse:
		return broker.Message{
			Topic:   base + "/pulse",
			Payload: strconv.FormatInt(PulseMillis(*r.DurationMinutes), 10),
		}, nil
	case CommandOn:
		return broker.Message{Topic: base + "/command", Payload: "1"}, nil
	default:
		return broker.Message{Topic: base + "/command", Payload: "0"}, nil
	}
}
