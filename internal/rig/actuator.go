package rig

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrUnknownSense = errors.New("rig: unknown rotation sense")

// ActuatorID names one motor on the rig.
type ActuatorID string

const (
	Canvas        ActuatorID = "motor_canvas"
	PenBrush      ActuatorID = "motor_pb"
	PenColorDepth ActuatorID = "motor_pcd"
	PenElevation  ActuatorID = "motor_pe"
)

// KnownActuators returns the fixed actuator set of the rig in display order.
func KnownActuators() []ActuatorID {
	return []ActuatorID{Canvas, PenBrush, PenColorDepth, PenElevation}
}

// Sense is the rotation direction. Motion sign lives here, never in a speed.
type Sense int

const (
	Forward Sense = iota
	Reverse
)

// Wire values used by the controller.
const (
	WireForward = "CW"
	WireReverse = "CCW"
)

func (s Sense) String() string {
	if s == Reverse {
		return "reverse"
	}
	return "forward"
}

// Wire returns the controller's encoding of s.
func (s Sense) Wire() string {
	if s == Reverse {
		return WireReverse
	}
	return WireForward
}

// Flip returns the opposite sense.
func (s Sense) Flip() Sense {
	if s == Reverse {
		return Forward
	}
	return Reverse
}

// ParseSense accepts the controller encoding and a few long-form aliases.
func ParseSense(raw string) (Sense, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cw", "clockwise", "forward", "fwd":
		return Forward, nil
	case "ccw", "counter_clockwise", "counterclockwise", "reverse", "rev":
		return Reverse, nil
	default:
		return Forward, fmt.Errorf("%w: %q", ErrUnknownSense, raw)
	}
}

// Normalize splits a signed velocity into magnitude and sense.
// NaN and zero, including negative zero, collapse to a stopped forward command.
func Normalize(velocity float64) (float64, Sense) {
	if math.IsNaN(velocity) || velocity == 0 {
		return 0, Forward
	}
	if velocity < 0 {
		return -velocity, Reverse
	}
	return velocity, Forward
}

// NormalizeWithSense folds a possibly negative speed into an explicit sense.
func NormalizeWithSense(speed float64, sense Sense) (float64, Sense) {
	mag, s := Normalize(speed)
	if s == Reverse {
		return mag, sense.Flip()
	}
	return mag, sense
}

// ActuatorState is the local view of one motor.
type ActuatorState struct {
	Speed      float64
	Sense      Sense
	LastUpdate time.Time
	Enabled    bool
}

// Stopped returns the zeroed default state for a newly tracked actuator.
func Stopped() ActuatorState {
	return ActuatorState{Sense: Forward, Enabled: true}
}
