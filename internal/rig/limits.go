package rig

// Limits holds the maximum speed per actuator as published by the controller.
type Limits map[ActuatorID]float64

// DefaultLimits mirrors the controller's hardware defaults.
func DefaultLimits() Limits {
	return Limits{
		Canvas:        120,
		PenBrush:      80,
		PenColorDepth: 60,
		PenElevation:  90,
	}
}

// Clamp bounds speed to the limit for id. Unknown ids are not clamped.
func (l Limits) Clamp(id ActuatorID, speed float64) float64 {
	limit, ok := l[id]
	if !ok || limit <= 0 {
		return speed
	}
	if speed > limit {
		return limit
	}
	return speed
}

// limitKeys maps the controller's safety_limits keys to actuator ids.
var limitKeys = map[string]ActuatorID{
	"canvas_max": Canvas,
	"pb_max":     PenBrush,
	"pcd_max":    PenColorDepth,
	"pe_max":     PenElevation,
}

// ActuatorForLimitKey resolves a safety_limits key such as "pb_max".
func ActuatorForLimitKey(key string) (ActuatorID, bool) {
	id, ok := limitKeys[key]
	return id, ok
}

// LimitKey is the inverse of ActuatorForLimitKey. Unknown ids get "<id>_max".
func LimitKey(id ActuatorID) string {
	for key, got := range limitKeys {
		if got == id {
			return key
		}
	}
	return string(id) + "_max"
}
