package flight

import "math"

// Controls are the user-adjustable flock parameters.
type Controls struct {
	Count int     `json:"count"`
	Speed float64 `json:"speed"`
}

// ControlsUpdate is a partial controls request; nil fields are left as is.
type ControlsUpdate struct {
	Count *int     `json:"count,omitempty"`
	Speed *float64 `json:"speed,omitempty"`
}

// Apply overlays the set fields onto current.
func (u ControlsUpdate) Apply(current Controls) Controls {
	if u.Count != nil {
		current.Count = *u.Count
	}
	if u.Speed != nil {
		current.Speed = *u.Speed
	}
	return current
}

func DefaultControls() Controls {
	return Controls{Count: DefaultBirds, Speed: DefaultSpeed}
}

// Normalized clamps the controls to the ranges the UI offers. Speed is
// snapped to SpeedStep; a non-finite speed falls back to DefaultSpeed.
func (c Controls) Normalized() Controls {
	c.Count = ClampCount(c.Count)

	speed := c.Speed
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = DefaultSpeed
	}
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	c.Speed = math.Round(speed*10) / 10
	return c
}
