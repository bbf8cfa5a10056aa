package flight

import (
	"fmt"
	"math"
)

const (
	// LaneCount is the number of vertical bands birds are assigned to.
	LaneCount = 11

	MinBirds = 3
	MaxBirds = 20

	MinSpeed  = 0.6
	MaxSpeed  = 1.8
	SpeedStep = 0.1

	DefaultBirds = 10
	DefaultSpeed = 1.0

	baseSize      = 0.75
	sizeStep      = 0.12
	baseDuration  = 14.0
	durationStep  = 2.2
	delayStep     = 1.1
	sizeCycle     = 5
	durationCycle = 6
	delayCycle    = 7
)

// Bird describes one animated caption carrier. Everything except
// CaptionIndex is fixed at generation time.
type Bird struct {
	ID           string  `json:"id"`
	Lane         int     `json:"lane"`
	Size         float64 `json:"size"`
	Duration     float64 `json:"duration"`
	Delay        float64 `json:"delay"`
	CaptionIndex int     `json:"captionIndex"`
}

// ClampCount bounds a requested bird count to [MinBirds, MaxBirds].
func ClampCount(count int) int {
	if count < MinBirds {
		return MinBirds
	}
	if count > MaxBirds {
		return MaxBirds
	}
	return count
}

// safeSpeed keeps the duration division finite and positive.
func safeSpeed(speed float64) float64 {
	if math.IsNaN(speed) || speed <= 0 {
		return MinSpeed
	}
	if math.IsInf(speed, 1) {
		return MaxSpeed
	}
	return speed
}

// Generate builds the full flock for the given parameters. The result is a
// clean rebuild; callers replace any previous flock wholesale.
func Generate(count int, speed float64, captionCount int) []Bird {
	count = ClampCount(count)
	speed = safeSpeed(speed)
	modulus := captionCount
	if modulus < 1 {
		modulus = 1
	}

	birds := make([]Bird, 0, count)
	for i := 0; i < count; i++ {
		base := baseDuration + float64(i%durationCycle)*durationStep
		birds = append(birds, Bird{
			ID:           fmt.Sprintf("bird-%d", i),
			Lane:         i % LaneCount,
			Size:         baseSize + float64(i%sizeCycle)*sizeStep,
			Duration:     base / speed,
			Delay:        float64(i%delayCycle) * delayStep,
			CaptionIndex: i % modulus,
		})
	}
	return birds
}
