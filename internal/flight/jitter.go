package flight

import (
	"strconv"
	"unicode/utf16"
)

const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619

	laneTopBase    = 12.0
	laneTopStep    = 8.5
	laneShift      = 8.0
	jitterSpread   = 10.0
	jitterMidpoint = 5.0
)

// SeededUnit maps key to a stable value in [0, 1). The hash runs over UTF-16
// code units so browser clients computing the same key agree.
func SeededUnit(key string) float64 {
	h := fnvOffset32
	for _, unit := range utf16.Encode([]rune(key)) {
		h ^= uint32(unit)
		h *= fnvPrime32
	}
	return float64(h%10000) / 10000
}

// Placement holds the per-bird visual offsets a presentation layer needs.
type Placement struct {
	TopPercent float64 `json:"topPercent"`
	Jitter     float64 `json:"jitter"`
	XShift     float64 `json:"xShift"`
}

// JitterKey is the identity key a bird's jitter is derived from.
func JitterKey(b Bird) string {
	return b.ID + "-" + strconv.Itoa(b.Lane)
}

// Place derives the bird's lane top, jitter and horizontal shift.
func Place(b Bird) Placement {
	r := SeededUnit(JitterKey(b))
	base := -laneShift
	if b.Lane%2 != 0 {
		base = laneShift
	}
	return Placement{
		TopPercent: laneTopBase + float64(b.Lane)*laneTopStep,
		Jitter:     r,
		XShift:     base + r*jitterSpread - jitterMidpoint,
	}
}
