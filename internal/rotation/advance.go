package rotation

import "caption-sky/server/internal/flight"

// stepCycle spreads the per-bird advance over 1..stepCycle captions.
const stepCycle = 3

// Step returns how many captions the bird at position idx advances per tick.
func Step(idx int) int {
	return 1 + idx%stepCycle
}

// Advance returns a copy of birds with every caption index moved forward by
// its positional step, wrapping at length. Only CaptionIndex changes. A
// non-positive length yields an unchanged copy.
func Advance(birds []flight.Bird, length int) []flight.Bird {
	next := make([]flight.Bird, len(birds))
	copy(next, birds)
	if length <= 0 {
		return next
	}
	for idx := range next {
		next[idx].CaptionIndex = (next[idx].CaptionIndex + Step(idx)) % length
	}
	return next
}
