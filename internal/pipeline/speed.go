package pipeline

import "math"

// Safe tempo range for automatic duration matching.
const (
	MinSpeed = 0.8
	MaxSpeed = 1.5
)

// SpeedFactor returns the tempo multiplier that fits actual seconds of
// rendered audio into target seconds. A result above 1 speeds the audio up.
// When either duration is not positive the factor is 1.0 and degenerate is true.
func SpeedFactor(actual, target float64) (factor float64, degenerate bool) {
	if actual <= 0 || target <= 0 || math.IsNaN(actual) || math.IsNaN(target) {
		return 1.0, true
	}
	return actual / target, false
}

// ClampSpeed limits f to [MinSpeed, MaxSpeed] and reports whether it changed.
func ClampSpeed(f float64) (float64, bool) {
	switch {
	case math.IsNaN(f):
		return 1.0, true
	case f < MinSpeed:
		return MinSpeed, true
	case f > MaxSpeed:
		return MaxSpeed, true
	default:
		return f, false
	}
}
