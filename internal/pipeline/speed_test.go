package pipeline

import (
	"math"
	"testing"
)

func TestSpeedFactor(t *testing.T) {
	tests := []struct {
		name           string
		actual, target float64
		want           float64
		degenerate     bool
	}{
		{"too long", 3.0, 2.0, 1.5, false},
		{"too short", 1.0, 2.0, 0.5, false},
		{"exact", 2.0, 2.0, 1.0, false},
		{"empty render", 0, 2.0, 1.0, true},
		{"negative render", -1, 2.0, 1.0, true},
		{"zero target", 1.0, 0, 1.0, true},
		{"NaN", math.NaN(), 1, 1.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, degenerate := SpeedFactor(tt.actual, tt.target)
			if got != tt.want || degenerate != tt.degenerate {
				t.Errorf("SpeedFactor(%v, %v) = %v, %v; want %v, %v", tt.actual, tt.target, got, degenerate, tt.want, tt.degenerate)
			}
		})
	}
}

func TestClampSpeed(t *testing.T) {
	tests := []struct {
		in      float64
		want    float64
		clamped bool
	}{
		{1.0, 1.0, false},
		{0.8, 0.8, false},
		{1.5, 1.5, false},
		{1.2, 1.2, false},
		{0.5, MinSpeed, true},
		{3.0, MaxSpeed, true},
		{0, MinSpeed, true},
		{-2, MinSpeed, true},
		{math.Inf(1), MaxSpeed, true},
		{math.NaN(), 1.0, true},
	}
	for _, tt := range tests {
		got, clamped := ClampSpeed(tt.in)
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("ClampSpeed(%v) = %v, %v; want %v, %v", tt.in, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestClampIdempotent(t *testing.T) {
	for _, f := range []float64{-10, 0, 0.1, 0.79, 0.8, 0.95, 1, 1.3, 1.5, 1.51, 7, math.Inf(1), math.Inf(-1)} {
		once, _ := ClampSpeed(f)
		twice, changed := ClampSpeed(once)
		if twice != once || changed {
			t.Errorf("clamp(clamp(%v)) = %v (changed=%v), clamp = %v", f, twice, changed, once)
		}
		if once < MinSpeed || once > MaxSpeed {
			t.Errorf("clamp(%v) = %v outside range", f, once)
		}
	}
}
