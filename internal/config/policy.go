package config

import (
	"errors"
	"fmt"
	"strings"
)

// SpeedMode is the kind of speed correction applied after synthesis.
type SpeedMode int

const (
	SpeedNone SpeedMode = iota
	SpeedFixed
	SpeedMatch
)

func (m SpeedMode) String() string {
	switch m {
	case SpeedFixed:
		return "fixed"
	case SpeedMatch:
		return "match-timestamps"
	default:
		return "none"
	}
}

// SpeedPolicy is either no correction, a fixed multiplier for every segment,
// or per-segment matching of the original timestamps. The zero value is no
// correction.
type SpeedPolicy struct {
	mode   SpeedMode
	factor float64
}

// NoSpeedChange leaves rendered audio as synthesized.
func NoSpeedChange() SpeedPolicy { return SpeedPolicy{} }

// MatchTimestamps retimes each segment toward its original duration.
func MatchTimestamps() SpeedPolicy { return SpeedPolicy{mode: SpeedMatch} }

// FixedSpeed applies factor to every segment. The factor must be positive.
func FixedSpeed(factor float64) (SpeedPolicy, error) {
	if factor <= 0 {
		return SpeedPolicy{}, fmt.Errorf("speed factor must be greater than 0 (got %g)", factor)
	}
	return SpeedPolicy{mode: SpeedFixed, factor: factor}, nil
}

// NewSpeedPolicy builds a policy from the two mutually exclusive options.
// factorSet reports whether a fixed factor was explicitly requested.
func NewSpeedPolicy(matchTimestamps bool, factor float64, factorSet bool) (SpeedPolicy, error) {
	switch {
	case matchTimestamps && factorSet:
		return SpeedPolicy{}, errors.New("--speed and --match-timestamps are mutually exclusive")
	case matchTimestamps:
		return MatchTimestamps(), nil
	case factorSet:
		return FixedSpeed(factor)
	default:
		return NoSpeedChange(), nil
	}
}

func (p SpeedPolicy) Mode() SpeedMode { return p.mode }

// Factor returns the fixed multiplier. It is 1.0 for every other mode.
func (p SpeedPolicy) Factor() float64 {
	if p.mode != SpeedFixed {
		return 1.0
	}
	return p.factor
}

// Reconciles reports whether audio must pass through the reconcile stage.
// A fixed factor of exactly 1.0 writes final files directly.
func (p SpeedPolicy) Reconciles() bool {
	switch p.mode {
	case SpeedMatch:
		return true
	case SpeedFixed:
		return p.factor != 1.0
	default:
		return false
	}
}

func (p SpeedPolicy) String() string {
	if p.mode == SpeedFixed {
		return fmt.Sprintf("fixed(%g)", p.factor)
	}
	return p.mode.String()
}

// FailurePolicy decides what a synthesis failure does to the run.
type FailurePolicy string

const (
	// FailAbort stops the run at the first failed segment.
	FailAbort FailurePolicy = "abort"
	// FailSkip logs the failure, records the segment as skipped and continues.
	FailSkip FailurePolicy = "skip"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailAbort:
		return FailAbort, nil
	case FailSkip:
		return FailSkip, nil
	default:
		return "", fmt.Errorf("invalid synthesis failure policy %q: must be abort or skip", s)
	}
}
