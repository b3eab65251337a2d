package transcript

import (
	"fmt"
	"strconv"
)

// SpeakerID is the numeric identity derived from a speaker label. The zero
// value is unresolved.
type SpeakerID struct {
	n     int
	valid bool
}

// NewSpeakerID returns a resolved id. Negative values are unresolved.
func NewSpeakerID(n int) SpeakerID {
	if n < 0 {
		return SpeakerID{}
	}
	return SpeakerID{n: n, valid: true}
}

// ParseSpeakerID extracts the trailing run of digits from label, so
// "SPEAKER_00" is 0 and "team2_speaker_11" is 11. A label without trailing
// digits, or whose digits overflow an int, is unresolved.
func ParseSpeakerID(label string) SpeakerID {
	end := len(label)
	start := end
	for start > 0 && label[start-1] >= '0' && label[start-1] <= '9' {
		start--
	}
	if start == end {
		return SpeakerID{}
	}
	n, err := strconv.Atoi(label[start:end])
	if err != nil {
		return SpeakerID{}
	}
	return SpeakerID{n: n, valid: true}
}

// Value returns the id and whether it was resolved.
func (s SpeakerID) Value() (int, bool) {
	return s.n, s.valid
}

func (s SpeakerID) Valid() bool { return s.valid }

func (s SpeakerID) String() string {
	if !s.valid {
		return "unresolved"
	}
	return fmt.Sprintf("SPEAKER_%02d", s.n)
}
