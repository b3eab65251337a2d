package pipeline

import (
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/voice"
)

// PlannedSegment is what a run would do with one segment.
type PlannedSegment struct {
	Index     int     `json:"index"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Reference string  `json:"reference,omitempty"`
	Output    string  `json:"output,omitempty"` // empty when the segment would be skipped
}

// Resolved reports whether the segment has a reference voice.
func (s PlannedSegment) Resolved() bool { return s.Reference != "" }

// Plan parses a transcript and resolves every segment against refs without
// synthesizing anything.
func Plan(path string, format transcript.Format, refs voice.ReferenceSet) ([]PlannedSegment, error) {
	segs, err := transcript.ParseFile(path, format)
	if err != nil {
		return nil, err
	}
	out := make([]PlannedSegment, 0, len(segs))
	for _, seg := range segs {
		ps := PlannedSegment{
			Index:   seg.Index,
			Start:   seg.Start,
			End:     seg.End,
			Speaker: seg.SpeakerLabel,
			Text:    seg.Text,
		}
		if ref, ok := refs.Resolve(seg.Speaker); ok {
			ps.Reference = ref
			ps.Output = FinalName(seg.Index)
		}
		out = append(out, ps)
	}
	return out, nil
}
