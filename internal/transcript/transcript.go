package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Format selects how a transcript source is interpreted.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatJSON  Format = "json"
	FormatLines Format = "lines"
)

// DefaultSpeakerLabel is used when a structured segment has no speaker.
const DefaultSpeakerLabel = "SPEAKER_00"

func (f Format) String() string {
	return string(f)
}

// ParseFormat validates a user-supplied format name. Empty means auto.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatLines, "text", "txt":
		return FormatLines, nil
	default:
		return "", fmt.Errorf("unknown transcript format %q: must be auto, json, or lines", s)
	}
}

// Segment is one timestamped speaker utterance.
type Segment struct {
	Index        int
	Start        float64
	End          float64
	SpeakerLabel string
	Speaker      SpeakerID
	Text         string
}

// Duration is the length of the segment's original time span.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// ParseError reports a transcript that could not be read or is structurally invalid.
type ParseError struct {
	Path    string
	Line    int // 1-based; 0 when not line-oriented
	Segment int // position in the segments array; -1 when not applicable
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse transcript")
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Segment >= 0 {
		fmt.Fprintf(&b, " segment %d", e.Segment)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseFile reads and parses the transcript at path. A well-formed transcript
// with no segments yields an empty slice and a nil error.
func ParseFile(path string, format Format) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Segment: -1, Message: "read failed", Err: err}
	}
	if format == "" || format == FormatAuto {
		format = DetectFormat(path, data)
	}
	segs, err := parseBytes(data, format)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return segs, nil
}

// Parse parses a transcript from r.
func Parse(r io.Reader, format Format) ([]Segment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Segment: -1, Message: "read failed", Err: err}
	}
	if format == "" || format == FormatAuto {
		format = DetectFormat("", data)
	}
	return parseBytes(data, format)
}

// DetectFormat picks JSON for a .json extension or content that starts with
// an object or an array of objects, and the line-oriented form otherwise.
// A leading "[0.0s\u2013" time span is not mistaken for an array.
func DetectFormat(path string, data []byte) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return FormatLines
	}
	switch trimmed[0] {
	case '{':
		return FormatJSON
	case '[':
		rest := bytes.TrimLeft(trimmed[1:], " \t\r\n")
		if len(rest) > 0 && (rest[0] == '{' || rest[0] == ']') {
			return FormatJSON
		}
	}
	return FormatLines
}

func parseBytes(data []byte, format Format) ([]Segment, error) {
	switch format {
	case FormatJSON:
		return parseJSON(data)
	case FormatLines:
		return parseLines(bytes.NewReader(data))
	default:
		return nil, &ParseError{Segment: -1, Message: fmt.Sprintf("unsupported format %q", format)}
	}
}

// rawSegment mirrors a WhisperX-style segment. Unknown keys are ignored.
type rawSegment struct {
	Start   *number `json:"start"`
	End     *number `json:"end"`
	Speaker *string `json:"speaker"`
	Text    *string `json:"text"`
}

type rawDocument struct {
	Segments []rawSegment `json:"segments"`
}

// number accepts a JSON number or a numeric string.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func parseJSON(data []byte) ([]Segment, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	trimmed := bytes.TrimLeft(data, " \t\r\n")

	var raws []rawSegment
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, &ParseError{Segment: -1, Message: "invalid JSON", Err: err}
		}
	} else {
		var doc rawDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &ParseError{Segment: -1, Message: "invalid JSON", Err: err}
		}
		raws = doc.Segments
	}

	segs := make([]Segment, 0, len(raws))
	for i, raw := range raws {
		if raw.Start == nil {
			return nil, &ParseError{Segment: i, Message: "missing start"}
		}
		if raw.End == nil {
			return nil, &ParseError{Segment: i, Message: "missing end"}
		}
		label := DefaultSpeakerLabel
		if raw.Speaker != nil {
			label = *raw.Speaker
		}
		text := ""
		if raw.Text != nil {
			text = strings.TrimSpace(*raw.Text)
		}
		seg, err := newSegment(len(segs), float64(*raw.Start), float64(*raw.End), label, text)
		if err != nil {
			return nil, &ParseError{Segment: i, Message: err.Error()}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// lineRe matches "[2.866s–15.285s] (SPEAKER_00) text". The separator is an en dash.
var (
	spanRe = regexp.MustCompile(`^\[(\d+(?:\.\d*)?)s–(\d+(?:\.\d*)?)s\]`)
	lineRe = regexp.MustCompile(`^\[(\d+(?:\.\d*)?)s–(\d+(?:\.\d*)?)s\]\s*\((SPEAKER_\d+)\)\s*(.*)$`)
)

func parseLines(r io.Reader) ([]Segment, error) {
	var segs []Segment
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if !spanRe.MatchString(line) {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			// span without a speaker tag
			continue
		}
		start, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Segment: -1, Message: "bad start time", Err: err}
		}
		end, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Segment: -1, Message: "bad end time", Err: err}
		}
		seg, err := newSegment(len(segs), start, end, m[3], strings.TrimSpace(m[4]))
		if err != nil {
			return nil, &ParseError{Line: lineNo, Segment: -1, Message: err.Error()}
		}
		segs = append(segs, seg)
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Line: lineNo, Segment: -1, Message: "read failed", Err: err}
	}
	if segs == nil {
		segs = []Segment{}
	}
	return segs, nil
}

func newSegment(index int, start, end float64, label, text string) (Segment, error) {
	if !finite(start) || !finite(end) {
		return Segment{}, fmt.Errorf("non-finite time span [%g, %g]", start, end)
	}
	if start < 0 || end < 0 {
		return Segment{}, fmt.Errorf("negative time span [%g, %g]", start, end)
	}
	if end < start {
		return Segment{}, fmt.Errorf("end %g before start %g", end, start)
	}
	return Segment{
		Index:        index,
		Start:        start,
		End:          end,
		SpeakerLabel: label,
		Speaker:      ParseSpeakerID(label),
		Text:         text,
	}, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
