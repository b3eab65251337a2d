package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Entry maps one segment's original timing to its rendered audio file.
type Entry struct {
	Start     float64
	End       float64
	SpeakerID int
	Path      string
}

// PathFor returns the manifest location for a transcript: the transcript
// path with its extension replaced by "_manifest.txt".
func PathFor(transcriptPath string) string {
	ext := filepath.Ext(transcriptPath)
	return strings.TrimSuffix(transcriptPath, ext) + "_manifest.txt"
}

// FormatTime renders seconds in the shortest decimal form that keeps at
// least one fractional digit.
func FormatTime(secs float64) string {
	s := strconv.FormatFloat(secs, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Line renders a single manifest line without the trailing newline.
func (e Entry) Line() string {
	return fmt.Sprintf("[%ss–%ss] (SPEAKER_%02d) %s", FormatTime(e.Start), FormatTime(e.End), e.SpeakerID, e.Path)
}

// Format writes one line per entry, in order.
func Format(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.Line() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Write serializes entries to path, replacing any existing manifest.
func Write(path string, entries []Entry) error {
	var buf bytes.Buffer
	if err := Format(&buf, entries); err != nil {
		return fmt.Errorf("format manifest: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

var lineRe = regexp.MustCompile(`^\[(\d+(?:\.\d*)?)s–(\d+(?:\.\d*)?)s\]\s*\(SPEAKER_(\d+)\)\s+(.+)$`)

// Parse reads manifest lines from r. Blank lines are ignored; any other
// line that does not match the manifest format is an error.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("manifest line %d: unrecognized format", lineNo)
		}
		start, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: start: %w", lineNo, err)
		}
		end, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: end: %w", lineNo, err)
		}
		id, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: speaker: %w", lineNo, err)
		}
		entries = append(entries, Entry{Start: start, End: end, SpeakerID: id, Path: m[4]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Read parses the manifest at path.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, nil
}
