package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/apresai/dubber/internal/audio"
	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/progress"
	"github.com/apresai/dubber/internal/retime"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/tts"
	"github.com/apresai/dubber/internal/voice"
)

const testRate = 8000

// fakeSynth renders silence. Its length comes from secs (keyed by text) or
// defaults to one second.
type fakeSynth struct {
	mu    sync.Mutex
	secs  map[string]float64
	fail  map[string]error
	calls []tts.Request
}

func (f *fakeSynth) Name() string { return "fake" }
func (f *fakeSynth) Close() error { return nil }

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) (audio.Waveform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.fail[req.Text]; err != nil {
		return audio.Waveform{}, err
	}
	secs := 1.0
	if s, ok := f.secs[req.Text]; ok {
		secs = s
	}
	return audio.Waveform{SampleRate: testRate, Channels: 1, Samples: make([]float32, int(secs*testRate))}, nil
}

type retimeCall struct {
	input, output string
	factor        float64
}

// fakeRetimer copies input to output, optionally failing for given inputs.
type fakeRetimer struct {
	mu    sync.Mutex
	calls []retimeCall
	fail  map[string]bool // keyed by input base name
}

func (f *fakeRetimer) Retime(ctx context.Context, input, output string, factor float64) error {
	f.mu.Lock()
	f.calls = append(f.calls, retimeCall{input, output, factor})
	fail := f.fail[filepath.Base(input)]
	f.mu.Unlock()

	if _, err := os.Stat(input); err != nil {
		return err
	}
	if fail {
		// leave a partial output behind like a crashed encoder would
		os.WriteFile(output, []byte("partial"), 0o644)
		return &retime.Error{Input: input, Factor: factor, Stderr: "atempo exploded", Err: errors.New("exit status 1")}
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func (f *fakeRetimer) factors() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float64
	for _, c := range f.calls {
		out = append(out, c.factor)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTranscript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "show.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func refs(t *testing.T, n int) voice.ReferenceSet {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join("/voices", transcript.NewSpeakerID(i).String()+".wav")
	}
	set, err := voice.NewReferenceSet(paths)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func readManifest(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dir, "*_temp.wav"))
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `{"segments":[
		{"start":0.0,"end":3.0,"speaker":"SPEAKER_00","text":"Hello"},
		{"start":3.0,"end":4.0,"speaker":"SPEAKER_05","text":"Hi"}]}`)

	synth := &fakeSynth{}
	p := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		Exaggeration:   0.6,
		CFGWeight:      0.7,
	}, synth, &fakeRetimer{}, quietLogger())

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "000.wav")); err != nil {
		t.Errorf("000.wav missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "001.wav")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("001.wav should not exist: %v", err)
	}

	lines := readManifest(t, filepath.Join(dir, "show_manifest.txt"))
	want := "[0.0s–3.0s] (SPEAKER_00) " + filepath.Join(dir, "000.wav")
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("manifest = %q, want [%q]", lines, want)
	}
	if res.ManifestPath != filepath.Join(dir, "show_manifest.txt") {
		t.Errorf("ManifestPath = %q", res.ManifestPath)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Index != 1 {
		t.Errorf("Skipped = %+v", res.Skipped)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the unresolved speaker")
	}
	if res.RunID == "" || res.Segments != 2 {
		t.Errorf("result = %+v", res)
	}

	if len(synth.calls) != 1 {
		t.Fatalf("synth calls = %d, want 1", len(synth.calls))
	}
	got := synth.calls[0]
	if got.Text != "Hello" || got.ReferencePath != "/voices/SPEAKER_00.wav" || got.Exaggeration != 0.6 || got.CFGWeight != 0.7 {
		t.Errorf("synth request = %+v", got)
	}
}

func TestSkipWithoutRenumber(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `{"segments":[
		{"start":0,"end":1,"speaker":"SPEAKER_01","text":"a"},
		{"start":1,"end":2,"speaker":"SPEAKER_02","text":"b"},
		{"start":2,"end":3,"speaker":"SPEAKER_00","text":"c"},
		{"start":3,"end":4,"speaker":"narrator","text":"d"}]}`)

	res, err := New(Config{TranscriptPath: path, References: refs(t, 1)}, &fakeSynth{}, &fakeRetimer{}, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := readManifest(t, res.ManifestPath)
	want := "[2.0s–3.0s] (SPEAKER_00) " + filepath.Join(dir, "002.wav")
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("manifest = %q, want [%q]", lines, want)
	}
	for _, name := range []string{"000.wav", "001.wav", "003.wav"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Errorf("%s should not exist", name)
		}
	}
	if len(res.Skipped) != 3 {
		t.Errorf("Skipped = %+v", res.Skipped)
	}
}

func TestNoOpSpeedShortcut(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[{"start":1.0,"end":3.0,"speaker":"SPEAKER_00","text":"exact"}]`)

	synth := &fakeSynth{secs: map[string]float64{"exact": 2.0}}
	rt := &fakeRetimer{}
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		Speed:          config.MatchTimestamps(),
	}, synth, rt, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rt.calls) != 0 {
		t.Errorf("retimer called for factor 1.0: %+v", rt.calls)
	}
	assertNoTemps(t, dir)

	// the final file must be byte-identical to the rendered audio
	ref := filepath.Join(t.TempDir(), "ref.wav")
	if err := audio.WriteWAV(ref, audio.Waveform{SampleRate: testRate, Channels: 1, Samples: make([]float32, 2*testRate)}); err != nil {
		t.Fatal(err)
	}
	want, _ := os.ReadFile(ref)
	got, err := os.ReadFile(filepath.Join(dir, "000.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("final audio differs from rendered audio")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %q", res.Warnings)
	}
}

func TestMatchTimestampsClamps(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[
		{"start":0,"end":1,"speaker":"SPEAKER_00","text":"long"},
		{"start":1,"end":3,"speaker":"SPEAKER_00","text":"short"},
		{"start":3,"end":5,"speaker":"SPEAKER_00","text":"bit long"}]`)

	synth := &fakeSynth{secs: map[string]float64{"long": 3, "short": 0.5, "bit long": 2.5}}
	rt := &fakeRetimer{}
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		Speed:          config.MatchTimestamps(),
	}, synth, rt, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := rt.factors()
	want := []float64{MaxSpeed, MinSpeed, 1.25}
	if len(got) != len(want) {
		t.Fatalf("factors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("factor[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	clampWarnings := 0
	for _, w := range res.Warnings {
		if strings.Contains(w, "clamped") {
			clampWarnings++
		}
	}
	if clampWarnings != 2 {
		t.Errorf("clamp warnings = %d, want 2: %q", clampWarnings, res.Warnings)
	}
	if len(res.Entries) != 3 {
		t.Errorf("entries = %+v", res.Entries)
	}
	assertNoTemps(t, dir)
}

func TestDegenerateTargetDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[{"start":2.0,"end":2.0,"speaker":"SPEAKER_00","text":"instant"}]`)

	rt := &fakeRetimer{}
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		Speed:          config.MatchTimestamps(),
	}, &fakeSynth{}, rt, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("degenerate segment should not be retimed: %+v", rt.calls)
	}
	if len(res.Entries) != 1 || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "degenerate") {
		t.Errorf("result = %+v", res)
	}
	assertNoTemps(t, dir)
}

func TestDegenerateRenderedDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[{"start":0.0,"end":1.5,"speaker":"SPEAKER_00","text":"silent"}]`)

	rt := &fakeRetimer{}
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		Speed:          config.MatchTimestamps(),
	}, &fakeSynth{secs: map[string]float64{"silent": 0}}, rt, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("empty render should not be retimed: %+v", rt.calls)
	}
	if len(res.Entries) != 1 || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "degenerate") {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(res.Entries[0].Path); err != nil {
		t.Errorf("final output missing: %v", err)
	}
	assertNoTemps(t, dir)
}

func TestFixedSpeed(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[
		{"start":0,"end":1,"speaker":"SPEAKER_00","text":"a"},
		{"start":1,"end":2,"speaker":"SPEAKER_01","text":"b"}]`)

	speed, err := config.FixedSpeed(2.5)
	if err != nil {
		t.Fatal(err)
	}
	rt := &fakeRetimer{}
	res, err := New(Config{TranscriptPath: path, References: refs(t, 2), Speed: speed}, &fakeSynth{}, rt, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := rt.factors()
	if len(got) != 2 || got[0] != 2.5 || got[1] != 2.5 {
		t.Errorf("factors = %v, fixed speed must not be clamped", got)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %q", res.Warnings)
	}
	if rt.calls[0].output != filepath.Join(dir, "000.wav") || rt.calls[0].input != filepath.Join(dir, "000_temp.wav") {
		t.Errorf("retime paths = %+v", rt.calls[0])
	}
	assertNoTemps(t, dir)
}

func TestRetimeFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[
		{"start":0,"end":1,"speaker":"SPEAKER_00","text":"ok"},
		{"start":1,"end":2,"speaker":"SPEAKER_00","text":"breaks"},
		{"start":2,"end":3,"speaker":"SPEAKER_00","text":"never"}]`)

	speed, _ := config.FixedSpeed(1.2)
	synth := &fakeSynth{}
	rt := &fakeRetimer{fail: map[string]bool{"001_temp.wav": true}}
	res, err := New(Config{TranscriptPath: path, References: refs(t, 1), Speed: speed}, synth, rt, quietLogger()).Run(context.Background())

	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Stage != StageReconcile || perr.Segment != 1 {
		t.Fatalf("err = %v, want reconcile PipelineError for segment 1", err)
	}
	var rerr *retime.Error
	if !errors.As(err, &rerr) || rerr.Stderr != "atempo exploded" {
		t.Errorf("retime error not preserved: %v", err)
	}

	assertNoTemps(t, dir)
	if _, err := os.Stat(filepath.Join(dir, "001.wav")); err == nil {
		t.Error("partial output of failed retime should be removed")
	}
	if len(synth.calls) != 2 {
		t.Errorf("synth calls = %d, run should stop after the failure", len(synth.calls))
	}

	lines := readManifest(t, filepath.Join(dir, "show_manifest.txt"))
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "000.wav") {
		t.Errorf("manifest = %q, want completed prefix only", lines)
	}
	if len(res.Entries) != 1 {
		t.Errorf("entries = %+v", res.Entries)
	}
}

func TestWriteFailureRemovesPartialOutput(t *testing.T) {
	for _, tt := range []struct {
		name    string
		speed   config.SpeedPolicy
		partial string
	}{
		{"final", config.NoSpeedChange(), "001.wav"},
		{"temp", config.MatchTimestamps(), "001_temp.wav"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeTranscript(t, dir, `[
				{"start":0,"end":1,"speaker":"SPEAKER_00","text":"ok"},
				{"start":1,"end":2,"speaker":"SPEAKER_00","text":"disk full"}]`)

			orig := writeWAV
			t.Cleanup(func() { writeWAV = orig })
			writeWAV = func(p string, w audio.Waveform) error {
				if filepath.Base(p) != tt.partial {
					return orig(p, w)
				}
				os.WriteFile(p, []byte("RIFF"), 0o644)
				return errors.New("no space left on device")
			}

			_, err := New(Config{TranscriptPath: path, References: refs(t, 1), Speed: tt.speed}, &fakeSynth{}, &fakeRetimer{}, quietLogger()).Run(context.Background())
			var perr *PipelineError
			if !errors.As(err, &perr) || perr.Stage != StageWrite || perr.Segment != 1 {
				t.Fatalf("err = %v, want write PipelineError for segment 1", err)
			}
			if _, err := os.Stat(filepath.Join(dir, tt.partial)); err == nil {
				t.Errorf("partial %s left behind", tt.partial)
			}
			lines := readManifest(t, filepath.Join(dir, "show_manifest.txt"))
			if len(lines) != 1 || !strings.HasSuffix(lines[0], "000.wav") {
				t.Errorf("manifest = %q, want completed prefix only", lines)
			}
		})
	}
}

func TestSynthesisFailurePolicy(t *testing.T) {
	body := `[
		{"start":0,"end":1,"speaker":"SPEAKER_00","text":"a"},
		{"start":1,"end":2,"speaker":"SPEAKER_00","text":"bad"},
		{"start":2,"end":3,"speaker":"SPEAKER_00","text":"c"}]`
	boom := errors.New("CUDA out of memory")

	t.Run("abort", func(t *testing.T) {
		dir := t.TempDir()
		path := writeTranscript(t, dir, body)
		synth := &fakeSynth{fail: map[string]error{"bad": boom}}
		res, err := New(Config{TranscriptPath: path, References: refs(t, 1)}, synth, &fakeRetimer{}, quietLogger()).Run(context.Background())

		var serr *tts.SynthesisError
		if !errors.As(err, &serr) || serr.Segment != 1 || !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		if len(synth.calls) != 2 {
			t.Errorf("synth calls = %d, want 2", len(synth.calls))
		}
		if len(res.Entries) != 1 {
			t.Errorf("entries = %+v", res.Entries)
		}
		if lines := readManifest(t, filepath.Join(dir, "show_manifest.txt")); len(lines) != 1 {
			t.Errorf("manifest = %q", lines)
		}
	})

	t.Run("skip", func(t *testing.T) {
		dir := t.TempDir()
		path := writeTranscript(t, dir, body)
		synth := &fakeSynth{fail: map[string]error{"bad": boom}}
		res, err := New(Config{
			TranscriptPath:   path,
			References:       refs(t, 1),
			OnSynthesisError: config.FailSkip,
		}, synth, &fakeRetimer{}, quietLogger()).Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(res.Entries) != 2 || len(res.Skipped) != 1 || res.Skipped[0].Index != 1 {
			t.Errorf("result = %+v", res)
		}
		if _, err := os.Stat(filepath.Join(dir, "002.wav")); err != nil {
			t.Errorf("002.wav missing: %v", err)
		}
	})
}

func TestParallelRetimeKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 8; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"start":` + itoa(i) + `,"end":` + itoa(i+1) + `,"speaker":"SPEAKER_0` + itoa(i%2) + `","text":"s"}`)
	}
	b.WriteString("]")
	path := writeTranscript(t, dir, b.String())

	speed, _ := config.FixedSpeed(1.1)
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 2),
		Speed:          speed,
		RetimeWorkers:  4,
	}, &fakeSynth{}, &fakeRetimer{}, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := readManifest(t, res.ManifestPath)
	if len(lines) != 8 {
		t.Fatalf("manifest has %d lines", len(lines))
	}
	for i, line := range lines {
		if !strings.HasSuffix(line, FinalName(i)) {
			t.Errorf("line %d = %q", i, line)
		}
	}
	assertNoTemps(t, dir)
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestOrphanedTempsRemoved(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[{"start":0,"end":1,"speaker":"SPEAKER_00","text":"a"}]`)
	orphan := filepath.Join(dir, "007_temp.wav")
	keep := filepath.Join(dir, "notes_temp.wav")
	for _, p := range []string{orphan, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := New(Config{TranscriptPath: path, References: refs(t, 1)}, &fakeSynth{}, &fakeRetimer{}, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphaned temp file should be removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("unrelated file should be kept")
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %q", res.Warnings)
	}
}

func TestEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `{"segments":[]}`)
	synth := &fakeSynth{}

	var events []progress.Event
	res, err := New(Config{
		TranscriptPath: path,
		References:     refs(t, 1),
		OnProgress:     func(e progress.Event) { events = append(events, e) },
	}, synth, &fakeRetimer{}, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Segments != 0 || len(res.Entries) != 0 || res.ManifestPath != "" {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "show_manifest.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("no manifest should be written for an empty transcript")
	}
	if len(synth.calls) != 0 {
		t.Error("synthesizer should not be called")
	}
	if len(events) == 0 || events[len(events)-1].Stage != progress.StageComplete {
		t.Errorf("events = %+v", events)
	}
}

func TestParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `{"segments":[{"start":"soon","end":1}]}`)
	synth := &fakeSynth{}

	_, err := New(Config{TranscriptPath: path, References: refs(t, 1)}, synth, &fakeRetimer{}, quietLogger()).Run(context.Background())
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Stage != StageParse {
		t.Fatalf("err = %v", err)
	}
	var pe *transcript.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("ParseError not wrapped: %v", err)
	}
	if len(synth.calls) != 0 {
		t.Error("no synthesis should happen after a parse failure")
	}
	if _, err := os.Stat(filepath.Join(dir, "show_manifest.txt")); err == nil {
		t.Error("no manifest should be written after a parse failure")
	}
}

func TestCancelledRun(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, `[{"start":0,"end":1,"speaker":"SPEAKER_00","text":"a"}]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{TranscriptPath: path, References: refs(t, 1)}, &fakeSynth{}, &fakeRetimer{}, quietLogger()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPipelineErrorFormat(t *testing.T) {
	err := &PipelineError{Stage: StageReconcile, Segment: 4, Message: "failed to adjust speed", Err: errors.New("boom")}
	if got := err.Error(); got != "[reconcile segment 4] failed to adjust speed: boom" {
		t.Errorf("Error() = %q", got)
	}
	err = &PipelineError{Stage: StageParse, Segment: -1, Message: "bad"}
	if got := err.Error(); got != "[parse] bad" {
		t.Errorf("Error() = %q", got)
	}
}
