package voice

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apresai/dubber/internal/transcript"
)

func TestResolve(t *testing.T) {
	set, err := NewReferenceSet([]string{"alice.wav", "bob.wav"})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	tests := []struct {
		name   string
		id     transcript.SpeakerID
		want   string
		wantOK bool
	}{
		{"first", transcript.NewSpeakerID(0), "alice.wav", true},
		{"second", transcript.NewSpeakerID(1), "bob.wav", true},
		{"out of range", transcript.NewSpeakerID(2), "", false},
		{"unresolved label", transcript.ParseSpeakerID("narrator"), "", false},
		{"zero value", transcript.SpeakerID{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := set.Resolve(tt.id)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%v) = %q, %v; want %q, %v", tt.id, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNewReferenceSetCopies(t *testing.T) {
	paths := []string{"a.wav"}
	set, err := NewReferenceSet(paths)
	if err != nil {
		t.Fatal(err)
	}
	paths[0] = "mutated.wav"
	if got, _ := set.Resolve(transcript.NewSpeakerID(0)); got != "a.wav" {
		t.Errorf("set shares caller slice: %q", got)
	}
	set.Paths()[0] = "mutated.wav"
	if got, _ := set.Resolve(transcript.NewSpeakerID(0)); got != "a.wav" {
		t.Errorf("Paths leaks internal slice: %q", got)
	}
}

func TestNewReferenceSetEmpty(t *testing.T) {
	if _, err := NewReferenceSet(nil); err == nil {
		t.Fatal("expected error for empty reference set")
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.wav")
	if err := os.WriteFile(ref, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, _ := NewReferenceSet([]string{ref})
	if err := CheckFiles(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	missing, _ := NewReferenceSet([]string{ref, filepath.Join(dir, "nope.wav")})
	if err := CheckFiles(missing); err == nil {
		t.Error("expected error for missing file")
	}

	asDir, _ := NewReferenceSet([]string{dir})
	if err := CheckFiles(asDir); err == nil {
		t.Error("expected error for directory")
	}
}
