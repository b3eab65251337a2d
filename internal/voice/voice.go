package voice

import (
	"errors"
	"fmt"
	"os"

	"github.com/apresai/dubber/internal/transcript"
)

// ReferenceSet is the ordered list of reference voice samples. Position n
// conditions the voice for speaker id n.
type ReferenceSet struct {
	paths []string
}

// NewReferenceSet copies paths into an immutable set. At least one path is required.
func NewReferenceSet(paths []string) (ReferenceSet, error) {
	if len(paths) == 0 {
		return ReferenceSet{}, errors.New("at least one reference voice is required")
	}
	cp := make([]string, len(paths))
	copy(cp, paths)
	return ReferenceSet{paths: cp}, nil
}

// Len returns the number of reference voices.
func (r ReferenceSet) Len() int { return len(r.paths) }

// Paths returns a copy of the reference paths in speaker order.
func (r ReferenceSet) Paths() []string {
	cp := make([]string, len(r.paths))
	copy(cp, r.paths)
	return cp
}

// Resolve returns the reference sample for id. It reports false when the id
// is unresolved or has no matching position in the set.
func (r ReferenceSet) Resolve(id transcript.SpeakerID) (string, bool) {
	n, ok := id.Value()
	if !ok || n < 0 || n >= len(r.paths) {
		return "", false
	}
	return r.paths[n], true
}

// CheckFiles verifies every reference path names a readable regular file.
func CheckFiles(r ReferenceSet) error {
	for i, p := range r.paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("reference voice %d: %w", i, err)
		}
		if info.IsDir() {
			return fmt.Errorf("reference voice %d: %s is a directory, not a file", i, p)
		}
	}
	return nil
}
