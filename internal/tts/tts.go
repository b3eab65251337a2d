package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apresai/dubber/internal/audio"
)

// Adapter names accepted by NewSynthesizer.
const (
	AdapterCommand = "command"
	AdapterHTTP    = "http"
)

// Request is one segment's synthesis input. Exaggeration and CFGWeight are
// passed through to the engine unvalidated.
type Request struct {
	Text          string
	ReferencePath string
	Exaggeration  float64
	CFGWeight     float64
}

// Synthesizer renders speech for one segment, conditioned on a reference voice.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (audio.Waveform, error)
	Close() error
}

// SynthesisError reports that the engine failed for a segment.
type SynthesisError struct {
	Segment int
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize segment %d: %v", e.Segment, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Config selects and configures a synthesis adapter.
type Config struct {
	Adapter string // "command" (default) or "http"

	// command adapter
	Command string
	Args    []string

	// http adapter
	URL        string
	APIKey     string
	GoogleAuth bool // attach an Application Default Credentials bearer token
	Timeout    time.Duration

	Logger *slog.Logger
}

// NewSynthesizer creates a synthesis adapter by name.
func NewSynthesizer(cfg Config) (Synthesizer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Adapter {
	case "", AdapterCommand:
		return NewCommandSynthesizer(cfg.Command, cfg.Args, cfg.Logger), nil
	case AdapterHTTP:
		return NewHTTPSynthesizer(cfg)
	default:
		return nil, fmt.Errorf("unknown synthesizer %q: choose command or http", cfg.Adapter)
	}
}
