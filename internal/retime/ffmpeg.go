package retime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Single atempo filter limits; factors outside this range are chained.
const (
	atempoMin = 0.5
	atempoMax = 2.0
)

// DefaultBinary is the ffmpeg executable used when none is configured.
const DefaultBinary = "ffmpeg"

// Retimer changes the tempo of a WAV file without shifting pitch. A factor
// above 1 shortens the audio.
type Retimer interface {
	Retime(ctx context.Context, input, output string, factor float64) error
}

// Error reports a failed tempo adjustment with the engine's diagnostics.
type Error struct {
	Input  string
	Factor float64
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("retime %s by %g: %v", e.Input, e.Factor, e.Err)
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FFmpeg retimes audio with ffmpeg's atempo filter.
type FFmpeg struct {
	Binary string
}

func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = DefaultBinary
	}
	return &FFmpeg{Binary: binary}
}

// AtempoFilter returns the -filter:a expression for factor, splitting it
// into a chain of stages each within [0.5, 2.0].
func AtempoFilter(factor float64) string {
	var stages []string
	f := factor
	for f > atempoMax {
		stages = append(stages, "atempo="+formatFactor(atempoMax))
		f /= atempoMax
	}
	for f < atempoMin {
		stages = append(stages, "atempo="+formatFactor(atempoMin))
		f /= atempoMin
	}
	stages = append(stages, "atempo="+formatFactor(f))
	return strings.Join(stages, ",")
}

func formatFactor(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (r *FFmpeg) args(input, output string, factor float64) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-filter:a", AtempoFilter(factor),
		output,
	}
}

func (r *FFmpeg) Retime(ctx context.Context, input, output string, factor float64) error {
	if factor <= 0 {
		return &Error{Input: input, Factor: factor, Err: errors.New("factor must be positive")}
	}

	cmd := exec.CommandContext(ctx, r.Binary, r.args(input, output, factor)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	if err := cmd.Run(); err != nil {
		return &Error{Input: input, Factor: factor, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	info, err := os.Stat(output)
	if err != nil {
		return &Error{Input: input, Factor: factor, Err: fmt.Errorf("output file not created: %w", err)}
	}
	if info.Size() == 0 {
		return &Error{Input: input, Factor: factor, Err: errors.New("output file is empty")}
	}
	return nil
}

var _ Retimer = (*FFmpeg)(nil)
