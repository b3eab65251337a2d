package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apresai/dubber/internal/audio"
)

// DefaultCommand is the synthesis executable used when none is configured.
const DefaultCommand = "chatterbox-tts"

// CommandSynthesizer runs an external program once per segment. The program
// receives --text, --audio-prompt, --exaggeration, --cfg-weight and --output
// flags after any configured base arguments, and must write a WAV file to
// the output path.
type CommandSynthesizer struct {
	command string
	args    []string
	logger  *slog.Logger
}

func NewCommandSynthesizer(command string, args []string, logger *slog.Logger) *CommandSynthesizer {
	if command == "" {
		command = DefaultCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandSynthesizer{
		command: command,
		args:    append([]string(nil), args...),
		logger:  logger,
	}
}

func (s *CommandSynthesizer) Name() string { return "command" }

func (s *CommandSynthesizer) buildArgs(req Request, output string) []string {
	args := append([]string(nil), s.args...)
	return append(args,
		"--text", req.Text,
		"--audio-prompt", req.ReferencePath,
		"--exaggeration", strconv.FormatFloat(req.Exaggeration, 'f', -1, 64),
		"--cfg-weight", strconv.FormatFloat(req.CFGWeight, 'f', -1, 64),
		"--output", output,
	)
}

func (s *CommandSynthesizer) Synthesize(ctx context.Context, req Request) (audio.Waveform, error) {
	scratch, err := os.MkdirTemp("", "dubber-tts-*")
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	output := filepath.Join(scratch, "out.wav")
	cmd := exec.CommandContext(ctx, s.command, s.buildArgs(req, output)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return audio.Waveform{}, fmt.Errorf("%s failed: %w\n%s", s.command, err, strings.TrimSpace(stderr.String()))
	}
	s.logger.DebugContext(ctx, "synthesis command finished",
		"command", s.command,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"chars", len(req.Text),
	)

	w, err := audio.ReadWAV(output)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read %s output: %w", s.command, err)
	}
	return w, nil
}

func (s *CommandSynthesizer) Close() error { return nil }

var _ Synthesizer = (*CommandSynthesizer)(nil)
