package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/manifest"
	"github.com/apresai/dubber/internal/observability"
	"github.com/apresai/dubber/internal/pipeline"
	"github.com/apresai/dubber/internal/retime"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/tts"
	"github.com/apresai/dubber/internal/voice"
)

var tracer = otel.Tracer("dubber-mcp")

// ToolDefs returns the MCP tool definitions.
func ToolDefs() []mcp.Tool {
	references := map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Reference voice WAV paths in speaker order: entry 0 voices SPEAKER_00, entry 1 voices SPEAKER_01, and so on",
	}
	return []mcp.Tool{
		{
			Name:        "inspect_transcript",
			Description: "Parse a diarized transcript and show how each segment resolves to a reference voice, without synthesizing anything.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"transcript_path": map[string]any{
						"type":        "string",
						"description": "Path to a WhisperX-style JSON transcript or a line-oriented [start–end] (SPEAKER_NN) text file",
					},
					"references": references,
				},
				Required: []string{"transcript_path"},
			},
		},
		{
			Name:        "dub_transcript",
			Description: "Synthesize every segment of a transcript with the matching reference voice and write <index>.wav files plus a manifest next to the transcript. Runs synchronously; only one job runs at a time.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"transcript_path": map[string]any{
						"type":        "string",
						"description": "Path to the transcript to dub",
					},
					"references": references,
					"exaggeration": map[string]any{
						"type":        "number",
						"description": "Emotion exaggeration weight",
						"default":     config.DefaultExaggeration,
					},
					"cfg_weight": map[string]any{
						"type":        "number",
						"description": "Classifier-free guidance weight",
						"default":     config.DefaultCFGWeight,
					},
					"speed": map[string]any{
						"type":        "number",
						"description": "Fixed tempo multiplier applied to every segment (exclusive with match_timestamps)",
					},
					"match_timestamps": map[string]any{
						"type":        "boolean",
						"description": "Retime each segment toward its original duration, clamped to 0.8-1.5x",
						"default":     false,
					},
				},
				Required: []string{"transcript_path", "references"},
			},
		},
		{
			Name:        "read_manifest",
			Description: "Read a manifest written by dub_transcript and return its entries.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"manifest_path": map[string]any{
						"type":        "string",
						"description": "Path to a *_manifest.txt file",
					},
				},
				Required: []string{"manifest_path"},
			},
		},
	}
}

// SynthFactory builds the synthesizer used for one dubbing job.
type SynthFactory func(cfg tts.Config) (tts.Synthesizer, error)

// Handlers contains tool handler implementations.
type Handlers struct {
	defaults   config.Job
	newSynth   SynthFactory
	newRetimer func(binary string) retime.Retimer
	baseCtx    context.Context
	busy       sync.Mutex
	log        *slog.Logger
}

// NewHandlers creates tool handlers. Jobs follow baseCtx for cancellation
// rather than the request that started them.
func NewHandlers(baseCtx context.Context, defaults config.Job, newSynth SynthFactory, logger *slog.Logger) *Handlers {
	if newSynth == nil {
		newSynth = tts.NewSynthesizer
	}
	return &Handlers{
		defaults: defaults,
		newSynth: newSynth,
		newRetimer: func(binary string) retime.Retimer {
			return retime.NewFFmpeg(binary)
		},
		baseCtx: baseCtx,
		log:     logger,
	}
}

// HandleInspectTranscript parses a transcript and reports segment resolution.
func (h *Handlers) HandleInspectTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, span := tracer.Start(ctx, "tool.inspect_transcript")
	defer span.End()

	path := mcp.ParseString(req, "transcript_path", "")
	if path == "" {
		span.SetStatus(codes.Error, "missing transcript_path")
		return mcp.NewToolResultError("transcript_path is required"), nil
	}
	refPaths, err := parseStringSlice(req, "references")
	if err != nil {
		span.SetStatus(codes.Error, "bad references")
		return mcp.NewToolResultError(err.Error()), nil
	}
	span.SetAttributes(
		attribute.String("transcript", path),
		attribute.Int("references", len(refPaths)),
	)

	// an empty reference list still lets callers see the parsed segments
	var refs voice.ReferenceSet
	if len(refPaths) > 0 {
		refs, _ = voice.NewReferenceSet(refPaths)
	}
	plan, err := pipeline.Plan(path, transcript.FormatAuto, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return mcp.NewToolResultError(err.Error()), nil
	}

	resolved := 0
	for _, s := range plan {
		if s.Resolved() {
			resolved++
		}
	}
	return jsonResult(map[string]any{
		"segments":   plan,
		"count":      len(plan),
		"resolved":   resolved,
		"unresolved": len(plan) - resolved,
	})
}

// HandleDubTranscript runs a full dubbing job and waits for it to finish.
func (h *Handlers) HandleDubTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.dub_transcript")
	defer span.End()

	path := mcp.ParseString(req, "transcript_path", "")
	refPaths, err := parseStringSlice(req, "references")
	if err != nil {
		span.SetStatus(codes.Error, "bad references")
		return mcp.NewToolResultError(err.Error()), nil
	}
	if path == "" || len(refPaths) == 0 {
		span.SetStatus(codes.Error, "missing input")
		return mcp.NewToolResultError("transcript_path and references are required"), nil
	}

	speedArg, speedSet := req.GetArguments()["speed"]
	speed := 1.0
	if speedSet {
		f, ok := speedArg.(float64)
		if !ok {
			return mcp.NewToolResultError("speed must be a number"), nil
		}
		speed = f
	}
	policy, err := config.NewSpeedPolicy(mcp.ParseBoolean(req, "match_timestamps", false), speed, speedSet)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refs, err := voice.NewReferenceSet(refPaths)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := voice.CheckFiles(refs); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	failPolicy, err := h.defaults.FailurePolicy()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !h.busy.TryLock() {
		span.SetStatus(codes.Error, "busy")
		return mcp.NewToolResultError("another dubbing job is already running; try again when it finishes"), nil
	}
	defer h.busy.Unlock()

	span.SetAttributes(
		attribute.String("transcript", path),
		attribute.Int("references", refs.Len()),
		attribute.String("speed", policy.String()),
	)

	synth, err := h.newSynth(synthConfig(h.defaults, h.log))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesizer init failed")
		return mcp.NewToolResultError(fmt.Sprintf("create synthesizer: %v", err)), nil
	}
	defer synth.Close()

	p := pipeline.New(pipeline.Config{
		TranscriptPath:   path,
		Format:           transcript.FormatAuto,
		References:       refs,
		Exaggeration:     mcp.ParseFloat64(req, "exaggeration", h.defaults.Exaggeration),
		CFGWeight:        mcp.ParseFloat64(req, "cfg_weight", h.defaults.CFGWeight),
		Speed:            policy,
		OnSynthesisError: failPolicy,
		RetimeWorkers:    h.defaults.RetimeWorkers,
	}, synth, h.newRetimer(h.defaults.FFmpeg), h.log)

	runCtx := observability.DetachTraceContextFrom(ctx, h.baseCtx)
	res, runErr := p.Run(runCtx)

	out := map[string]any{
		"run_id":        res.RunID,
		"segments":      res.Segments,
		"written":       len(res.Entries),
		"skipped":       res.Skipped,
		"warnings":      res.Warnings,
		"manifest_path": res.ManifestPath,
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
		out["error"] = runErr.Error()
		data, _ := json.Marshal(out)
		return mcp.NewToolResultError(string(data)), nil
	}
	span.SetAttributes(attribute.String("run_id", res.RunID), attribute.Int("written", len(res.Entries)))
	span.SetStatus(codes.Ok, "complete")
	return jsonResult(out)
}

// HandleReadManifest returns the entries of a manifest file.
func (h *Handlers) HandleReadManifest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, span := tracer.Start(ctx, "tool.read_manifest")
	defer span.End()

	path := mcp.ParseString(req, "manifest_path", "")
	if path == "" {
		span.SetStatus(codes.Error, "missing manifest_path")
		return mcp.NewToolResultError("manifest_path is required"), nil
	}
	entries, err := manifest.Read(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return mcp.NewToolResultError(err.Error()), nil
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"start":      e.Start,
			"end":        e.End,
			"speaker_id": e.SpeakerID,
			"path":       e.Path,
		})
	}
	return jsonResult(map[string]any{"entries": items, "count": len(items)})
}

func synthConfig(job config.Job, logger *slog.Logger) tts.Config {
	return tts.Config{
		Adapter:    job.Synth.Adapter,
		Command:    job.Synth.Command,
		Args:       job.Synth.Args,
		URL:        job.Synth.URL,
		APIKey:     job.Synth.APIKey,
		GoogleAuth: job.Synth.GoogleAuth,
		Timeout:    time.Duration(job.Synth.Timeout),
		Logger:     logger,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// parseStringSlice reads an array of paths. Empty or non-string items are
// rejected rather than dropped since list position selects the speaker.
func parseStringSlice(req mcp.CallToolRequest, key string) ([]string, error) {
	args := req.GetArguments()
	if args == nil {
		return nil, nil
	}
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%s[%d] must be a non-empty path", key, i)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		for i, s := range v {
			if strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%s[%d] must be a non-empty path", key, i)
			}
		}
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("%s must be an array of paths", key)
	}
}
