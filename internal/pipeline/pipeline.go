package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/manifest"
	"github.com/apresai/dubber/internal/progress"
	"github.com/apresai/dubber/internal/retime"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/tts"
	"github.com/apresai/dubber/internal/voice"
)

var tracer = otel.Tracer("dubber")

// Config describes one dubbing run.
type Config struct {
	TranscriptPath   string
	Format           transcript.Format
	References       voice.ReferenceSet
	Exaggeration     float64
	CFGWeight        float64
	Speed            config.SpeedPolicy
	OnSynthesisError config.FailurePolicy
	RetimeWorkers    int
	OnProgress       progress.Callback
}

// Skip records a segment that produced no output.
type Skip struct {
	Index  int
	Reason string
}

// Result summarizes a run. It is returned alongside a fatal error too, with
// the entries that were completed before the failure.
type Result struct {
	RunID        string
	Segments     int
	Entries      []manifest.Entry
	Skipped      []Skip
	ManifestPath string
	Warnings     []string
}

// Pipeline synthesizes every segment of a transcript and writes the manifest.
type Pipeline struct {
	cfg    Config
	synth  tts.Synthesizer
	rt     retime.Retimer
	logger *slog.Logger
}

// New creates a pipeline. The synthesizer and retimer are owned by the caller.
func New(cfg Config, synth tts.Synthesizer, rt retime.Retimer, logger *slog.Logger) *Pipeline {
	if cfg.OnProgress == nil {
		cfg.OnProgress = progress.NopCallback
	}
	if cfg.RetimeWorkers < 1 {
		cfg.RetimeWorkers = 1
	}
	if cfg.OnSynthesisError == "" {
		cfg.OnSynthesisError = config.FailAbort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, synth: synth, rt: rt, logger: logger}
}

// run holds the mutable state of a single Run call.
type run struct {
	p      *Pipeline
	start  time.Time
	logger *slog.Logger
	outDir string
	res    *Result

	mu       sync.Mutex
	failIdx  int // lowest failing segment index, or -1
	failErr  error
	slots    []*manifest.Entry
	finished int
}

// Run processes the transcript. On a fatal error the manifest still lists the
// segments completed before the failing one, and the error is a *PipelineError.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := ulid.Make().String()
	ctx, span := tracer.Start(ctx, "dubber.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("transcript", p.cfg.TranscriptPath),
			attribute.String("speed", p.cfg.Speed.String()),
		),
	)
	defer span.End()

	r := &run{
		p:       p,
		start:   time.Now(),
		logger:  p.logger.With("run_id", runID),
		res:     &Result{RunID: runID},
		failIdx: -1,
	}

	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		p.emit(progress.Event{Stage: progress.StageComplete, Message: "Run failed", Error: err, Elapsed: time.Since(r.start)})
		return res, err
	}
	span.SetAttributes(
		attribute.Int("segments", res.Segments),
		attribute.Int("written", len(res.Entries)),
		attribute.Int("skipped", len(res.Skipped)),
	)
	span.SetStatus(codes.Ok, "complete")
	return res, nil
}

func (p *Pipeline) emit(e progress.Event) {
	p.cfg.OnProgress(e)
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	p := r.p
	p.emit(progress.NewEvent(progress.StageParse, "Parsing transcript...", 0, r.start))

	absPath, err := filepath.Abs(p.cfg.TranscriptPath)
	if err != nil {
		return r.res, &PipelineError{Stage: StageParse, Segment: -1, Message: "resolve transcript path", Err: err}
	}
	segs, err := transcript.ParseFile(absPath, p.cfg.Format)
	if err != nil {
		return r.res, &PipelineError{Stage: StageParse, Segment: -1, Message: "failed to parse transcript", Err: err}
	}
	r.res.Segments = len(segs)
	r.outDir = filepath.Dir(absPath)
	r.logger.InfoContext(ctx, "transcript parsed",
		"segments", len(segs),
		"references", p.cfg.References.Len(),
		"speed", p.cfg.Speed.String(),
	)

	if len(segs) == 0 {
		r.logger.InfoContext(ctx, "transcript has no segments, nothing to do")
		p.emit(progress.NewEvent(progress.StageComplete, "Transcript has no segments", 1, r.start))
		return r.res, nil
	}

	r.removeOrphans(ctx)
	r.slots = make([]*manifest.Entry, len(segs))

	var g errgroup.Group
	g.SetLimit(p.cfg.RetimeWorkers)
	parallel := p.cfg.Speed.Reconciles() && p.cfg.RetimeWorkers > 1

	for _, seg := range segs {
		if idx, _ := r.failure(); idx >= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			r.fail(seg.Index, &PipelineError{Stage: StageSynthesize, Segment: seg.Index, Message: "run cancelled", Err: err})
			break
		}

		p.emit(progress.Event{
			Stage:        progress.StageSynthesize,
			Message:      fmt.Sprintf("Synthesizing segment %d/%d", seg.Index+1, len(segs)),
			Percent:      progress.SegmentPercent(seg.Index, len(segs)),
			SegmentNum:   seg.Index + 1,
			SegmentTotal: len(segs),
			Elapsed:      time.Since(r.start),
		})

		job, ok := r.dispatch(ctx, seg)
		if !ok {
			continue
		}
		if job == nil {
			// written directly, no reconcile step
			continue
		}
		if parallel {
			g.Go(func() error {
				return r.finish(ctx, seg, job, len(segs))
			})
		} else if err := r.finish(ctx, seg, job, len(segs)); err != nil {
			break
		}
	}
	// failures are recorded through r.fail; the group error is the same value
	_ = g.Wait()

	return r.complete(ctx, absPath)
}

// complete writes the manifest from the finished prefix and builds the result.
func (r *run) complete(ctx context.Context, transcriptPath string) (*Result, error) {
	p := r.p
	failIdx, failErr := r.failure()

	limit := len(r.slots)
	if failIdx >= 0 {
		limit = failIdx
	}
	entries := make([]manifest.Entry, 0, limit)
	for _, e := range r.slots[:limit] {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	r.res.Entries = entries

	p.emit(progress.NewEvent(progress.StageManifest, "Writing manifest...", 0.97, r.start))
	path := manifest.PathFor(transcriptPath)
	if err := manifest.Write(path, entries); err != nil {
		merr := &PipelineError{Stage: StageManifest, Segment: -1, Message: "failed to write manifest", Err: err}
		if failErr != nil {
			return r.res, errors.Join(failErr, merr)
		}
		return r.res, merr
	}
	r.res.ManifestPath = path
	r.logger.InfoContext(ctx, "manifest written",
		"path", path,
		"entries", len(entries),
		"skipped", len(r.res.Skipped),
		"elapsed", time.Since(r.start).Round(time.Millisecond),
	)

	if failErr != nil {
		return r.res, failErr
	}

	p.emit(progress.Event{
		Stage:        progress.StageComplete,
		Message:      fmt.Sprintf("Wrote %d of %d segments", len(entries), r.res.Segments),
		Percent:      1,
		Elapsed:      time.Since(r.start),
		ManifestPath: path,
		Written:      len(entries),
		Skipped:      len(r.res.Skipped),
	})
	return r.res, nil
}

// warn logs a non-fatal problem and records it in the result.
func (r *run) warn(ctx context.Context, msg string, args ...any) {
	r.logger.WarnContext(ctx, msg, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Warnings = append(r.res.Warnings, formatWarning(msg, args))
}

func formatWarning(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	s := msg
	for i := 0; i+1 < len(args); i += 2 {
		s += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return s
}

func (r *run) skip(index int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Skipped = append(r.res.Skipped, Skip{Index: index, Reason: reason})
}

// fail records a fatal error. The lowest failing index wins.
func (r *run) fail(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIdx < 0 || index < r.failIdx {
		r.failIdx = index
		r.failErr = err
	}
}

func (r *run) failure() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failIdx, r.failErr
}

// record stores the finished entry for a segment.
func (r *run) record(seg transcript.Segment, id int, path string, total int) {
	r.mu.Lock()
	r.slots[seg.Index] = &manifest.Entry{Start: seg.Start, End: seg.End, SpeakerID: id, Path: path}
	r.finished++
	done := r.finished
	r.mu.Unlock()

	r.p.emit(progress.Event{
		Stage:        progress.StageReconcile,
		Message:      fmt.Sprintf("Wrote %s (%d/%d)", filepath.Base(path), done, total),
		Percent:      progress.SegmentPercent(seg.Index+1, total),
		SegmentNum:   seg.Index + 1,
		SegmentTotal: total,
		Elapsed:      time.Since(r.start),
	})
}
