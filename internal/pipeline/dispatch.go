package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apresai/dubber/internal/audio"
	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/tts"
)

// FinalName is the output file name for segment index.
func FinalName(index int) string {
	return fmt.Sprintf("%03d.wav", index)
}

// TempName is the pre-reconcile file name for segment index.
func TempName(index int) string {
	return fmt.Sprintf("%03d_temp.wav", index)
}

var orphanRe = regexp.MustCompile(`^\d{3,}_temp\.wav$`)

// writeWAV is replaced in tests to simulate disk failures.
var writeWAV = audio.WriteWAV

// reconcileJob is a segment rendered to its temp path and waiting for retiming.
type reconcileJob struct {
	tempPath  string
	finalPath string
	speakerID int
}

// removeOrphans deletes temp files left behind by an interrupted run.
func (r *run) removeOrphans(ctx context.Context) {
	entries, err := os.ReadDir(r.outDir)
	if err != nil {
		r.logger.DebugContext(ctx, "could not scan output dir for orphaned temp files", "dir", r.outDir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !orphanRe.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(r.outDir, e.Name())
		if err := os.Remove(path); err != nil {
			r.warn(ctx, "failed to remove orphaned temp file", "path", path, "error", err)
			continue
		}
		r.warn(ctx, "removed orphaned temp file from a previous run", "path", path)
	}
}

// dispatch resolves and synthesizes one segment. It returns ok=false when the
// segment was skipped or failed. A nil job with ok=true means the final file
// was written directly and recorded.
func (r *run) dispatch(ctx context.Context, seg transcript.Segment) (*reconcileJob, bool) {
	p := r.p
	ctx, span := tracer.Start(ctx, "dubber.segment",
		trace.WithAttributes(
			attribute.Int("segment.index", seg.Index),
			attribute.String("segment.speaker", seg.SpeakerLabel),
			attribute.Float64("segment.start", seg.Start),
			attribute.Float64("segment.end", seg.End),
		),
	)
	defer span.End()

	ref, ok := p.cfg.References.Resolve(seg.Speaker)
	if !ok {
		reason := fmt.Sprintf("speaker %s has no reference voice (%d provided)", seg.SpeakerLabel, p.cfg.References.Len())
		r.warn(ctx, "skipping segment: unresolved speaker",
			"segment", seg.Index,
			"speaker", seg.SpeakerLabel,
			"references", p.cfg.References.Len(),
		)
		r.skip(seg.Index, reason)
		span.SetStatus(codes.Ok, "skipped")
		return nil, false
	}
	speakerID, _ := seg.Speaker.Value()
	span.SetAttributes(attribute.Int("segment.speaker_id", speakerID))

	wave, err := p.synth.Synthesize(ctx, tts.Request{
		Text:          seg.Text,
		ReferencePath: ref,
		Exaggeration:  p.cfg.Exaggeration,
		CFGWeight:     p.cfg.CFGWeight,
	})
	if err != nil {
		serr := &tts.SynthesisError{Segment: seg.Index, Err: err}
		span.RecordError(serr)
		if p.cfg.OnSynthesisError == config.FailSkip {
			r.warn(ctx, "skipping segment: synthesis failed", "segment", seg.Index, "error", err)
			r.skip(seg.Index, serr.Error())
			span.SetStatus(codes.Error, "synthesis failed, skipped")
			return nil, false
		}
		span.SetStatus(codes.Error, "synthesis failed")
		r.fail(seg.Index, &PipelineError{Stage: StageSynthesize, Segment: seg.Index, Message: "synthesis failed", Err: serr})
		return nil, false
	}
	r.logger.InfoContext(ctx, "segment synthesized",
		"segment", seg.Index,
		"speaker_id", speakerID,
		"rendered_secs", wave.Duration(),
		"target_secs", seg.Duration(),
	)

	finalPath := filepath.Join(r.outDir, FinalName(seg.Index))
	if !p.cfg.Speed.Reconciles() {
		if err := writeWAV(finalPath, wave); err != nil {
			os.Remove(finalPath)
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			r.fail(seg.Index, &PipelineError{Stage: StageWrite, Segment: seg.Index, Message: "failed to write audio", Err: err})
			return nil, false
		}
		r.record(seg, speakerID, finalPath, r.res.Segments)
		return nil, true
	}

	tempPath := filepath.Join(r.outDir, TempName(seg.Index))
	if err := writeWAV(tempPath, wave); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		r.fail(seg.Index, &PipelineError{Stage: StageWrite, Segment: seg.Index, Message: "failed to write temp audio", Err: err})
		return nil, false
	}
	return &reconcileJob{tempPath: tempPath, finalPath: finalPath, speakerID: speakerID}, true
}

// finish reconciles a job and records its entry, or records the failure.
func (r *run) finish(ctx context.Context, seg transcript.Segment, job *reconcileJob, total int) error {
	if err := r.reconcile(ctx, seg, job); err != nil {
		perr := &PipelineError{Stage: StageReconcile, Segment: seg.Index, Message: "failed to adjust speed", Err: err}
		r.fail(seg.Index, perr)
		return perr
	}
	r.record(seg, job.speakerID, job.finalPath, total)
	return nil
}

// reconcile turns the temp file into the final file, retiming it when the
// factor is not exactly 1. The temp file is gone on every return path.
func (r *run) reconcile(ctx context.Context, seg transcript.Segment, job *reconcileJob) (err error) {
	p := r.p
	ctx, span := tracer.Start(ctx, "dubber.reconcile",
		trace.WithAttributes(attribute.Int("segment.index", seg.Index)),
	)
	defer span.End()

	defer func() {
		if rmErr := os.Remove(job.tempPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			r.warn(ctx, "failed to remove temp file", "path", job.tempPath, "error", rmErr)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile failed")
		}
	}()

	factor := p.cfg.Speed.Factor()
	clamped := false
	if p.cfg.Speed.Mode() == config.SpeedMatch {
		actual, err := audio.MeasureDuration(job.tempPath)
		if err != nil {
			return fmt.Errorf("measure rendered duration: %w", err)
		}
		raw, degenerate := SpeedFactor(actual, seg.Duration())
		if degenerate {
			r.warn(ctx, "degenerate duration, keeping original speed",
				"segment", seg.Index,
				"actual_secs", actual,
				"target_secs", seg.Duration(),
			)
		}
		factor, clamped = ClampSpeed(raw)
		if clamped {
			r.warn(ctx, "speed factor clamped",
				"segment", seg.Index,
				"computed", raw,
				"clamped", factor,
			)
		}
	}
	span.SetAttributes(
		attribute.Float64("speed.factor", factor),
		attribute.Bool("speed.clamped", clamped),
	)

	if factor == 1.0 {
		if err := os.Rename(job.tempPath, job.finalPath); err != nil {
			return fmt.Errorf("promote temp file: %w", err)
		}
		return nil
	}

	r.logger.DebugContext(ctx, "retiming segment", "segment", seg.Index, "factor", factor)
	if err := p.rt.Retime(ctx, job.tempPath, job.finalPath, factor); err != nil {
		os.Remove(job.finalPath)
		return err
	}
	return nil
}
