package progress

import "time"

// Stage identifies which part of a dubbing run is active.
type Stage string

const (
	StageParse      Stage = "parse"
	StageSynthesize Stage = "synthesize"
	StageReconcile  Stage = "reconcile"
	StageManifest   Stage = "manifest"
	StageComplete   Stage = "complete"
)

// Event carries progress information from the pipeline to the renderer.
type Event struct {
	Stage        Stage
	Message      string
	Percent      float64 // 0.0–1.0
	SegmentNum   int
	SegmentTotal int
	Elapsed      time.Duration
	Error        error
	// ManifestPath, Written and Skipped are set on StageComplete.
	ManifestPath string
	Written      int
	Skipped      int
}

// Callback is the function signature for progress event handlers.
type Callback func(Event)

// NopCallback is a no-op progress callback for tests and silent mode.
func NopCallback(Event) {}

// NewEvent creates an Event with common fields populated.
func NewEvent(stage Stage, msg string, pct float64, start time.Time) Event {
	return Event{
		Stage:   stage,
		Message: msg,
		Percent: pct,
		Elapsed: time.Since(start),
	}
}

// SegmentPercent maps segment n of total within a stage to overall run
// progress. Parsing takes the first 5%, segments span 5%–95%.
func SegmentPercent(n, total int) float64 {
	if total <= 0 {
		return 0.95
	}
	return 0.05 + 0.90*float64(n)/float64(total)
}
