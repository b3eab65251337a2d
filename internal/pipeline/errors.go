package pipeline

import "fmt"

// Stages named in PipelineError.
const (
	StageParse      = "parse"
	StageSynthesize = "synthesize"
	StageWrite      = "write"
	StageReconcile  = "reconcile"
	StageManifest   = "manifest"
)

// PipelineError reports a fatal run failure and the stage it happened in.
type PipelineError struct {
	Stage   string
	Segment int // -1 when the failure is not tied to a segment
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Stage)
	if e.Segment >= 0 {
		prefix = fmt.Sprintf("[%s segment %d]", e.Stage, e.Segment)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
