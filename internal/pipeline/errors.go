package pipeline

import "fmt"

// Stage identifies where in the pipeline a failure occurred.
type Stage string

const (
	StageValidate Stage = "validate"
	StageDetect   Stage = "detect"
	StageEmbed    Stage = "embed"
	StageSearch   Stage = "search"
	StageEnrich   Stage = "enrich"
	StagePersist  Stage = "persist"
	StageEnqueue  Stage = "enqueue"
)

// ErrorKind classifies a pipeline failure for callers and dashboards.
type ErrorKind string

const (
	// KindInput marks user-correctable failures: malformed image, no face.
	// Terminal, no side effects.
	KindInput ErrorKind = "input"
	// KindUpstream marks recognition service failures. Retryable by the
	// caller, never retried inside the pipeline.
	KindUpstream ErrorKind = "upstream"
	// KindPersistence marks store failures. The pipeline aborts before any
	// match row is created.
	KindPersistence ErrorKind = "persistence"
	// KindEnqueue marks queue failures. Non-fatal: the match stays pending
	// and the reconciliation sweep repairs it.
	KindEnqueue ErrorKind = "enqueue"
	// KindValidation marks rejected parameters, caught before side effects.
	KindValidation ErrorKind = "validation"
)

// StageError wraps a failure with the stage it happened in and the submission
// correlation ID. Messages never contain vector data.
type StageError struct {
	Stage         Stage
	Kind          ErrorKind
	CorrelationID string
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s, correlation %s): %v", e.Stage, e.Kind, e.CorrelationID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (p *Pipeline) stageErr(stage Stage, kind ErrorKind, correlationID string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, CorrelationID: correlationID, Err: err}
}
