package retrieval

import "fmt"

// Stage identifies where in the search-and-synthesize pipeline a failure
// happened.
type Stage string

const (
	// StageSearch covers query embedding and the vector store lookup.
	StageSearch Stage = "search"
	// StageSynthesize covers the grounded generation call.
	StageSynthesize Stage = "synthesize"
)

// Error wraps a provider failure from either pipeline stage. Failures are
// not retried internally; callers decide how to recover.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
