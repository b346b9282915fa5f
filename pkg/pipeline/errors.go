package pipeline

import "fmt"

// MissingDependencyError reports a stage input that no earlier stage
// produces. It indicates a pipeline definition bug rather than a runtime
// condition and is never retried.
type MissingDependencyError struct {
	Stage      string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("stage %s: no earlier stage produces %q", e.Stage, e.Dependency)
}

// StageError wraps the failure that aborted a run with the stage it
// occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
