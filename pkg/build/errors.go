package build

import (
	"fmt"
	"strings"
)

// StageExecutionFailed is returned when a step of a stage exits non-zero or cannot run.
// ExitCode is -1 when the command never produced an exit status.
type StageExecutionFailed struct {
	Stage    string
	Line     int
	ExitCode int
	Argv     []string
	Err      error
}

func (e *StageExecutionFailed) Error() string {
	msg := fmt.Sprintf("stage %s (line %d): %s", e.Stage, e.Line, strings.Join(e.Argv, " "))
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: exit code %d", msg, e.ExitCode)
}

func (e *StageExecutionFailed) Unwrap() error { return e.Err }

// MissingProducedArtifact is returned when a stage finished but its ARTIFACT path does
// not exist.
type MissingProducedArtifact struct {
	Stage string
	Path  string
}

func (e *MissingProducedArtifact) Error() string {
	return fmt.Sprintf("stage %s did not produce %s", e.Stage, e.Path)
}
