package generation

import (
	"errors"

	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
)

// Configuration and request validation errors. These surface before any run
// side effect occurs.
var (
	ErrMissingImageFormat   = errors.New("generation data has no image format")
	ErrMissingRequiredInput = errors.New("missing required media input")
	ErrUnknownTaskKind      = errors.New("task spec matches no known kind")
)

// Pipeline errors, classified by phase and task category. The phase decides
// whether a failure is fatal: everything here except ErrPostGenerationPrompt
// aborts the run.
var (
	ErrPreGenerationTask     = errors.New("pre-generation task failed")
	ErrEngineExecution       = errors.New("engine reported an execution error")
	ErrPostGenerationProcess = errors.New("post-generation process task failed")
	ErrPostGenerationPrompt  = errors.New("post-generation prompt task failed")
	ErrOutputMissing         = errors.New("generated output file not found on disk")
)

// IsConfigurationError reports whether the error stems from the workflow
// configuration rather than the request or the run itself.
func IsConfigurationError(err error) bool {
	return workflow.IsConfigError(err)
}

// IsValidationError reports whether the error should be rejected at the HTTP
// boundary before a run is created.
func IsValidationError(err error) bool {
	return workflow.IsNestingError(err) ||
		errors.Is(err, workflow.ErrWorkflowNotFound) ||
		errors.Is(err, ErrMissingRequiredInput)
}

// IsEngineError reports whether the failure originated at the compute
// backend boundary.
func IsEngineError(err error) bool {
	return errors.Is(err, ErrEngineExecution) ||
		errors.Is(err, engine.ErrSubmission) ||
		errors.Is(err, engine.ErrUpload) ||
		errors.Is(err, engine.ErrTimeout)
}

// IsRecoverable reports whether the failure may be downgraded to a warning
// instead of aborting the run. Only post-generation prompt enrichment
// qualifies.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrPostGenerationPrompt)
}
