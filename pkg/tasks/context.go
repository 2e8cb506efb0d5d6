package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mediagen-studio/mediagen/pkg/engine"
)

// Uploader pushes media bytes to the compute backend. Satisfied by
// *engine.Client.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, filename string, kind engine.MediaKind, scope engine.StorageScope, overwrite bool) (string, error)
}

// NestedRunner executes a workflow end to end in silent mode and returns the
// child run's final generation data. Satisfied by the orchestrator, which
// keeps nested execution on the exact same code path as top-level runs.
type NestedRunner interface {
	RunNested(ctx context.Context, workflowName string, data map[string]any) (map[string]any, error)
}

// ExecutionContext carries the run state and collaborators a process-task
// handler may touch. Handlers mutate Data in place and must return an error
// on any unrecoverable condition: process tasks always fail the enclosing
// run, there is no silent-degrade path for this category.
type ExecutionContext struct {
	TaskID          string
	Data            map[string]any
	MediaDir        string // final save directory for generated media
	EngineOutputDir string // where the engine writes outputs and sidecar text files
	Uploader        Uploader
	Runner          NestedRunner
	Logger          *slog.Logger
}

// Execute dispatches a process task by variant. The match is total over the
// Kind enum; adding a variant without a case here is a compile-time-visible
// omission rather than a silently ignored string.
func Execute(ctx context.Context, kind Kind, params map[string]any, ec *ExecutionContext) error {
	switch kind {
	case KindExtractTextOutputs:
		return extractTextOutputs(params, ec)
	case KindExtractMediaFromTextPointer:
		return extractMediaFromTextPointer(params, ec)
	case KindLoopCrossfade:
		return loopCrossfade(ctx, params, ec)
	case KindAudioCrossfade:
		return audioCrossfade(ctx, params, ec)
	case KindExecuteWorkflow:
		return executeNestedWorkflow(ctx, params, ec)
	default:
		return fmt.Errorf("no handler for process kind %d", int(kind))
	}
}
