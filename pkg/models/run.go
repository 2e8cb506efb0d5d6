package models

import "time"

// Phase is the lifecycle state of a generation run. Transitions are strictly
// sequential except that any phase may short-circuit to PhaseFailed.
type Phase string

const (
	PhaseCreated         Phase = "created"
	PhasePreTasks        Phase = "pre_tasks"
	PhaseEngineSubmitted Phase = "engine_submission"
	PhaseEngineExecuting Phase = "engine_executing"
	PhasePostTasks       Phase = "post_tasks"
	PhaseFinalizing      Phase = "finalizing"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether no further mutation of the run may occur.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Warning records a recoverable post-generation prompt failure attached to an
// otherwise successful run.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// GenerationRun is the orchestrator's working state for one request. Data is
// the mutable working copy of the caller-supplied fields; Definition is a
// reference owned by the workflow store.
type GenerationRun struct {
	TaskID      string              `json:"task_id"`
	Data        map[string]any      `json:"data"`
	Definition  *WorkflowDefinition `json:"-"`
	Phase       Phase               `json:"phase"`
	CurrentStep int                 `json:"current_step"`
	TotalSteps  int                 `json:"total_steps"`
	StartTime   time.Time           `json:"start_time"`
	Silent      bool                `json:"silent,omitempty"`
	Warnings    []Warning           `json:"warnings,omitempty"`
}
