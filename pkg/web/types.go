// Package web provides the HTTP handlers of the generation API.
package web

import "github.com/mediagen-studio/mediagen/pkg/models"

// StartGenerationResponse acknowledges an accepted generation request. The
// run executes in the background; progress streams from the events endpoint.
type StartGenerationResponse struct {
	TaskID string `json:"task_id"`
}

// WorkflowSummary is the listing view of a workflow definition.
type WorkflowSummary struct {
	Name    string                 `json:"name"`
	Options models.WorkflowOptions `json:"options"`
}

// RunStatusResponse is a point-in-time view of a run.
type RunStatusResponse struct {
	TaskID      string `json:"task_id"`
	Workflow    string `json:"workflow"`
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Terminal    bool   `json:"terminal"`
}

// CreateFolderRequest names a new catalog folder.
type CreateFolderRequest struct {
	Name string `json:"name" validate:"required,min=1"`
}
