// Package models defines the core domain models for media-generation workflows.
package models

// WorkflowType classifies what kind of media a workflow produces.
type WorkflowType string

const (
	WorkflowTypeImage   WorkflowType = "image"
	WorkflowTypeVideo   WorkflowType = "video"
	WorkflowTypeAudio   WorkflowType = "audio"
	WorkflowTypeInpaint WorkflowType = "inpaint"
)

// ExtraInput describes an additional caller-supplied field beyond the media uploads.
type ExtraInput struct {
	Name    string   `json:"name"           validate:"required"`
	Type    string   `json:"type,omitempty"` // "text", "number" or "select"
	Default any      `json:"default,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// WorkflowOptions declares the input contract of a workflow.
type WorkflowOptions struct {
	Type        WorkflowType `json:"type"                   validate:"required,oneof=image video audio inpaint"`
	InputImages int          `json:"input_images,omitempty" validate:"min=0"`
	InputAudios int          `json:"input_audios,omitempty" validate:"min=0"`
	ExtraInputs []ExtraInput `json:"extra_inputs,omitempty"`
}

// FieldBinding describes how one generation-data field is written into the
// engine graph template. Exactly one of Source or Literal provides the value.
type FieldBinding struct {
	Source     string     `json:"source,omitempty"`
	TargetPath []string   `json:"target_path"          validate:"required,min=1"`
	Prefix     string     `json:"prefix,omitempty"`
	Postfix    string     `json:"postfix,omitempty"`
	Literal    any        `json:"literal,omitempty"`
	Condition  *Condition `json:"condition,omitempty"`
}

// WorkflowDefinition is the declarative description of a single workflow.
// Definitions are immutable once loaded for a run.
type WorkflowDefinition struct {
	Name          string          `json:"name"      validate:"required,min=1"`
	BasePath      string          `json:"base_path" validate:"required"`
	Options       WorkflowOptions `json:"options"`
	FieldBindings []FieldBinding  `json:"field_bindings,omitempty"`
	PreTasks      []TaskSpec      `json:"pre_tasks,omitempty"`
	PostTasks     []TaskSpec      `json:"post_tasks,omitempty"`
}

// IsAudio reports whether the workflow produces audio as its primary output.
func (d *WorkflowDefinition) IsAudio() bool {
	return d.Options.Type == WorkflowTypeAudio
}

// Well-known generation-data keys. Generation data is a loosely-typed field map
// shared between the caller, the task pipeline and the engine graph bindings,
// so the keys are part of the wire contract.
const (
	DataKeySeed          = "seed"
	DataKeyImageFormat   = "imageFormat"
	DataKeyAudioFormat   = "audioFormat"
	DataKeySaveImagePath = "saveImagePath"
	DataKeySaveAudioPath = "saveAudioPath"
	DataKeyImageURL      = "imageUrl"
	DataKeyAudioURL      = "audioUrl"
	DataKeyName          = "name"
	DataKeyDescription   = "description"
	DataKeySummary       = "summary"
	DataKeyTags          = "tags"
	DataKeyUID           = "uid"
	DataKeyFolder        = "folder"
)
