package models

import "math"

// TaskKind discriminates the TaskSpec tagged union.
type TaskKind int

const (
	TaskKindUnknown TaskKind = iota
	TaskKindProcess
	TaskKindPrompt
	TaskKindMath
)

func (k TaskKind) String() string {
	switch k {
	case TaskKindProcess:
		return "process"
	case TaskKindPrompt:
		return "prompt"
	case TaskKindMath:
		return "math"
	default:
		return "unknown"
	}
}

// TaskSpec is one entry of a workflow's pre or post task list. It is a tagged
// union discriminated by which optional fields are present: a process task
// carries Process (+Parameters), a prompt task carries Prompt or Template
// (+To), a math task carries Transforms (+From/To). An optional Condition
// gates execution against the current generation data.
type TaskSpec struct {
	Process    string          `json:"process,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Prompt     string          `json:"prompt,omitempty"`
	Template   string          `json:"template,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	ImagePath  string          `json:"image_path,omitempty"`
	Transforms []MathTransform `json:"transforms,omitempty"`
	Condition  *Condition      `json:"condition,omitempty"`
}

// Kind resolves the union tag. Process wins over prompt wins over math so a
// malformed spec carrying several tags degrades deterministically.
func (t TaskSpec) Kind() TaskKind {
	switch {
	case t.Process != "":
		return TaskKindProcess
	case t.Prompt != "" || t.Template != "":
		return TaskKindPrompt
	case len(t.Transforms) > 0:
		return TaskKindMath
	default:
		return TaskKindUnknown
	}
}

// Countable reports whether the task contributes one unit to a run's total
// step count. Math and copy-only tasks are free.
func (t TaskSpec) Countable() bool {
	kind := t.Kind()

	return kind == TaskKindProcess || kind == TaskKindPrompt
}

// PromptText returns the prompt body, preferring the explicit prompt over a
// template.
func (t TaskSpec) PromptText() string {
	if t.Prompt != "" {
		return t.Prompt
	}

	return t.Template
}

// MathTransform is one step of a math task's transform chain:
// (value + Offset) * Scale + Bias, then an optional floor or ceil.
type MathTransform struct {
	Offset float64  `json:"offset,omitempty"`
	Scale  *float64 `json:"scale,omitempty"` // nil means 1
	Bias   float64  `json:"bias,omitempty"`
	Round  string   `json:"round,omitempty" validate:"omitempty,oneof=floor ceil"`
}

// Apply runs the transform over a single value.
func (m MathTransform) Apply(value float64) float64 {
	scale := 1.0
	if m.Scale != nil {
		scale = *m.Scale
	}

	result := (value+m.Offset)*scale + m.Bias

	switch m.Round {
	case "floor":
		result = math.Floor(result)
	case "ceil":
		result = math.Ceil(result)
	}

	return result
}
