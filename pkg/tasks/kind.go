// Package tasks implements the process-task handlers invoked by name from a
// workflow's task lists.
package tasks

import "fmt"

// Kind is the closed set of process-task variants. Dispatch is a total match
// over this enum; the string names below exist only at the boundary where
// workflow JSON resolves to a variant.
type Kind int

const (
	KindExtractTextOutputs Kind = iota
	KindExtractMediaFromTextPointer
	KindLoopCrossfade
	KindAudioCrossfade
	KindExecuteWorkflow
)

// Workflow JSON process names.
const (
	NameExtractTextOutputs          = "extract_text_outputs"
	NameExtractMediaFromTextPointer = "extract_media_from_text_pointer"
	NameLoopCrossfade               = "loop_crossfade"
	NameAudioCrossfade              = "audio_crossfade"
	NameExecuteWorkflow             = "execute_workflow"
)

var kindsByName = map[string]Kind{
	NameExtractTextOutputs:          KindExtractTextOutputs,
	NameExtractMediaFromTextPointer: KindExtractMediaFromTextPointer,
	NameLoopCrossfade:               KindLoopCrossfade,
	NameAudioCrossfade:              KindAudioCrossfade,
	NameExecuteWorkflow:             KindExecuteWorkflow,
}

// KindFromName resolves a workflow JSON process name to its variant.
func KindFromName(name string) (Kind, error) {
	kind, ok := kindsByName[name]
	if !ok {
		return 0, fmt.Errorf("process %q not registered", name)
	}

	return kind, nil
}

func (k Kind) String() string {
	switch k {
	case KindExtractTextOutputs:
		return NameExtractTextOutputs
	case KindExtractMediaFromTextPointer:
		return NameExtractMediaFromTextPointer
	case KindLoopCrossfade:
		return NameLoopCrossfade
	case KindAudioCrossfade:
		return NameAudioCrossfade
	case KindExecuteWorkflow:
		return NameExecuteWorkflow
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
