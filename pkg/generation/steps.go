package generation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
)

// importantNodeTypes is the fixed allow-list of graph node types that perform
// substantial work. Each contributes exactly one unit to the step budget; all
// other node types are free. The value is the label shown to subscribers
// while the node runs.
var importantNodeTypes = map[string]string{
	"KSampler":              "Sampling...",
	"KSamplerAdvanced":      "Sampling...",
	"SamplerCustom":         "Sampling...",
	"SamplerCustomAdvanced": "Sampling...",
	"VAEDecode":             "Decoding...",
	"VAEDecodeTiled":        "Decoding...",
	"VAEEncode":             "Encoding...",
	"VAEEncodeForInpaint":   "Encoding...",
	"SaveImage":             "Saving image...",
	"VHS_VideoCombine":      "Saving video...",
	"SaveAudio":             "Saving audio...",
	"TTSGenerate":           "Generating speech...",
	"MusicGenGenerate":      "Generating audio...",
	"ImageUpscaleWithModel": "Upscaling...",
}

// executionPlan is the structural step budget of a run, computed once before
// any task executes. It is a count over the workflow definition and the graph
// template, independent of runtime execution order, so engine-side branching
// and caching cannot change it.
type executionPlan struct {
	graph          map[string]any
	preGenCount    int
	importantCount int
	postGenCount   int
	importantNodes map[string]string // node id -> display label
}

func (p executionPlan) totalSteps() int {
	return p.preGenCount + p.importantCount + p.postGenCount
}

// buildPlan loads the graph template fresh from disk and computes the budget.
// A missing or malformed template is a configuration failure.
func buildPlan(definition *models.WorkflowDefinition) (executionPlan, error) {
	raw, err := os.ReadFile(definition.BasePath)
	if err != nil {
		return executionPlan{}, fmt.Errorf("%w: graph template %s: %v", workflow.ErrDefinitionsMalformed, definition.BasePath, err)
	}

	var graph map[string]any
	if err := json.Unmarshal(raw, &graph); err != nil {
		return executionPlan{}, fmt.Errorf("%w: graph template %s: %v", workflow.ErrDefinitionsMalformed, definition.BasePath, err)
	}

	plan := executionPlan{
		graph:          graph,
		preGenCount:    countCountable(definition.PreTasks),
		postGenCount:   countCountable(definition.PostTasks),
		importantNodes: importantGraphNodes(graph),
	}
	plan.importantCount = len(plan.importantNodes)

	return plan, nil
}

func countCountable(specs []models.TaskSpec) int {
	count := 0

	for _, spec := range specs {
		if spec.Countable() {
			count++
		}
	}

	return count
}

// importantGraphNodes scans the template for nodes whose declared type is in
// the allow-list.
func importantGraphNodes(graph map[string]any) map[string]string {
	nodes := make(map[string]string)

	for id, raw := range graph {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		classType, _ := node["class_type"].(string)
		if label, important := importantNodeTypes[classType]; important {
			nodes[id] = label
		}
	}

	return nodes
}
