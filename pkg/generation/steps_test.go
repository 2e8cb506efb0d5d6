package generation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlan(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:     "txt2img",
		BasePath: filepath.Join(t.TempDir(), "graph.json"),
		PreTasks: []models.TaskSpec{
			{Template: "expand", To: "prompt"},               // countable
			{From: "width", To: "w", Transforms: []models.MathTransform{{}}}, // free
		},
		PostTasks: []models.TaskSpec{
			{Process: "extract_text_outputs"}, // countable
			{Template: "tag", To: "tags"},     // countable
		},
	}
	require.NoError(t, os.WriteFile(def.BasePath, []byte(testGraph), 0o644))

	plan, err := buildPlan(def)
	require.NoError(t, err)

	assert.Equal(t, 1, plan.preGenCount)
	assert.Equal(t, 2, plan.postGenCount)
	// KSampler, VAEDecode and SaveImage are budgeted; EmptyLatentImage is free.
	assert.Equal(t, 3, plan.importantCount)
	assert.Equal(t, 6, plan.totalSteps())

	assert.Equal(t, "Sampling...", plan.importantNodes["3"])
	assert.Equal(t, "Saving image...", plan.importantNodes["9"])
	assert.NotContains(t, plan.importantNodes, "5")
}

func TestBuildPlan_MissingTemplate(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:     "txt2img",
		BasePath: filepath.Join(t.TempDir(), "gone.json"),
	}

	_, err := buildPlan(def)
	require.Error(t, err)
	assert.True(t, workflow.IsConfigError(err))
}

func TestBuildPlan_MalformedTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := buildPlan(&models.WorkflowDefinition{Name: "x", BasePath: path})
	require.Error(t, err)
	assert.True(t, workflow.IsConfigError(err))
}
