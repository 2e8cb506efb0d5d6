package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/progress"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGraph = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 0, "positive": ""}},
	"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512}},
	"8": {"class_type": "VAEDecode", "inputs": {}},
	"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out"}}
}`

type fakeStore struct {
	defs []*models.WorkflowDefinition
}

func (f *fakeStore) GetByName(name string) (*models.WorkflowDefinition, []*models.WorkflowDefinition, error) {
	for _, def := range f.defs {
		if def.Name == name {
			return def, f.defs, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, name)
}

type fakeEngine struct {
	mu         sync.Mutex
	jobID      string
	completion engine.Completion
	onSubmit   func(graph map[string]any)
	submitted  map[string]any
	freed      int
}

func (f *fakeEngine) UploadMedia(context.Context, []byte, string, engine.MediaKind, engine.StorageScope, bool) (string, error) {
	return "uploaded.png", nil
}

func (f *fakeEngine) Submit(_ context.Context, graph map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = graph
	if f.onSubmit != nil {
		f.onSubmit(graph)
	}

	return f.jobID, nil
}

func (f *fakeEngine) AwaitCompletion(context.Context, string, int, time.Duration) (engine.Completion, error) {
	return f.completion, nil
}

func (f *fakeEngine) FreeMemory(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.freed++
}

type fakeCompleter struct {
	mu      sync.Mutex
	results map[string]string // target prompt substring -> response
	err     error
	calls   []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, prompt)

	if f.err != nil {
		return "", f.err
	}

	for needle, response := range f.results {
		if needle == "" || needle == prompt {
			return response, nil
		}
	}

	return "completion", nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	entries []models.MediaEntry
}

func (f *fakeCatalog) AddEntry(entry models.MediaEntry) (*models.MediaEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry.UID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)

	return &entry, nil
}

func (f *fakeCatalog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.entries)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	channel      *progress.Channel
	engine       *fakeEngine
	completer    *fakeCompleter
	catalog      *fakeCatalog
	mediaDir     string
}

func newFixture(t *testing.T, defs ...*models.WorkflowDefinition) *orchestratorFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	channel := progress.NewChannel(logger).WithEvictionDelay(200 * time.Millisecond)
	mediaDir := t.TempDir()

	eng := &fakeEngine{
		jobID:      "job-1",
		completion: engine.Completion{Completed: true},
	}
	eng.onSubmit = func(map[string]any) {
		// The engine side effect: the bound graph's save node writes the file.
		_ = os.WriteFile(filepath.Join(mediaDir, "image_1.png"), []byte("pixels"), 0o644)
	}

	completer := &fakeCompleter{results: map[string]string{"": "completion"}}
	cat := &fakeCatalog{}

	orchestrator := NewOrchestrator(
		&fakeStore{defs: defs},
		channel,
		eng,
		completer,
		engine.NewSessionState(),
		cat,
		nil,
		nil,
		Config{MediaDir: mediaDir, EngineOutputDir: t.TempDir(), PollAttempts: 3, PollInterval: time.Millisecond},
		logger,
	)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		channel:      channel,
		engine:       eng,
		completer:    completer,
		catalog:      cat,
		mediaDir:     mediaDir,
	}
}

func writeGraphTemplate(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(testGraph), 0o644))

	return path
}

func imageDefinition(t *testing.T, name string) *models.WorkflowDefinition {
	t.Helper()

	return &models.WorkflowDefinition{
		Name:     name,
		BasePath: writeGraphTemplate(t),
		Options:  models.WorkflowOptions{Type: models.WorkflowTypeImage},
	}
}

// waitTerminal drains a subscription until the terminal event arrives.
func waitTerminal(t *testing.T, channel *progress.Channel, taskID string) (progress.Event, []progress.Event) {
	t.Helper()

	stream, cancel, err := channel.Subscribe(taskID)
	require.NoError(t, err)
	defer cancel()

	var all []progress.Event

	deadline := time.After(5 * time.Second)

	for {
		select {
		case event, open := <-stream:
			if !open {
				t.Fatal("stream closed before a terminal event arrived")
			}

			all = append(all, event)
			if event.Status != progress.StatusInProgress {
				return event, all
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestStart_CompletesAndPersists(t *testing.T) {
	def := imageDefinition(t, "txt2img")
	def.PreTasks = []models.TaskSpec{
		{Template: "expand: {description}", To: "prompt"},
	}
	def.FieldBindings = []models.FieldBinding{
		{Source: "prompt", TargetPath: []string{"3", "inputs", "positive"}},
	}
	fixture := newFixture(t, def)

	data := map[string]any{
		models.DataKeyImageFormat: "png",
		"description":             "a foggy harbor",
	}

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img", data)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusCompleted, terminal.Status)
	assert.Equal(t, float64(100), terminal.Progress.Percentage)

	assert.Equal(t, 1, fixture.catalog.count())
	assert.Equal(t, "/media/image_1.png", fixture.catalog.entries[0].ImageURL)
	assert.Equal(t, "txt2img", fixture.catalog.entries[0].Workflow)

	// The prompt result was bound into the submitted graph.
	node := fixture.engine.submitted["3"].(map[string]any)
	inputs := node["inputs"].(map[string]any)
	assert.Equal(t, "completion", inputs["positive"])
}

func TestStart_PostPromptFailureTolerated(t *testing.T) {
	def := imageDefinition(t, "txt2img")
	def.PostTasks = []models.TaskSpec{
		{Template: "tag this image", To: "tags"},
	}
	fixture := newFixture(t, def)
	fixture.completer.err = fmt.Errorf("llm unavailable")

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusCompleted, terminal.Status)

	require.Contains(t, terminal.Result, "warnings")
	warnings := terminal.Result["warnings"].([]models.Warning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "tags", warnings[0].Field)

	resultData := terminal.Result["data"].(map[string]any)
	assert.Equal(t, promptFallback, resultData["tags"])

	// A degraded enrichment still produces a catalog entry.
	assert.Equal(t, 1, fixture.catalog.count())
}

func TestStart_PrePromptFailureFatal(t *testing.T) {
	def := imageDefinition(t, "txt2img")
	def.PreTasks = []models.TaskSpec{
		{Template: "expand this", To: "prompt"},
	}
	fixture := newFixture(t, def)
	fixture.completer.err = fmt.Errorf("llm unavailable")

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusError, terminal.Status)
	assert.Contains(t, terminal.Details, "llm unavailable")

	assert.Equal(t, 0, fixture.catalog.count())
}

func TestStart_EngineExecutionErrorFatal(t *testing.T) {
	fixture := newFixture(t, imageDefinition(t, "txt2img"))
	fixture.engine.completion = engine.Completion{Errored: true, Error: "CUDA out of memory"}

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusError, terminal.Status)
	assert.Contains(t, terminal.Details, "CUDA out of memory")
	assert.Equal(t, 0, fixture.catalog.count())
}

func TestStart_MissingOutputFileFatal(t *testing.T) {
	fixture := newFixture(t, imageDefinition(t, "txt2img"))
	fixture.engine.onSubmit = nil // engine "succeeds" without writing a file

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusError, terminal.Status)
	assert.Contains(t, terminal.Details, "image_1.png")
	assert.Equal(t, 0, fixture.catalog.count())
}

func TestStart_MissingImageFormatFatal(t *testing.T) {
	fixture := newFixture(t, imageDefinition(t, "txt2img"))

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img", map[string]any{})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusError, terminal.Status)
}

func TestStart_UnknownWorkflowRejectedBeforeRun(t *testing.T) {
	fixture := newFixture(t)

	_, err := fixture.orchestrator.Start(context.Background(), "missing", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestStart_SkippedCountableTaskStillAdvances(t *testing.T) {
	def := imageDefinition(t, "txt2img")
	// A countable prompt task gated on a condition the data never meets.
	def.PreTasks = []models.TaskSpec{
		{
			Template: "never runs",
			To:       "unused",
			Condition: &models.Condition{
				Where:  &models.FieldRef{Data: "mode"},
				Equals: &models.ValueRef{Value: "enriched"},
			},
		},
	}
	fixture := newFixture(t, def)

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	terminal, all := waitTerminal(t, fixture.channel, taskID)
	assert.Equal(t, progress.StatusCompleted, terminal.Status)

	// The skipped task consumed its unit: the final counter equals the budget
	// and the LLM was never called.
	assert.Equal(t, terminal.Progress.MaxValue, terminal.Progress.CurrentStep)
	assert.Empty(t, fixture.completer.calls)

	// currentStep is monotonically non-decreasing across the whole stream.
	last := 0
	for _, event := range all {
		require.GreaterOrEqual(t, event.Progress.CurrentStep, last)
		require.LessOrEqual(t, event.Progress.CurrentStep, event.Progress.MaxValue)
		last = event.Progress.CurrentStep
	}
}

func TestStart_MathTaskTransformsField(t *testing.T) {
	scale := 2.0
	def := imageDefinition(t, "txt2img")
	def.PreTasks = []models.TaskSpec{
		{From: "width", To: "latentWidth", Transforms: []models.MathTransform{
			{Scale: &scale, Round: "floor"},
		}},
	}
	def.FieldBindings = []models.FieldBinding{
		{Source: "latentWidth", TargetPath: []string{"5", "inputs", "width"}},
	}
	fixture := newFixture(t, def)

	taskID, err := fixture.orchestrator.Start(context.Background(), "txt2img",
		map[string]any{models.DataKeyImageFormat: "png", "width": 512})
	require.NoError(t, err)

	terminal, _ := waitTerminal(t, fixture.channel, taskID)
	require.Equal(t, progress.StatusCompleted, terminal.Status)

	node := fixture.engine.submitted["5"].(map[string]any)
	inputs := node["inputs"].(map[string]any)
	assert.Equal(t, 1024.0, inputs["width"])
}

func TestRunNested_SilentRunSkipsCatalog(t *testing.T) {
	fixture := newFixture(t, imageDefinition(t, "upscale"))

	result, err := fixture.orchestrator.RunNested(context.Background(), "upscale",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.NoError(t, err)

	assert.NotEmpty(t, result[models.DataKeySaveImagePath])
	assert.Equal(t, 0, fixture.catalog.count())
}

func TestRunNested_FailurePropagates(t *testing.T) {
	def := imageDefinition(t, "upscale")
	def.PreTasks = []models.TaskSpec{{Template: "x", To: "y"}}
	fixture := newFixture(t, def)
	fixture.completer.err = fmt.Errorf("llm unavailable")

	_, err := fixture.orchestrator.RunNested(context.Background(), "upscale",
		map[string]any{models.DataKeyImageFormat: "png"})
	require.Error(t, err)
}

func TestStart_NestingViolationRejected(t *testing.T) {
	parent := imageDefinition(t, "parent")
	parent.PostTasks = []models.TaskSpec{{
		Process:    "execute_workflow",
		Parameters: map[string]any{"workflow": "child"},
	}}
	child := imageDefinition(t, "child")
	child.PostTasks = []models.TaskSpec{{
		Process:    "execute_workflow",
		Parameters: map[string]any{"workflow": "grandchild"},
	}}
	grandchild := imageDefinition(t, "grandchild")

	fixture := newFixture(t, parent, child, grandchild)

	_, err := fixture.orchestrator.Start(context.Background(), "parent", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 0, fixture.engine.freed)
}

func TestValidateInputs(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:    "img2img",
		Options: models.WorkflowOptions{Type: models.WorkflowTypeImage, InputImages: 1},
	}

	err := ValidateInputs(def, 0, 0)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	require.NoError(t, ValidateInputs(def, 1, 0))
}

func TestRenderPrompt(t *testing.T) {
	data := map[string]any{"description": "a harbor", "count": 3}

	assert.Equal(t, "expand: a harbor x3", renderPrompt("expand: {description} x{count}", data))
	assert.Equal(t, "missing: ", renderPrompt("missing: {absent}", data))
	assert.Equal(t, "plain text", renderPrompt("plain text", data))
}
