// Package generation implements the orchestrator driving a workflow request
// through its phases: pre-generation tasks, engine execution, post-generation
// tasks and finalization.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/eventbus"
	"github.com/mediagen-studio/mediagen/pkg/events"
	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/otelhelper"
	"github.com/mediagen-studio/mediagen/pkg/progress"
	"github.com/mediagen-studio/mediagen/pkg/tasks"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollAttempts = 600
	defaultPollInterval = time.Second

	// promptFallback replaces a post-generation prompt result that could not
	// be computed, so downstream consumers never see an absent field.
	promptFallback = "(unavailable)"
)

// Engine is the compute-backend surface the orchestrator needs. Satisfied by
// *engine.Client.
type Engine interface {
	tasks.Uploader
	Submit(ctx context.Context, graph map[string]any) (string, error)
	AwaitCompletion(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (engine.Completion, error)
	FreeMemory(ctx context.Context)
}

// Completer is the LLM bridge surface for prompt and template tasks.
// Satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, prompt, imagePath string) (string, error)
}

// CatalogWriter persists finished runs. Satisfied by *catalog.Repository.
type CatalogWriter interface {
	AddEntry(entry models.MediaEntry) (*models.MediaEntry, error)
}

// DefinitionSource resolves workflow definitions fresh per run. Satisfied by
// *workflow.Store.
type DefinitionSource interface {
	GetByName(name string) (*models.WorkflowDefinition, []*models.WorkflowDefinition, error)
}

// Config carries the orchestrator's filesystem layout and polling bounds.
type Config struct {
	MediaDir        string
	EngineOutputDir string
	PollAttempts    int
	PollInterval    time.Duration
}

// Orchestrator owns the full lifecycle of generation runs. Runs execute as
// detached background operations; the caller receives a task id immediately
// and observes the run through the progress channel.
type Orchestrator struct {
	store   DefinitionSource
	channel *progress.Channel
	engine  Engine
	llm     Completer
	session *engine.SessionState
	catalog CatalogWriter
	bus     eventbus.EventPublisher
	tracer  trace.Tracer
	config  Config
	logger  *slog.Logger
}

func NewOrchestrator(
	store DefinitionSource,
	channel *progress.Channel,
	eng Engine,
	completer Completer,
	session *engine.SessionState,
	cat CatalogWriter,
	bus eventbus.EventPublisher,
	tracer trace.Tracer,
	config Config,
	logger *slog.Logger,
) *Orchestrator {
	if config.PollAttempts == 0 {
		config.PollAttempts = defaultPollAttempts
	}

	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}

	if tracer == nil {
		tracer = otel.Tracer("mediagen")
	}

	return &Orchestrator{
		store:   store,
		channel: channel,
		engine:  eng,
		llm:     completer,
		session: session,
		catalog: cat,
		bus:     bus,
		tracer:  tracer,
		config:  config,
		logger:  logger,
	}
}

// ValidateInputs checks the request's media uploads against the workflow's
// declared input contract. Called at the HTTP boundary before a run exists.
func ValidateInputs(definition *models.WorkflowDefinition, imageCount, audioCount int) error {
	if imageCount < definition.Options.InputImages {
		return fmt.Errorf("%w: workflow %q requires %d image(s), got %d",
			ErrMissingRequiredInput, definition.Name, definition.Options.InputImages, imageCount)
	}

	if audioCount < definition.Options.InputAudios {
		return fmt.Errorf("%w: workflow %q requires %d audio input(s), got %d",
			ErrMissingRequiredInput, definition.Name, definition.Options.InputAudios, audioCount)
	}

	return nil
}

// Start validates the request, registers the run and launches the pipeline in
// the background. The returned task id is live immediately for progress
// subscription. Validation failures surface here, before any side effect.
func (o *Orchestrator) Start(ctx context.Context, workflowName string, data map[string]any) (string, error) {
	run, plan, err := o.prepare(workflowName, data, false)
	if err != nil {
		return "", err
	}

	o.publishStarted(ctx, run)

	go o.execute(context.WithoutCancel(ctx), run, plan)

	return run.TaskID, nil
}

// RunNested executes a workflow synchronously in silent mode on behalf of a
// parent run's process task. The synthetic task id is never exposed to the
// original caller; the child's final generation data is the result.
func (o *Orchestrator) RunNested(ctx context.Context, workflowName string, data map[string]any) (map[string]any, error) {
	run, plan, err := o.prepare(workflowName, data, true)
	if err != nil {
		return nil, err
	}

	if err := o.executePhases(ctx, run, plan); err != nil {
		o.fail(ctx, run, err)

		return nil, err
	}

	o.complete(ctx, run)

	return run.Data, nil
}

// prepare resolves and validates the definition, computes the step budget and
// registers the run with the progress channel.
func (o *Orchestrator) prepare(workflowName string, data map[string]any, silent bool) (*models.GenerationRun, executionPlan, error) {
	definition, all, err := o.store.GetByName(workflowName)
	if err != nil {
		return nil, executionPlan{}, err
	}

	if err := workflow.ValidateNesting(definition, all); err != nil {
		return nil, executionPlan{}, err
	}

	plan, err := buildPlan(definition)
	if err != nil {
		return nil, executionPlan{}, err
	}

	run := &models.GenerationRun{
		TaskID:     uuid.NewString(),
		Data:       data,
		Definition: definition,
		Phase:      models.PhaseCreated,
		TotalSteps: plan.totalSteps(),
		StartTime:  time.Now(),
		Silent:     silent,
	}

	o.channel.CreateRun(run.TaskID, definition.Name)
	o.channel.SetPlan(run.TaskID, run.TotalSteps, plan.importantNodes)

	o.logger.Info("Generation run created",
		"task_id", run.TaskID,
		"workflow", definition.Name,
		"total_steps", run.TotalSteps,
		"silent", silent)

	return run, plan, nil
}

// execute drives a detached top-level run to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, run *models.GenerationRun, plan executionPlan) {
	if err := o.executePhases(ctx, run, plan); err != nil {
		o.fail(ctx, run, err)

		return
	}

	o.complete(ctx, run)
}

// executePhases runs the strictly sequential phase machine. Any returned
// error short-circuits the run to failed.
func (o *Orchestrator) executePhases(ctx context.Context, run *models.GenerationRun, plan executionPlan) error {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "generation.run",
		attribute.String(otelhelper.TaskIDKey, run.TaskID),
		attribute.String(otelhelper.WorkflowNameKey, run.Definition.Name),
		attribute.String(otelhelper.WorkflowTypeKey, string(run.Definition.Options.Type)))
	defer span.End()

	run.Phase = models.PhasePreTasks
	if err := o.executeTasks(ctx, run, run.Definition.PreTasks, false); err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("%w: %v", ErrPreGenerationTask, err)
	}

	if err := o.materializeOutputPaths(run); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	run.Phase = models.PhaseEngineSubmitted

	jobID, err := o.submit(ctx, run, plan)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	run.Phase = models.PhaseEngineExecuting

	if err := o.awaitEngine(ctx, run, plan, jobID); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	run.Phase = models.PhasePostTasks
	if err := o.executeTasks(ctx, run, run.Definition.PostTasks, true); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	run.Phase = models.PhaseFinalizing

	if err := o.finalize(run); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// submit binds the generation data into the graph template and hands it to
// the engine. Switching to a different workflow template first asks the
// backend to free cached models.
func (o *Orchestrator) submit(ctx context.Context, run *models.GenerationRun, plan executionPlan) (string, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "generation.submit",
		attribute.String(otelhelper.TaskIDKey, run.TaskID),
		attribute.String(otelhelper.PhaseKey, string(run.Phase)))
	defer span.End()

	if o.session.SwitchWorkflow(run.Definition.Name) {
		o.logger.Debug("Workflow switch detected, freeing engine memory", "workflow", run.Definition.Name)
		o.engine.FreeMemory(ctx)
	}

	if err := applyFieldBindings(plan.graph, run.Definition.FieldBindings, run.Data); err != nil {
		return "", err
	}

	jobID, err := o.engine.Submit(ctx, plan.graph)
	if err != nil {
		return "", err
	}

	o.channel.LinkJob(run.TaskID, jobID)
	span.SetAttributes(attribute.String(otelhelper.JobIDKey, jobID))

	o.channel.EmitProgress(run.TaskID, o.stepPercent(run, plan.preGenCount), "Executing workflow graph...")

	return jobID, nil
}

// awaitEngine polls for completion, then resynchronizes the step counter to
// the structural count. The push channel may have reported fewer node events
// than the budget when the engine served nodes from cache.
func (o *Orchestrator) awaitEngine(ctx context.Context, run *models.GenerationRun, plan executionPlan, jobID string) error {
	completion, err := o.engine.AwaitCompletion(ctx, jobID, o.config.PollAttempts, o.config.PollInterval)
	if err != nil {
		return err
	}

	if completion.Errored {
		return fmt.Errorf("%w: %s", ErrEngineExecution, completion.Error)
	}

	o.channel.SetStep(run.TaskID, plan.preGenCount+plan.importantCount)
	o.syncStep(run)

	return nil
}

// executeTasks iterates a phase's task list in declaration order. The post
// flag selects the failure policy: post-generation prompt failures downgrade
// to warnings with a fallback value, everything else is fatal.
func (o *Orchestrator) executeTasks(ctx context.Context, run *models.GenerationRun, specs []models.TaskSpec, post bool) error {
	for i, spec := range specs {
		met, err := spec.Condition.Evaluate(run.Data)
		if err != nil {
			return fmt.Errorf("task %d condition: %w", i, err)
		}

		if !met {
			// Skipped countable tasks still consume their unit so the total
			// stays meaningful when conditional branches are skipped.
			if spec.Countable() {
				o.channel.AdvanceStep(run.TaskID)
				o.syncStep(run)
			}

			continue
		}

		if err := o.executeTask(ctx, run, spec, post); err != nil {
			if post && IsRecoverable(err) {
				run.Warnings = append(run.Warnings, models.Warning{Field: spec.To, Message: err.Error()})
				run.Data[spec.To] = promptFallback
				o.logger.Warn("Post-generation prompt task degraded",
					"task_id", run.TaskID, "field", spec.To, "error", err)

				continue
			}

			return err
		}
	}

	return nil
}

func (o *Orchestrator) executeTask(ctx context.Context, run *models.GenerationRun, spec models.TaskSpec, post bool) error {
	kind := spec.Kind()

	var step int
	if spec.Countable() {
		step = o.channel.AdvanceStep(run.TaskID)
		o.syncStep(run)
		o.channel.EmitProgress(run.TaskID, o.stepPercent(run, step-1), taskLabel(spec))
	}

	var err error

	switch kind {
	case models.TaskKindProcess:
		err = o.runProcessTask(ctx, run, spec, post)
	case models.TaskKindPrompt:
		err = o.runPromptTask(ctx, run, spec, post)
	case models.TaskKindMath:
		err = o.runMathTask(run, spec)
	default:
		return fmt.Errorf("%w: task has none of process, prompt or transforms", ErrUnknownTaskKind)
	}

	if err != nil {
		return err
	}

	if spec.Countable() {
		o.channel.EmitProgress(run.TaskID, o.stepPercent(run, step), taskLabel(spec))
	}

	return nil
}

func (o *Orchestrator) runProcessTask(ctx context.Context, run *models.GenerationRun, spec models.TaskSpec, post bool) error {
	kind, err := tasks.KindFromName(spec.Process)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownTaskKind, err)
	}

	ec := &tasks.ExecutionContext{
		TaskID:          run.TaskID,
		Data:            run.Data,
		MediaDir:        o.config.MediaDir,
		EngineOutputDir: o.config.EngineOutputDir,
		Uploader:        o.engine,
		Runner:          o,
		Logger:          o.logger,
	}

	if err := tasks.Execute(ctx, kind, spec.Parameters, ec); err != nil {
		if post {
			return fmt.Errorf("%w: %s: %v", ErrPostGenerationProcess, spec.Process, err)
		}

		return fmt.Errorf("process %s: %w", spec.Process, err)
	}

	return nil
}

func (o *Orchestrator) runPromptTask(ctx context.Context, run *models.GenerationRun, spec models.TaskSpec, post bool) error {
	prompt := renderPrompt(spec.PromptText(), run.Data)

	imagePath := ""
	if spec.ImagePath != "" {
		imagePath, _ = run.Data[spec.ImagePath].(string)
	}

	result, err := o.llm.Complete(ctx, prompt, imagePath)
	if err != nil {
		if post {
			return fmt.Errorf("%w: field %s: %v", ErrPostGenerationPrompt, spec.To, err)
		}

		return fmt.Errorf("prompt task for field %s: %w", spec.To, err)
	}

	run.Data[spec.To] = strings.TrimSpace(result)

	return nil
}

// runMathTask applies the transform chain over a numeric field. Uncounted and
// free; a non-numeric source is still an error because later bindings depend
// on the result.
func (o *Orchestrator) runMathTask(run *models.GenerationRun, spec models.TaskSpec) error {
	value, err := numericField(run.Data, spec.From)
	if err != nil {
		return fmt.Errorf("math task: %w", err)
	}

	for _, transform := range spec.Transforms {
		value = transform.Apply(value)
	}

	target := spec.To
	if target == "" {
		target = spec.From
	}

	run.Data[target] = value

	return nil
}

// finalize verifies outputs exist on disk and persists the catalog entry. An
// engine run that reported success but left no file behind is a failure.
func (o *Orchestrator) finalize(run *models.GenerationRun) error {
	outputs := []string{}
	if path, _ := run.Data[models.DataKeySaveImagePath].(string); path != "" && !run.Definition.IsAudio() {
		outputs = append(outputs, path)
	}

	if path, _ := run.Data[models.DataKeySaveAudioPath].(string); path != "" && run.Definition.IsAudio() {
		outputs = append(outputs, path)
	}

	if len(outputs) == 0 {
		return fmt.Errorf("%w: no save path in generation data", ErrOutputMissing)
	}

	for _, path := range outputs {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %s", ErrOutputMissing, path)
		}
	}

	elapsed := time.Since(run.StartTime).Seconds()

	if run.Silent {
		return nil
	}

	folder, _ := run.Data[models.DataKeyFolder].(string)
	imageURL, _ := run.Data[models.DataKeyImageURL].(string)
	audioURL, _ := run.Data[models.DataKeyAudioURL].(string)

	entry, err := o.catalog.AddEntry(models.MediaEntry{
		Folder:    folder,
		ImageURL:  imageURL,
		AudioURL:  audioURL,
		Workflow:  run.Definition.Name,
		Fields:    run.Data,
		TimeTaken: elapsed,
	})
	if err != nil {
		return fmt.Errorf("persisting catalog entry: %w", err)
	}

	run.Data[models.DataKeyUID] = entry.UID

	return nil
}

func (o *Orchestrator) complete(ctx context.Context, run *models.GenerationRun) {
	run.Phase = models.PhaseCompleted

	result := map[string]any{
		"data":        run.Data,
		"total_steps": run.TotalSteps,
	}
	if len(run.Warnings) > 0 {
		result["warnings"] = run.Warnings
	}

	o.channel.EmitCompletion(run.TaskID, result)
	o.publishCompleted(ctx, run)

	o.logger.Info("Generation run completed",
		"task_id", run.TaskID,
		"workflow", run.Definition.Name,
		"warnings", len(run.Warnings),
		"duration", time.Since(run.StartTime))
}

func (o *Orchestrator) fail(ctx context.Context, run *models.GenerationRun, err error) {
	phase := run.Phase
	run.Phase = models.PhaseFailed

	o.channel.EmitError(run.TaskID, "generation failed", err.Error())
	o.publishFailed(ctx, run, phase, err)

	o.logger.Error("Generation run failed",
		"task_id", run.TaskID,
		"workflow", run.Definition.Name,
		"phase", phase,
		"error", err)
}

// syncStep mirrors the channel's counter onto the run record.
func (o *Orchestrator) syncStep(run *models.GenerationRun) {
	if snapshot, ok := o.channel.GetRun(run.TaskID); ok {
		run.CurrentStep = snapshot.CurrentStep
	}
}

// stepPercent maps a completed-step count onto the overall percentage.
func (o *Orchestrator) stepPercent(run *models.GenerationRun, completedSteps int) float64 {
	if run.TotalSteps == 0 {
		return 0
	}

	percent := float64(completedSteps) / float64(run.TotalSteps) * 100
	if percent > 100 {
		percent = 100
	}

	return percent
}

func (o *Orchestrator) publishStarted(ctx context.Context, run *models.GenerationRun) {
	if o.bus == nil {
		return
	}

	event := events.GenerationStarted{
		BaseEvent:    o.baseEvent(events.GenerationStartedEvent, run),
		WorkflowType: run.Definition.Options.Type,
		Silent:       run.Silent,
	}

	if err := o.bus.Publish(ctx, run.TaskID, event); err != nil {
		o.logger.Warn("Failed to publish generation started event", "task_id", run.TaskID, "error", err)
	}
}

func (o *Orchestrator) publishCompleted(ctx context.Context, run *models.GenerationRun) {
	if o.bus == nil {
		return
	}

	uid, _ := run.Data[models.DataKeyUID].(int64)
	imageURL, _ := run.Data[models.DataKeyImageURL].(string)
	audioURL, _ := run.Data[models.DataKeyAudioURL].(string)

	event := events.GenerationCompleted{
		BaseEvent: o.baseEvent(events.GenerationCompletedEvent, run),
		UID:       uid,
		ImageURL:  imageURL,
		AudioURL:  audioURL,
		Duration:  time.Since(run.StartTime),
		Warnings:  run.Warnings,
	}

	if err := o.bus.Publish(ctx, run.TaskID, event); err != nil {
		o.logger.Warn("Failed to publish generation completed event", "task_id", run.TaskID, "error", err)
	}
}

func (o *Orchestrator) publishFailed(ctx context.Context, run *models.GenerationRun, phase models.Phase, cause error) {
	if o.bus == nil {
		return
	}

	event := events.GenerationFailed{
		BaseEvent: o.baseEvent(events.GenerationFailedEvent, run),
		Phase:     phase,
		Error:     cause.Error(),
		Duration:  time.Since(run.StartTime),
	}

	if err := o.bus.Publish(ctx, run.TaskID, event); err != nil {
		o.logger.Warn("Failed to publish generation failed event", "task_id", run.TaskID, "error", err)
	}
}

func (o *Orchestrator) baseEvent(eventType events.EventType, run *models.GenerationRun) events.BaseEvent {
	return events.BaseEvent{
		ID:           uuid.NewString(),
		Type:         eventType,
		Timestamp:    time.Now(),
		TaskID:       run.TaskID,
		WorkflowName: run.Definition.Name,
	}
}

func taskLabel(spec models.TaskSpec) string {
	switch spec.Kind() {
	case models.TaskKindProcess:
		return "Running " + spec.Process + "..."
	case models.TaskKindPrompt:
		return "Generating " + spec.To + "..."
	default:
		return "Processing..."
	}
}

var promptPlaceholder = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// renderPrompt substitutes {field} placeholders with generation-data values.
// Unknown fields render as empty strings.
func renderPrompt(text string, data map[string]any) string {
	return promptPlaceholder.ReplaceAllStringFunc(text, func(match string) string {
		key := match[1 : len(match)-1]

		value, ok := data[key]
		if !ok || value == nil {
			return ""
		}

		return fmt.Sprintf("%v", value)
	})
}

func numericField(data map[string]any, key string) (float64, error) {
	switch v := data[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %q", key, v)
		}

		return parsed, nil
	case nil:
		return 0, fmt.Errorf("field %q is not set", key)
	default:
		return 0, fmt.Errorf("field %q is not numeric", key)
	}
}
