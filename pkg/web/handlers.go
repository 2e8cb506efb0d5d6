package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/mediagen-studio/mediagen/pkg/catalog"
	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/generation"
	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/progress"
	"github.com/mediagen-studio/mediagen/pkg/tasks"
	"github.com/valyala/fasthttp"
)

// Starter launches generation runs. Satisfied by *generation.Orchestrator.
type Starter interface {
	Start(ctx context.Context, workflowName string, data map[string]any) (string, error)
}

// DefinitionSource resolves workflow definitions. Satisfied by
// *workflow.Store.
type DefinitionSource interface {
	Load() ([]*models.WorkflowDefinition, error)
	GetByName(name string) (*models.WorkflowDefinition, []*models.WorkflowDefinition, error)
}

type Handlers struct {
	orchestrator Starter
	store        DefinitionSource
	channel      *progress.Channel
	catalog      *catalog.Repository
	uploader     tasks.Uploader
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewHandlers(
	orchestrator Starter,
	store DefinitionSource,
	channel *progress.Channel,
	cat *catalog.Repository,
	uploader tasks.Uploader,
	validate *validator.Validate,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		store:        store,
		channel:      channel,
		catalog:      cat,
		uploader:     uploader,
		validate:     validate,
		logger:       logger,
	}
}

// StartGeneration accepts a generation request, uploads any attached media to
// the engine, validates the workflow's input contract and launches the run.
// Returns 202 with the task id; the run itself is observed via the events
// endpoint.
func (h *Handlers) StartGeneration(c fiber.Ctx) error {
	workflowName, data, imageCount, audioCount, err := h.parseGenerationRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if workflowName == "" {
		return badRequest(c, "workflow name is required")
	}

	definition, _, err := h.store.GetByName(workflowName)
	if err != nil {
		return handleGenerationError(c, err)
	}

	if err := generation.ValidateInputs(definition, imageCount, audioCount); err != nil {
		return handleGenerationError(c, err)
	}

	taskID, err := h.orchestrator.Start(c.Context(), workflowName, data)
	if err != nil {
		return handleGenerationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartGenerationResponse{TaskID: taskID})
}

// parseGenerationRequest accepts either a multipart form (fields + media
// uploads) or a plain JSON body {"workflow": ..., "fields": {...}}.
func (h *Handlers) parseGenerationRequest(c fiber.Ctx) (string, map[string]any, int, int, error) {
	data := make(map[string]any)

	contentType := string(c.Request().Header.ContentType())
	if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		var body struct {
			Workflow string         `json:"workflow"`
			Fields   map[string]any `json:"fields"`
		}

		if err := c.Bind().JSON(&body); err != nil {
			return "", nil, 0, 0, fmt.Errorf("invalid request body: %w", err)
		}

		for key, value := range body.Fields {
			data[key] = value
		}

		return body.Workflow, data, 0, 0, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return "", nil, 0, 0, fmt.Errorf("invalid multipart form: %w", err)
	}

	workflowName := ""

	for key, values := range form.Value {
		if len(values) == 0 {
			continue
		}

		if key == "workflow" {
			workflowName = values[0]

			continue
		}

		data[key] = values[0]
	}

	imageCount, audioCount, err := h.uploadFormMedia(c.Context(), form, data)
	if err != nil {
		return "", nil, 0, 0, err
	}

	return workflowName, data, imageCount, audioCount, nil
}

// uploadFormMedia pushes each attached file to the engine's input storage and
// injects the engine-side filenames into the generation data under indexed
// keys. Field names decide the kind: image* vs audio*.
func (h *Handlers) uploadFormMedia(ctx context.Context, form *multipart.Form, data map[string]any) (int, int, error) {
	keys := make([]string, 0, len(form.File))
	for key := range form.File {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	imageCount, audioCount := 0, 0

	for _, key := range keys {
		for _, header := range form.File[key] {
			content, err := readUpload(header)
			if err != nil {
				return 0, 0, fmt.Errorf("reading upload %s: %w", key, err)
			}

			kind := engine.MediaKindImage
			if strings.HasPrefix(key, "audio") {
				kind = engine.MediaKindAudio
			}

			uploaded, err := h.uploader.UploadMedia(ctx, content, header.Filename, kind, engine.ScopeInput, true)
			if err != nil {
				return 0, 0, fmt.Errorf("uploading %s: %w", key, err)
			}

			if kind == engine.MediaKindAudio {
				audioCount++
				data[fmt.Sprintf("inputAudio%d", audioCount)] = uploaded
			} else {
				imageCount++
				data[fmt.Sprintf("inputMedia%d", imageCount)] = uploaded
			}
		}
	}

	return imageCount, audioCount, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// GetRun reports a point-in-time snapshot of a run.
func (h *Handlers) GetRun(c fiber.Ctx) error {
	snapshot, ok := h.channel.GetRun(c.Params("id"))
	if !ok {
		return notFound(c, "run not found")
	}

	return c.JSON(RunStatusResponse{
		TaskID:      snapshot.TaskID,
		Workflow:    snapshot.WorkflowName,
		CurrentStep: snapshot.CurrentStep,
		TotalSteps:  snapshot.TotalSteps,
		Terminal:    snapshot.Terminal,
	})
}

// StreamEvents is the progress subscription endpoint: an SSE stream replaying
// any buffered events, then delivering live ones. The stream closes itself
// after a terminal event.
func (h *Handlers) StreamEvents(c fiber.Ctx) error {
	stream, cancel, err := h.channel.Subscribe(c.Params("id"))
	if err != nil {
		return notFound(c, "run not found")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.RequestCtx().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		for event := range stream {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}

			fmt.Fprintf(w, "data: %s\n\n", payload)

			if err := w.Flush(); err != nil {
				// Client went away; the run keeps executing.
				return
			}

			if event.Status != progress.StatusInProgress {
				return
			}
		}
	}))

	return nil
}

// ListWorkflows exposes the available workflow definitions.
func (h *Handlers) ListWorkflows(c fiber.Ctx) error {
	definitions, err := h.store.Load()
	if err != nil {
		return handleGenerationError(c, err)
	}

	summaries := make([]WorkflowSummary, 0, len(definitions))
	for _, definition := range definitions {
		summaries = append(summaries, WorkflowSummary{
			Name:    definition.Name,
			Options: definition.Options,
		})
	}

	return c.JSON(fiber.Map{"workflows": summaries})
}

// ListMedia returns catalog entries newest first with optional filtering.
func (h *Handlers) ListMedia(c fiber.Ctx) error {
	opts := catalog.ListOptions{
		Folder:   c.Query("folder"),
		Workflow: c.Query("workflow"),
	}

	if limit := c.Query("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "invalid limit")
		}

		opts.Limit = parsed
	}

	if offset := c.Query("offset"); offset != "" {
		parsed, err := strconv.Atoi(offset)
		if err != nil {
			return badRequest(c, "invalid offset")
		}

		opts.Offset = parsed
	}

	entries := h.catalog.ListFiltered(opts)

	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

func (h *Handlers) GetMedia(c fiber.Ctx) error {
	uid, err := strconv.ParseInt(c.Params("uid"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid uid")
	}

	entry, err := h.catalog.FindByUID(uid)
	if err != nil {
		return handleGenerationError(c, err)
	}

	return c.JSON(entry)
}

func (h *Handlers) ListFolders(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"folders": h.catalog.Folders()})
}

func (h *Handlers) CreateFolder(c fiber.Ctx) error {
	var req CreateFolderRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.catalog.AddFolder(req.Name); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusCreated)
}

// HealthCheck verifies the workflow configuration loads.
func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	if _, err := h.store.Load(); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
