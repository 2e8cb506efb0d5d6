package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/mediagen-studio/mediagen/pkg/catalog"
	"github.com/mediagen-studio/mediagen/pkg/generation"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleGenerationError maps the orchestrator's error taxonomy onto problem
// responses.
func handleGenerationError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("workflow_not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case generation.IsValidationError(err):
		return badRequest(c, err.Error())

	case generation.IsConfigurationError(err):
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("configuration_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusInternalServerError).JSON(problem)

	case errors.Is(err, catalog.ErrEntryNotFound):
		return notFound(c, "catalog entry not found")

	default:
		return internalError(c, err)
	}
}
