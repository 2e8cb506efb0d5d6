// Package main provides the mediagen API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/mediagen-studio/mediagen/pkg/catalog"
	"github.com/mediagen-studio/mediagen/pkg/progress"
	"github.com/mediagen-studio/mediagen/pkg/tasks"
	"github.com/mediagen-studio/mediagen/pkg/web"
)

type API struct {
	logger       *slog.Logger
	orchestrator web.Starter
	store        web.DefinitionSource
	channel      *progress.Channel
	catalog      *catalog.Repository
	uploader     tasks.Uploader
	mediaDir     string
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	orchestrator web.Starter,
	store web.DefinitionSource,
	channel *progress.Channel,
	repository *catalog.Repository,
	uploader tasks.Uploader,
	mediaDir string,
) *API {
	return &API{
		logger:       logger,
		orchestrator: orchestrator,
		store:        store,
		channel:      channel,
		catalog:      repository,
		uploader:     uploader,
		mediaDir:     mediaDir,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewHandlers(
		a.orchestrator,
		a.store,
		a.channel,
		a.catalog,
		a.uploader,
		a.validate,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Mediagen API")
	})

	g := app.Group("/generations")
	g.Post("/", handlers.StartGeneration)
	g.Get("/:id", handlers.GetRun)
	g.Get("/:id/events", handlers.StreamEvents)

	app.Get("/workflows", handlers.ListWorkflows)

	m := app.Group("/catalog")
	m.Get("/", handlers.ListMedia)
	m.Get("/:uid", handlers.GetMedia)

	app.Get("/folders", handlers.ListFolders)
	app.Post("/folders", handlers.CreateFolder)

	// Generated files are served straight from the storage directory; catalog
	// entries reference them by /media URL.
	app.Get("/media/*", static.New(a.mediaDir))

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
