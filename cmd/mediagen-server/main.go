package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/mediagen-studio/mediagen/pkg/catalog"
	"github.com/mediagen-studio/mediagen/pkg/cmd"
	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/generation"
	"github.com/mediagen-studio/mediagen/pkg/llm"
	"github.com/mediagen-studio/mediagen/pkg/log"
	"github.com/mediagen-studio/mediagen/pkg/otelhelper"
	"github.com/mediagen-studio/mediagen/pkg/progress"
	"github.com/mediagen-studio/mediagen/pkg/workflow"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = 8085

func main() {
	logger := log.WithModule("server")

	command := &cli.Command{
		Name:                  "mediagen-server",
		Usage:                 "Media-generation orchestration server",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "workflows-file",
				Usage:   "Path to the workflow definitions document",
				Value:   "./config/workflows.json",
				Sources: cli.EnvVars("WORKFLOWS_FILE"),
			},
			&cli.StringFlag{
				Name:    "media-dir",
				Usage:   "Directory where generated media and the catalog are stored",
				Value:   "./data/media",
				Sources: cli.EnvVars("MEDIA_DIR"),
			},
			&cli.StringFlag{
				Name:    "engine-url",
				Usage:   "Base URL of the node-graph compute backend",
				Value:   "http://localhost:8188",
				Sources: cli.EnvVars("ENGINE_URL"),
			},
			&cli.StringFlag{
				Name:    "engine-output-dir",
				Usage:   "Directory where the engine writes outputs and sidecar files",
				Value:   "./data/engine-output",
				Sources: cli.EnvVars("ENGINE_OUTPUT_DIR"),
			},
			&cli.StringFlag{
				Name:    "llm-url",
				Usage:   "Base URL of the LLM bridge used by prompt tasks",
				Value:   "http://localhost:11434",
				Sources: cli.EnvVars("LLM_URL"),
			},
			&cli.StringFlag{
				Name:    "llm-model",
				Usage:   "Model name for prompt and captioning tasks",
				Value:   "llava",
				Sources: cli.EnvVars("LLM_MODEL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing mediagen server")

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			var tracer trace.Tracer

			if command.Bool("tracing") {
				var err error

				tracer, err = otelhelper.NewTracer(ctx, "mediagen-server")
				if err != nil {
					logger.ErrorContext(ctx, "Failed to initialize tracer", "error", err)

					return err
				}
			}

			channel := progress.NewChannel(log.WithModule("progress"))
			session := engine.NewSessionState()

			clientID := uuid.NewString()
			engineClient := engine.NewClient(clientID, log.WithModule("engine"))
			engineClient.Initialize(command.String("engine-url"))

			listener := engine.NewListener(command.String("engine-url"), clientID, channel, log.WithModule("engine-listener"))
			go listener.Run(ctx)

			llmClient := llm.NewClient(command.String("llm-url"), command.String("llm-model"), session, log.WithModule("llm"))
			store := workflow.NewStore(command.String("workflows-file"), log.WithModule("workflow"))

			repository, err := catalog.NewRepository(command.String("media-dir"), log.WithModule("catalog"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to open media catalog", "error", err)

				return err
			}

			orchestrator := generation.NewOrchestrator(
				store,
				channel,
				engineClient,
				llmClient,
				session,
				repository,
				eventBus,
				tracer,
				generation.Config{
					MediaDir:        command.String("media-dir"),
					EngineOutputDir: command.String("engine-output-dir"),
				},
				log.WithModule("generation"),
			)

			maintenance := startMaintenance(command.String("engine-output-dir"), log.WithModule("maintenance"))
			defer maintenance.Stop()

			api := NewAPI(
				logger,
				orchestrator,
				store,
				channel,
				repository,
				engineClient,
				command.String("media-dir"),
			)

			if err := api.Start(int(command.Int("port"))); err != nil {
				logger.ErrorContext(ctx, "Server stopped", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
