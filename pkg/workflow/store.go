package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Store reads workflow definitions from a JSON document. Every Load reads
// the file fresh so configuration edits take effect without a restart.
type Store struct {
	path     string
	validate *validator.Validate
	logger   *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:     path,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Load parses and validates the full definitions document.
func (s *Store) Load() ([]*models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionsNotFound, s.path)
		}

		return nil, fmt.Errorf("failed to read workflow definitions: %w", err)
	}

	if err := s.validateDocument(raw); err != nil {
		return nil, err
	}

	var definitions []*models.WorkflowDefinition
	if err := json.Unmarshal(raw, &definitions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionsMalformed, err)
	}

	for _, definition := range definitions {
		if err := s.validate.Struct(definition); err != nil {
			return nil, fmt.Errorf("%w: workflow %q: %v", ErrDefinitionsMalformed, definition.Name, err)
		}
	}

	s.logger.Debug("Loaded workflow definitions", "count", len(definitions), "path", s.path)

	return definitions, nil
}

// GetByName loads the document fresh and returns the named definition
// together with the full definition set (the caller needs the set for
// nesting validation).
func (s *Store) GetByName(name string) (*models.WorkflowDefinition, []*models.WorkflowDefinition, error) {
	definitions, err := s.Load()
	if err != nil {
		return nil, nil, err
	}

	for _, definition := range definitions {
		if definition.Name == name {
			return definition, definitions, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
}

func (s *Store) validateDocument(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionsSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefinitionsMalformed, err)
	}

	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			if details != "" {
				details += "; "
			}

			details += desc.String()
		}

		return fmt.Errorf("%w: %s", ErrDefinitionsMalformed, details)
	}

	return nil
}
