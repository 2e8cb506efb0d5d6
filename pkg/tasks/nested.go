package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/models"
)

type nestedInputMapping struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Media bool   `json:"media"`
	Index int    `json:"index"`
}

type nestedOutputMapping struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type nestedParams struct {
	Workflow      string                `json:"workflow"`
	InputMapping  []nestedInputMapping  `json:"input_mapping"`
	OutputMapping []nestedOutputMapping `json:"output_mapping"`
}

// Metadata fields fanned out alongside every media input mapping, so the
// child workflow can reference what it was given.
var mediaMetadataKeys = []string{
	models.DataKeyDescription,
	models.DataKeySummary,
	models.DataKeyTags,
	models.DataKeyName,
	models.DataKeyUID,
	models.DataKeyImageFormat,
}

// executeNestedWorkflow builds a synthetic request for the target workflow,
// runs it through the same orchestrator entry point in silent mode, and maps
// results back into the parent's generation data. Any child failure is fatal
// to the parent.
func executeNestedWorkflow(ctx context.Context, params map[string]any, ec *ExecutionContext) error {
	parsed, err := parseNestedParams(params)
	if err != nil {
		return err
	}

	if parsed.Workflow == "" {
		return fmt.Errorf("execute_workflow: missing required parameter \"workflow\"")
	}

	childData := map[string]any{
		// The child run gets its own randomness, never the parent's seed.
		models.DataKeySeed: rand.Int63(),
	}

	for _, mapping := range parsed.InputMapping {
		if mapping.Media {
			if err := applyMediaMapping(ctx, mapping, childData, ec); err != nil {
				return fmt.Errorf("nested workflow %q: %w", parsed.Workflow, err)
			}

			continue
		}

		target := mapping.To
		if target == "" {
			target = mapping.From
		}

		childData[target] = stringField(ec.Data, mapping.From)
	}

	ec.Logger.Info("Executing nested workflow", "workflow", parsed.Workflow)

	childResult, err := ec.Runner.RunNested(ctx, parsed.Workflow, childData)
	if err != nil {
		return fmt.Errorf("nested workflow %q: %w", parsed.Workflow, err)
	}

	for _, mapping := range parsed.OutputMapping {
		if value, ok := childResult[mapping.From]; ok {
			ec.Data[mapping.To] = value
		}
	}

	// The parent's finalization checks its own save paths, so any produced
	// media propagates even without an explicit output mapping.
	for _, key := range []string{
		models.DataKeyImageURL,
		models.DataKeyAudioURL,
		models.DataKeySaveImagePath,
		models.DataKeySaveAudioPath,
	} {
		if value := stringField(childResult, key); value != "" {
			ec.Data[key] = value
		}
	}

	return nil
}

// applyMediaMapping uploads a file referenced by the parent's generation data
// and injects the engine-side filename plus the metadata fan-out under
// indexed keys.
func applyMediaMapping(ctx context.Context, mapping nestedInputMapping, childData map[string]any, ec *ExecutionContext) error {
	path := stringField(ec.Data, mapping.From)
	if path == "" {
		return fmt.Errorf("media mapping source %q is empty", mapping.From)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading media %s: %w", path, err)
	}

	kind := engine.MediaKindImage
	if isAudioFile(path) {
		kind = engine.MediaKindAudio
	}

	uploaded, err := ec.Uploader.UploadMedia(ctx, data, filepath.Base(path), kind, engine.ScopeInput, true)
	if err != nil {
		return fmt.Errorf("uploading media %s: %w", path, err)
	}

	index := mapping.Index
	childData[fmt.Sprintf("inputMedia%d", index)] = uploaded

	for _, key := range mediaMetadataKeys {
		indexed := fmt.Sprintf("input%s%d", capitalize(key), index)
		childData[indexed] = stringField(ec.Data, key)
	}

	return nil
}

func parseNestedParams(params map[string]any) (nestedParams, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nestedParams{}, fmt.Errorf("execute_workflow: invalid parameters: %w", err)
	}

	var parsed nestedParams
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nestedParams{}, fmt.Errorf("execute_workflow: invalid parameters: %w", err)
	}

	return parsed, nil
}

// stringField reads a generation-data field as a string, defaulting missing
// values to the empty string rather than failing.
func stringField(data map[string]any, key string) string {
	if key == "" {
		return ""
	}

	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}

func isAudioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3", ".flac", ".ogg", ".m4a":
		return true
	default:
		return false
	}
}
