package tasks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

// extractTextOutputs reads sidecar text files the engine wrote during
// execution and assigns their trimmed content onto the generation data.
// The first missing or unreadable file aborts the remaining properties.
func extractTextOutputs(params map[string]any, ec *ExecutionContext) error {
	properties := stringSlice(params["properties"])
	if len(properties) == 0 {
		return fmt.Errorf("extract_text_outputs: missing required parameter \"properties\"")
	}

	for _, property := range properties {
		path := filepath.Join(ec.EngineOutputDir, property+".txt")

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("extract_text_outputs: reading %s: %w", path, err)
		}

		ec.Data[property] = strings.TrimSpace(string(raw))
	}

	return nil
}

// extractMediaFromTextPointer resolves the engine's real output path from a
// sidecar text file (the graph's declared save path is a placeholder),
// rewrites the extension to the requested image format and copies the file
// to the run's final save path.
func extractMediaFromTextPointer(params map[string]any, ec *ExecutionContext) error {
	pointer, _ := params["pointer"].(string)
	if pointer == "" {
		pointer = "output_path"
	}

	format, _ := ec.Data[models.DataKeyImageFormat].(string)
	if format == "" {
		return fmt.Errorf("extract_media_from_text_pointer: generation data has no %s", models.DataKeyImageFormat)
	}

	savePath, _ := ec.Data[models.DataKeySaveImagePath].(string)
	if savePath == "" {
		return fmt.Errorf("extract_media_from_text_pointer: generation data has no %s", models.DataKeySaveImagePath)
	}

	pointerPath := filepath.Join(ec.EngineOutputDir, pointer+".txt")

	raw, err := os.ReadFile(pointerPath)
	if err != nil {
		return fmt.Errorf("extract_media_from_text_pointer: reading pointer %s: %w", pointerPath, err)
	}

	realPath := strings.TrimSpace(string(raw))
	realPath = strings.TrimSuffix(realPath, filepath.Ext(realPath)) + "." + format

	if err := copyFile(realPath, savePath); err != nil {
		return fmt.Errorf("extract_media_from_text_pointer: %w", err)
	}

	ec.Logger.Debug("Extracted engine output", "from", realPath, "to", savePath)

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}

		return result
	default:
		return nil
	}
}
