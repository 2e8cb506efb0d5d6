package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

const defaultAudioFormat = "wav"

var mediaIndexPattern = regexp.MustCompile(`^(image|audio)_(\d+)\.`)

// materializeOutputPaths synthesizes the run's final save paths between the
// pre-generation phase and engine submission. The ordering matters: pre-tasks
// may set the format fields this depends on. Paths already present in the
// generation data (a nested run may have propagated them) are kept.
func (o *Orchestrator) materializeOutputPaths(run *models.GenerationRun) error {
	format, _ := run.Data[models.DataKeyImageFormat].(string)
	if format == "" {
		return ErrMissingImageFormat
	}

	if existing, _ := run.Data[models.DataKeySaveImagePath].(string); existing == "" {
		index, err := nextMediaIndex(o.config.MediaDir, "image")
		if err != nil {
			return fmt.Errorf("materializing image path: %w", err)
		}

		name := fmt.Sprintf("image_%d.%s", index, format)
		run.Data[models.DataKeySaveImagePath] = filepath.Join(o.config.MediaDir, name)
		run.Data[models.DataKeyImageURL] = "/media/" + name
	}

	if !run.Definition.IsAudio() {
		return nil
	}

	if existing, _ := run.Data[models.DataKeySaveAudioPath].(string); existing != "" {
		return nil
	}

	audioFormat, _ := run.Data[models.DataKeyAudioFormat].(string)
	if audioFormat == "" {
		audioFormat = defaultAudioFormat
		run.Data[models.DataKeyAudioFormat] = audioFormat
	}

	index, err := nextMediaIndex(o.config.MediaDir, "audio")
	if err != nil {
		return fmt.Errorf("materializing audio path: %w", err)
	}

	name := fmt.Sprintf("audio_%d.%s", index, audioFormat)
	run.Data[models.DataKeySaveAudioPath] = filepath.Join(o.config.MediaDir, name)
	run.Data[models.DataKeyAudioURL] = "/media/" + name

	return nil
}

// nextMediaIndex scans the storage directory by filename pattern and returns
// the first unused positive index for the namespace. Scanning rather than
// keeping a counter makes the scheme robust to files added out of band.
func nextMediaIndex(dir, namespace string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return 0, err
			}

			return 1, nil
		}

		return 0, err
	}

	used := make(map[int]bool)

	for _, entry := range entries {
		match := mediaIndexPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[1] != namespace {
			continue
		}

		if index, err := strconv.Atoi(match[2]); err == nil {
			used[index] = true
		}
	}

	index := 1
	for used[index] {
		index++
	}

	return index, nil
}
