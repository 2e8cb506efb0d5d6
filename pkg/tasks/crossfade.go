package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

const defaultBlendSeconds = 1.0

// runCommand is stubbed in tests; production code shells out to
// ffmpeg/ffprobe.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// loopCrossfade blends the trailing window of a video into its leading
// window to create a seamless loop point, shortening the asset by the blend
// duration. A no-op when the asset is shorter than twice the blend window.
func loopCrossfade(ctx context.Context, params map[string]any, ec *ExecutionContext) error {
	path, _ := ec.Data[models.DataKeySaveImagePath].(string)
	if path == "" {
		return fmt.Errorf("loop_crossfade: generation data has no %s", models.DataKeySaveImagePath)
	}

	blend := floatParam(params, "duration", defaultBlendSeconds)

	total, err := probeDuration(ctx, path)
	if err != nil {
		return fmt.Errorf("loop_crossfade: %w", err)
	}

	if total < blend*2 {
		ec.Logger.Debug("Asset too short for loop crossfade, skipping", "duration", total, "blend", blend)

		return nil
	}

	// The last blend seconds crossfade into the head, so the output is the
	// original shortened by the blend window.
	filter := fmt.Sprintf(
		"[0:v]trim=start=%[1]s,setpts=PTS-STARTPTS[tail];[0:v]trim=end=%[2]s,setpts=PTS-STARTPTS[body];[tail][body]xfade=transition=fade:duration=%[3]s:offset=0,format=yuv420p[v]",
		formatSeconds(total-blend), formatSeconds(total-blend), formatSeconds(blend),
	)

	return renderInPlace(ctx, path, []string{"-filter_complex", filter, "-map", "[v]", "-an"})
}

// audioCrossfade is the audio counterpart of loopCrossfade.
func audioCrossfade(ctx context.Context, params map[string]any, ec *ExecutionContext) error {
	path, _ := ec.Data[models.DataKeySaveAudioPath].(string)
	if path == "" {
		return fmt.Errorf("audio_crossfade: generation data has no %s", models.DataKeySaveAudioPath)
	}

	blend := floatParam(params, "duration", defaultBlendSeconds)

	total, err := probeDuration(ctx, path)
	if err != nil {
		return fmt.Errorf("audio_crossfade: %w", err)
	}

	if total < blend*2 {
		ec.Logger.Debug("Asset too short for audio crossfade, skipping", "duration", total, "blend", blend)

		return nil
	}

	filter := fmt.Sprintf(
		"[0:a]atrim=start=%[1]s,asetpts=PTS-STARTPTS[tail];[0:a]atrim=end=%[2]s,asetpts=PTS-STARTPTS[body];[tail][body]acrossfade=d=%[3]s[a]",
		formatSeconds(total-blend), formatSeconds(total-blend), formatSeconds(blend),
	)

	return renderInPlace(ctx, path, []string{"-filter_complex", filter, "-map", "[a]"})
}

func renderInPlace(ctx context.Context, path string, args []string) error {
	tmp := filepath.Join(filepath.Dir(path), ".blend_tmp"+filepath.Ext(path))

	full := append([]string{"-y", "-i", path}, args...)
	full = append(full, tmp)

	if _, err := runCommand(ctx, "ffmpeg", full...); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	return os.Rename(tmp, path)
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := runCommand(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparseable duration %q", strings.TrimSpace(string(out)))
	}

	return duration, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}

	return fallback
}
