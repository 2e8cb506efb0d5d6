package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediagen-studio/mediagen/pkg/engine"
	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	uploads []string
	kinds   []engine.MediaKind
	err     error
}

func (f *fakeUploader) UploadMedia(_ context.Context, _ []byte, filename string, kind engine.MediaKind, _ engine.StorageScope, _ bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	f.uploads = append(f.uploads, filename)
	f.kinds = append(f.kinds, kind)

	return "engine_" + filename, nil
}

type fakeRunner struct {
	workflow string
	received map[string]any
	result   map[string]any
	err      error
}

func (f *fakeRunner) RunNested(_ context.Context, workflowName string, data map[string]any) (map[string]any, error) {
	f.workflow = workflowName
	f.received = data

	if f.err != nil {
		return nil, f.err
	}

	return f.result, nil
}

func TestExecuteNestedWorkflow_SeedIsolation(t *testing.T) {
	ec := testContext(t)
	ec.Data[models.DataKeySeed] = int64(42)
	runner := &fakeRunner{result: map[string]any{}}
	ec.Runner = runner

	err := executeNestedWorkflow(context.Background(), map[string]any{"workflow": "upscale"}, ec)
	require.NoError(t, err)

	assert.Equal(t, "upscale", runner.workflow)
	require.Contains(t, runner.received, models.DataKeySeed)
	assert.NotEqual(t, int64(42), runner.received[models.DataKeySeed])
}

func TestExecuteNestedWorkflow_PlainInputMapping(t *testing.T) {
	ec := testContext(t)
	ec.Data["prompt"] = "a foggy harbor"
	runner := &fakeRunner{result: map[string]any{}}
	ec.Runner = runner

	params := map[string]any{
		"workflow": "upscale",
		"input_mapping": []any{
			map[string]any{"from": "prompt", "to": "description"},
			map[string]any{"from": "prompt"},
			map[string]any{"from": "absent", "to": "blank"},
		},
	}

	require.NoError(t, executeNestedWorkflow(context.Background(), params, ec))

	assert.Equal(t, "a foggy harbor", runner.received["description"])
	// A mapping without an explicit target keeps the source field name.
	assert.Equal(t, "a foggy harbor", runner.received["prompt"])
	assert.Equal(t, "", runner.received["blank"])
}

func TestExecuteNestedWorkflow_MediaMapping(t *testing.T) {
	ec := testContext(t)

	source := filepath.Join(ec.MediaDir, "image_3.png")
	require.NoError(t, os.WriteFile(source, []byte("pixels"), 0o644))

	ec.Data[models.DataKeySaveImagePath] = source
	ec.Data[models.DataKeyDescription] = "harbor at dawn"
	ec.Data[models.DataKeyTags] = "harbor, fog"

	uploader := &fakeUploader{}
	runner := &fakeRunner{result: map[string]any{}}
	ec.Uploader = uploader
	ec.Runner = runner

	params := map[string]any{
		"workflow": "describe",
		"input_mapping": []any{
			map[string]any{"from": models.DataKeySaveImagePath, "media": true, "index": 1},
		},
	}

	require.NoError(t, executeNestedWorkflow(context.Background(), params, ec))

	require.Equal(t, []string{"image_3.png"}, uploader.uploads)
	assert.Equal(t, []engine.MediaKind{engine.MediaKindImage}, uploader.kinds)
	assert.Equal(t, "engine_image_3.png", runner.received["inputMedia1"])
	assert.Equal(t, "harbor at dawn", runner.received["inputDescription1"])
	assert.Equal(t, "harbor, fog", runner.received["inputTags1"])
}

func TestExecuteNestedWorkflow_AudioMediaKind(t *testing.T) {
	ec := testContext(t)

	source := filepath.Join(ec.MediaDir, "audio_1.wav")
	require.NoError(t, os.WriteFile(source, []byte("samples"), 0o644))
	ec.Data[models.DataKeySaveAudioPath] = source

	uploader := &fakeUploader{}
	runner := &fakeRunner{result: map[string]any{}}
	ec.Uploader = uploader
	ec.Runner = runner

	params := map[string]any{
		"workflow": "remix",
		"input_mapping": []any{
			map[string]any{"from": models.DataKeySaveAudioPath, "media": true, "index": 1},
		},
	}

	require.NoError(t, executeNestedWorkflow(context.Background(), params, ec))
	require.Equal(t, []engine.MediaKind{engine.MediaKindAudio}, uploader.kinds)
}

func TestExecuteNestedWorkflow_OutputMappingAndPropagation(t *testing.T) {
	ec := testContext(t)
	runner := &fakeRunner{result: map[string]any{
		"tags":                      "generated, tags",
		models.DataKeyImageURL:      "/media/child/image_1.png",
		models.DataKeySaveImagePath: "/data/media/child/image_1.png",
	}}
	ec.Runner = runner

	params := map[string]any{
		"workflow": "describe",
		"output_mapping": []any{
			map[string]any{"from": "tags", "to": "autoTags"},
			map[string]any{"from": "absent", "to": "never"},
		},
	}

	require.NoError(t, executeNestedWorkflow(context.Background(), params, ec))

	assert.Equal(t, "generated, tags", ec.Data["autoTags"])
	assert.NotContains(t, ec.Data, "never")
	// Media locations always flow back, mapped or not.
	assert.Equal(t, "/media/child/image_1.png", ec.Data[models.DataKeyImageURL])
	assert.Equal(t, "/data/media/child/image_1.png", ec.Data[models.DataKeySaveImagePath])
}

func TestExecuteNestedWorkflow_ChildFailureIsFatal(t *testing.T) {
	ec := testContext(t)
	ec.Runner = &fakeRunner{err: fmt.Errorf("engine unreachable")}

	err := executeNestedWorkflow(context.Background(), map[string]any{"workflow": "upscale"}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `nested workflow "upscale"`)
	assert.Contains(t, err.Error(), "engine unreachable")
}

func TestExecuteNestedWorkflow_MissingWorkflowName(t *testing.T) {
	err := executeNestedWorkflow(context.Background(), map[string]any{}, testContext(t))
	require.Error(t, err)
}

func TestExecuteNestedWorkflow_MediaUploadFailure(t *testing.T) {
	ec := testContext(t)

	source := filepath.Join(ec.MediaDir, "image_1.png")
	require.NoError(t, os.WriteFile(source, []byte("pixels"), 0o644))
	ec.Data[models.DataKeySaveImagePath] = source
	ec.Uploader = &fakeUploader{err: fmt.Errorf("upload refused")}

	params := map[string]any{
		"workflow": "describe",
		"input_mapping": []any{
			map[string]any{"from": models.DataKeySaveImagePath, "media": true, "index": 1},
		},
	}

	err := executeNestedWorkflow(context.Background(), params, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload refused")
}

func TestKindFromName(t *testing.T) {
	tests := []struct {
		name     string
		expected Kind
		wantErr  bool
	}{
		{name: NameExtractTextOutputs, expected: KindExtractTextOutputs},
		{name: NameExtractMediaFromTextPointer, expected: KindExtractMediaFromTextPointer},
		{name: NameLoopCrossfade, expected: KindLoopCrossfade},
		{name: NameAudioCrossfade, expected: KindAudioCrossfade},
		{name: NameExecuteWorkflow, expected: KindExecuteWorkflow},
		{name: "definitely_not_a_handler", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := KindFromName(tt.name)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
		})
	}
}
