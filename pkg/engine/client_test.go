package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("test-client", testLogger())
	client.Initialize(server.URL)

	return client
}

func TestClient_RequiresInitialize(t *testing.T) {
	client := NewClient("test-client", testLogger())

	_, err := client.Submit(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = client.UploadMedia(context.Background(), []byte("x"), "a.png", MediaKindImage, ScopeInput, false)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = client.AwaitCompletion(context.Background(), "job", 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestClient_UploadMedia(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/upload/image", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "input", r.FormValue("type"))
		assert.Equal(t, "true", r.FormValue("overwrite"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "frame.png", header.Filename)

		_ = json.NewEncoder(w).Encode(map[string]string{"name": "frame.png"})
	}))

	name, err := client.UploadMedia(context.Background(), []byte("png-bytes"), "frame.png", MediaKindImage, ScopeInput, true)
	require.NoError(t, err)
	assert.Equal(t, "frame.png", name)
}

func TestClient_UploadMedia_BackendError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.UploadMedia(context.Background(), []byte("x"), "a.wav", MediaKindAudio, ScopeTemp, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
}

func TestClient_Submit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prompt", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-client", body["client_id"])
		assert.NotNil(t, body["prompt"])

		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "job-42"})
	}))

	jobID, err := client.Submit(context.Background(), map[string]any{"3": map[string]any{"class_type": "KSampler"}})
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)
}

func TestClient_Submit_NoJobID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := client.Submit(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmission)
}

func TestClient_AwaitCompletion_Completed(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history/job-42", r.URL.Path)

		if calls.Add(1) < 3 {
			// Still executing: empty history.
			fmt.Fprint(w, `{}`)

			return
		}

		fmt.Fprint(w, `{"job-42": {"status": {"status_str": "success", "completed": true}, "outputs": {"9": {"images": []}}}}`)
	}))

	completion, err := client.AwaitCompletion(context.Background(), "job-42", 10, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, completion.Completed)
	assert.False(t, completion.Errored)
	assert.Contains(t, completion.Outputs, "9")
}

func TestClient_AwaitCompletion_EngineError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"job-42": {"status": {"status_str": "error", "completed": false}}}`)
	}))

	// An engine execution error is a result, not a client error.
	completion, err := client.AwaitCompletion(context.Background(), "job-42", 3, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, completion.Errored)
	assert.False(t, completion.Completed)
}

func TestClient_AwaitCompletion_Timeout(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	_, err := client.AwaitCompletion(context.Background(), "job-42", 3, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_AwaitCompletion_TransientFailuresRetried(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		fmt.Fprint(w, `{"job-42": {"status": {"status_str": "success", "completed": true}}}`)
	}))

	completion, err := client.AwaitCompletion(context.Background(), "job-42", 10, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, completion.Completed)
}

func TestClient_FreeMemory_NeverFails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/free", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Best effort: no panic, no error surface.
	client.FreeMemory(context.Background())

	uninitialized := NewClient("x", testLogger())
	uninitialized.FreeMemory(context.Background())
}

func TestSessionState_SwitchWorkflow(t *testing.T) {
	session := NewSessionState()

	// First use is not a switch.
	assert.False(t, session.SwitchWorkflow("portrait"))
	assert.False(t, session.SwitchWorkflow("portrait"))
	assert.True(t, session.SwitchWorkflow("tts"))
	assert.Equal(t, "tts", session.LastWorkflow())

	_, switched := session.SwitchModel("llava")
	assert.False(t, switched)

	previous, switched := session.SwitchModel("qwen")
	assert.True(t, switched)
	assert.Equal(t, "llava", previous)
}
