package models

import "time"

// MediaEntry is one persisted catalog record, created only when a run
// completes successfully outside silent mode. Never mutated by the
// orchestrator after creation.
type MediaEntry struct {
	UID       int64          `json:"uid"`
	Folder    string         `json:"folder,omitempty"`
	ImageURL  string         `json:"image_url,omitempty"`
	AudioURL  string         `json:"audio_url,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	TimeTaken float64        `json:"time_taken_seconds,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MediaFolder groups catalog entries for presentation.
type MediaFolder struct {
	Name      string    `json:"name" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}
