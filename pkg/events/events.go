// Package events defines the lifecycle notifications published for
// generation runs.
package events

import (
	"time"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

type EventType string

const Topic = "mediagen.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	GenerationStartedEvent   EventType = "generation.started"
	GenerationCompletedEvent EventType = "generation.completed"
	GenerationFailedEvent    EventType = "generation.failed"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	TaskID       string         `json:"task_id"`
	WorkflowName string         `json:"workflow_name"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type GenerationStarted struct {
	BaseEvent

	WorkflowType models.WorkflowType `json:"workflow_type"`
	Silent       bool                `json:"silent,omitempty"`
}

func (g GenerationStarted) GetType() EventType {
	return GenerationStartedEvent
}

type GenerationCompleted struct {
	BaseEvent

	UID      int64            `json:"uid,omitempty"`
	ImageURL string           `json:"image_url,omitempty"`
	AudioURL string           `json:"audio_url,omitempty"`
	Duration time.Duration    `json:"duration"`
	Warnings []models.Warning `json:"warnings,omitempty"`
}

func (g GenerationCompleted) GetType() EventType {
	return GenerationCompletedEvent
}

type GenerationFailed struct {
	BaseEvent

	Phase    models.Phase  `json:"phase"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (g GenerationFailed) GetType() EventType {
	return GenerationFailedEvent
}
