package domain

import (
	"context"
	"time"
)

// SessionEvent describes a lifecycle transition of a logged dialogue.
type SessionEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	User             string    `json:"user"`
	SessionID        string    `json:"session_id"`
	LoggedDialogueID string    `json:"logged_dialogue_id"`
	DialogueName     string    `json:"dialogue_name"`
	Completed        bool      `json:"completed,omitempty"`
	Cancelled        bool      `json:"cancelled,omitempty"`
}

// InteractionEvent describes one logged interaction.
type InteractionEvent struct {
	SessionEvent
	Source MessageSource `json:"source"`
	Node   string        `json:"node"`
}

// LifecycleHooks defines callbacks for executor observability.
type LifecycleHooks struct {
	OnSessionStart func(context.Context, *SessionEvent)
	OnInteraction  func(context.Context, *InteractionEvent)
	OnSessionEnd   func(context.Context, *SessionEvent)
}
