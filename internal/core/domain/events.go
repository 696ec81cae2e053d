package domain

import "time"

// EventType identifies a stream event delivered to observers.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventContent          EventType = "content"
	EventProgress         EventType = "progress"
	EventResult           EventType = "result"
	EventReasoning        EventType = "reasoning"
	EventAwaitingFeedback EventType = "awaiting_feedback"
	EventSessionResumed   EventType = "session.resumed"
	EventCompleted        EventType = "completed"
	EventErrored          EventType = "errored"
	EventWarning          EventType = "warning"
)

// StreamEvent is published after every state mutation. Payload fields are
// snapshots and safe to retain.
type StreamEvent struct {
	Type           EventType         `json:"type"`
	SessionID      string            `json:"session_id,omitempty"`
	ConversationID string            `json:"conversation_id"`
	Status         SessionStatus     `json:"status,omitempty"`
	Content        string            `json:"content,omitempty"`
	Steps          []string          `json:"steps,omitempty"`
	Result         *GenerationResult `json:"result,omitempty"`
	Sources        []Source          `json:"sources,omitempty"`
	Tokens         int               `json:"tokens,omitempty"`
	Error          string            `json:"error,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}
