// Package domain holds the core types of the generation-stream engine.
package domain

import (
	"encoding/json"
	"time"
)

// Target identifies which generation backend a session talks to.
type Target string

const (
	TargetWorkout         Target = "workout"
	TargetKnowledge       Target = "knowledge"
	TargetProfileOverview Target = "profile_overview"
)

// Valid reports whether t is a known target.
func (t Target) Valid() bool {
	switch t {
	case TargetWorkout, TargetKnowledge, TargetProfileOverview:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a generation session.
type SessionStatus string

const (
	StatusIdle             SessionStatus = "idle"
	StatusStreaming        SessionStatus = "streaming"
	StatusAwaitingFeedback SessionStatus = "awaiting_feedback"
	StatusCompleted        SessionStatus = "completed"
	StatusErrored          SessionStatus = "errored"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Active reports whether the session still holds the conversation's
// single in-flight slot.
func (s SessionStatus) Active() bool {
	return s == StatusStreaming || s == StatusAwaitingFeedback
}

// Session is one logical generation request. Its ID is shared by the
// initial stream, every feedback resumption and the persisted messages.
type Session struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Target         Target        `json:"target"`
	Status         SessionStatus `json:"status"`
	StatusMessage  string        `json:"status_message,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is a citation attached to a knowledge-base answer.
type Source struct {
	Title   string          `json:"title,omitempty"`
	URL     string          `json:"url,omitempty"`
	Snippet string          `json:"snippet,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Message is one entry in a conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Loading   bool      `json:"loading"`
	Steps     []string  `json:"steps,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Steps != nil {
		out.Steps = append([]string(nil), m.Steps...)
	}
	if m.Sources != nil {
		out.Sources = make([]Source, len(m.Sources))
		for i, s := range m.Sources {
			out.Sources[i] = s
			if s.Raw != nil {
				out.Sources[i].Raw = append(json.RawMessage(nil), s.Raw...)
			}
		}
	}
	return out
}

// GenerationResult is the structured output accumulated for a session.
type GenerationResult struct {
	Workouts  []Workout  `json:"workouts,omitempty"`
	Exercises []Exercise `json:"exercises,omitempty"`
	Reasoning *string    `json:"reasoning,omitempty"`
}

// Empty reports whether nothing structured has been recorded.
func (r GenerationResult) Empty() bool {
	return len(r.Workouts) == 0 && len(r.Exercises) == 0 && r.Reasoning == nil
}

// Clone returns a deep copy of r.
func (r GenerationResult) Clone() GenerationResult {
	var out GenerationResult
	if r.Workouts != nil {
		out.Workouts = make([]Workout, len(r.Workouts))
		for i, w := range r.Workouts {
			out.Workouts[i] = w.Clone()
		}
	}
	if r.Exercises != nil {
		out.Exercises = make([]Exercise, len(r.Exercises))
		for i, e := range r.Exercises {
			out.Exercises[i] = e.Clone()
		}
	}
	if r.Reasoning != nil {
		s := *r.Reasoning
		out.Reasoning = &s
	}
	return out
}
