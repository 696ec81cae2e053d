// Package ports defines the interfaces the engine depends on.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a conversation or message does
// not exist.
var ErrNotFound = errors.New("not found")

// Fields accepted by ConversationStore.UpdateMessageField.
const (
	FieldContent = "content"
	FieldSteps   = "steps"
	FieldSources = "sources"
)

// ConversationStore is the durable store contract the reconciler writes to.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AddMessage(ctx context.Context, convID string, msg *StoredMessage) error
	// UpdateMessageField sets a single field of a stored message. Value
	// is a string for FieldContent and JSON for list fields.
	UpdateMessageField(ctx context.Context, convID, msgID, field string, value any) error
	ListConversations(ctx context.Context, opts ListOptions) ([]*ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error
	Close() error
}

// Conversation is a persisted conversation.
type Conversation struct {
	ID        string            `json:"id"`
	Target    string            `json:"target,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Messages  []StoredMessage   `json:"messages,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoredMessage is a persisted message. Steps and Sources are kept as raw
// JSON so stores need not know their shape.
type StoredMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Steps     json.RawMessage `json:"steps,omitempty"`
	Sources   json.RawMessage `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ConversationSummary is a lightweight listing entry.
type ConversationSummary struct {
	ID           string            `json:"id"`
	Target       string            `json:"target,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MessageCount int               `json:"message_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Target string
	Limit  int
	Offset int
}
