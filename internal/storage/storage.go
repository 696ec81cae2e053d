// Package storage re-exports the durable store contract so store
// implementations and callers share one import.
package storage

import "github.com/tjfontaine/genstream/internal/core/ports"

type (
	ConversationStore   = ports.ConversationStore
	Conversation        = ports.Conversation
	StoredMessage       = ports.StoredMessage
	ConversationSummary = ports.ConversationSummary
	ListOptions         = ports.ListOptions
)

var ErrNotFound = ports.ErrNotFound

// Fields accepted by UpdateMessageField.
const (
	FieldContent = ports.FieldContent
	FieldSteps   = ports.FieldSteps
	FieldSources = ports.FieldSources
)
