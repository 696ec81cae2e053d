package ports

import (
	"context"
	"io"

	"github.com/tjfontaine/genstream/internal/core/domain"
)

// StartRequest opens a generation stream.
type StartRequest struct {
	Target    domain.Target     `json:"-"`
	SessionID string            `json:"session_id"`
	Prompt    string            `json:"prompt"`
	Context   map[string]any    `json:"context,omitempty"`
	Flags     map[string]bool   `json:"flags,omitempty"`
	Headers   map[string]string `json:"-"`
}

// FeedbackRequest resumes a paused generation stream.
type FeedbackRequest struct {
	Target    domain.Target `json:"-"`
	SessionID string        `json:"session_id"`
	Feedback  string        `json:"feedback"`
}

// GenerationTransport opens chunked response bodies against the
// generation backend. Returned bodies must be closed by the caller.
type GenerationTransport interface {
	Start(ctx context.Context, req *StartRequest) (io.ReadCloser, error)
	SubmitFeedback(ctx context.Context, req *FeedbackRequest) (io.ReadCloser, error)
}

// EventPublisher delivers stream events to observers.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.StreamEvent) error
	Close() error
}
