package domain

import "encoding/json"

// FrameKind is the discriminator of a decoded stream record.
type FrameKind string

const (
	FrameToken             FrameKind = "token"
	FrameProgress          FrameKind = "progress"
	FrameResult            FrameKind = "result"
	FrameReasoning         FrameKind = "reasoning"
	FrameAwaitUserFeedback FrameKind = "await_user_feedback"
	FrameUpdate            FrameKind = "update"
	FrameComplete          FrameKind = "complete"
	FrameDone              FrameKind = "done"
)

// Terminal reports whether the frame ends the stream.
func (k FrameKind) Terminal() bool {
	return k == FrameComplete || k == FrameDone
}

// Structured reports whether the frame carries structured output. Seeing
// one disables the end-of-stream buffer parse.
func (k FrameKind) Structured() bool {
	return k == FrameResult || k == FrameReasoning
}

// Frame is a decoded record. Content is left raw since its shape depends
// on Kind.
type Frame struct {
	Kind    FrameKind       `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	Raw     json.RawMessage `json:"-"`
}
