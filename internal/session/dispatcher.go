package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/generation"
)

// Outcome tells the read loop what to do after a frame.
type Outcome int

const (
	Continue Outcome = iota
	Suspend
	Terminate
)

func (o Outcome) String() string {
	switch o {
	case Suspend:
		return "suspend"
	case Terminate:
		return "terminate"
	}
	return "continue"
}

// runState is the accumulator owned by one session. It survives feedback
// resumptions and is only touched by the session's active read loop.
type runState struct {
	sessionID      string
	conversationID string
	assistantID    string

	buffer        strings.Builder
	steps         []string
	sawStructured bool
	frames        int
	// persisted is set once the assistant message has been written.
	persisted bool
}

// Dispatcher applies decoded frames to the generation store and publishes
// the resulting state. It performs no network I/O.
type Dispatcher struct {
	store   *generation.Store
	publish func(context.Context, *domain.StreamEvent)
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. publish may be nil.
func NewDispatcher(store *generation.Store, publish func(context.Context, *domain.StreamEvent), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(context.Context, *domain.StreamEvent) {}
	}
	return &Dispatcher{store: store, publish: publish, logger: logger}
}

// ParseFrame reads the discriminator and content of a record. The kind is
// taken from "type", falling back to "kind".
func ParseFrame(raw json.RawMessage) domain.Frame {
	v := gjson.ParseBytes(raw)
	kind := v.Get("type")
	if !kind.Exists() {
		kind = v.Get("kind")
	}
	f := domain.Frame{Kind: domain.FrameKind(kind.String()), Raw: raw}
	if c := v.Get("content"); c.Exists() {
		f.Content = json.RawMessage(c.Raw)
	}
	return f
}

// Dispatch applies one record to st.
func (d *Dispatcher) Dispatch(ctx context.Context, st *runState, raw json.RawMessage) Outcome {
	f := ParseFrame(raw)
	st.frames++

	if f.Kind.Structured() {
		st.sawStructured = true
	}

	switch f.Kind {
	case domain.FrameToken:
		d.applyToken(ctx, st, f)
	case domain.FrameProgress:
		d.applyProgress(ctx, st, f)
	case domain.FrameResult:
		d.applyResult(ctx, st, f)
	case domain.FrameReasoning:
		d.applyReasoning(ctx, st, f)
	case domain.FrameAwaitUserFeedback:
		return Suspend
	case domain.FrameUpdate:
	case domain.FrameComplete, domain.FrameDone:
		return Terminate
	default:
		d.logger.Debug("ignoring unknown frame",
			slog.String("session_id", st.sessionID),
			slog.String("kind", string(f.Kind)),
		)
	}
	return Continue
}

func contentText(f domain.Frame, keys ...string) string {
	c := gjson.ParseBytes(f.Content)
	if c.IsObject() {
		for _, k := range keys {
			if v := c.Get(k); v.Exists() {
				return v.String()
			}
		}
		return ""
	}
	return c.String()
}

func (d *Dispatcher) applyToken(ctx context.Context, st *runState, f domain.Frame) {
	text := contentText(f, "text", "token")
	st.buffer.WriteString(text)

	content := st.buffer.String()
	loading := false
	d.store.UpdateMessage(st.conversationID, st.assistantID, generation.MessagePatch{
		Content: &content,
		Loading: &loading,
	})

	d.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventContent,
		SessionID:      st.sessionID,
		ConversationID: st.conversationID,
		Content:        content,
		Timestamp:      time.Now(),
	})
}

func (d *Dispatcher) applyProgress(ctx context.Context, st *runState, f domain.Frame) {
	text := contentText(f, "message", "step", "status")
	if text == "" {
		return
	}
	st.steps = append(st.steps, text)
	steps := append([]string(nil), st.steps...)

	d.store.SetStatusMessage(st.sessionID, text)
	d.store.UpdateMessage(st.conversationID, st.assistantID, generation.MessagePatch{Steps: steps})

	d.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventProgress,
		SessionID:      st.sessionID,
		ConversationID: st.conversationID,
		Content:        text,
		Steps:          steps,
		Timestamp:      time.Now(),
	})
}

func (d *Dispatcher) applyResult(ctx context.Context, st *runState, f domain.Frame) {
	snap, err := generation.ParseSnapshot(gjson.ParseBytes(f.Content))
	if err != nil {
		d.logger.Debug("ignoring undecodable result frame",
			slog.String("session_id", st.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(snap.Invalid) > 0 {
		d.logger.Debug("skipping malformed result fields",
			slog.String("session_id", st.sessionID),
			slog.String("fields", strings.Join(snap.Invalid, ",")),
		)
	}
	if !snap.HasSources {
		if v := gjson.GetBytes(f.Raw, "sources"); v.IsArray() {
			snap.Sources = domain.SourcesFromJSON(v)
			snap.HasSources = true
		}
	}

	d.store.ApplySnapshot(st.sessionID, snap)

	loading := false
	patch := generation.MessagePatch{Loading: &loading}
	if snap.HasSources {
		patch.Sources = snap.Sources
	}
	d.store.UpdateMessage(st.conversationID, st.assistantID, patch)

	result := d.store.Result(st.sessionID)
	d.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventResult,
		SessionID:      st.sessionID,
		ConversationID: st.conversationID,
		Result:         &result,
		Sources:        snap.Sources,
		Timestamp:      time.Now(),
	})
}

func (d *Dispatcher) applyReasoning(ctx context.Context, st *runState, f domain.Frame) {
	text := contentText(f, "reasoning", "text")
	d.store.SetReasoning(st.sessionID, text)

	loading := false
	d.store.UpdateMessage(st.conversationID, st.assistantID, generation.MessagePatch{Loading: &loading})

	d.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventReasoning,
		SessionID:      st.sessionID,
		ConversationID: st.conversationID,
		Content:        text,
		Timestamp:      time.Now(),
	})
}
