// Package session drives generation sessions: it owns the read loop for
// each session, feeds decoded frames to the dispatcher and moves sessions
// through their lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/genstream/internal/codec/frame"
	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
	"github.com/tjfontaine/genstream/internal/generation"
)

const readBufferSize = 32 * 1024

// Persister reconciles finalized state with durable storage. Calls must
// not block on the write itself.
type Persister interface {
	EnsureConversation(ctx context.Context, convID string, target domain.Target, metadata map[string]string) error
	PersistMessage(convID string, msg domain.Message)
	UpdateMessageField(convID, msgID, field string, value any)
}

// TokenCounter measures generated text.
type TokenCounter interface {
	Count(text string) int
}

// StartRequest begins a new session.
type StartRequest struct {
	ConversationID string
	SessionID      string
	Target         domain.Target
	Prompt         string
	Context        map[string]any
	Flags          map[string]bool
	Metadata       map[string]string
}

// Config wires a Controller.
type Config struct {
	Transport      ports.GenerationTransport
	Store          *generation.Store
	Persister      Persister
	Publisher      ports.EventPublisher
	Tokens         TokenCounter
	Logger         *slog.Logger
	Tracer         trace.Tracer
	DecoderOptions []frame.Option
}

type entry struct {
	mu         sync.Mutex
	session    domain.Session
	run        *runState
	cancel     context.CancelFunc
	superseded atomic.Bool
}

func (e *entry) snapshot() domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *entry) setStatus(status domain.SessionStatus, errMsg string) domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Status = status
	e.session.ErrorMessage = errMsg
	e.session.UpdatedAt = time.Now()
	return e.session
}

// Controller owns every session's lifecycle.
type Controller struct {
	transport   ports.GenerationTransport
	store       *generation.Store
	persister   Persister
	publisher   ports.EventPublisher
	tokens      TokenCounter
	logger      *slog.Logger
	tracer      trace.Tracer
	decoderOpts []frame.Option
	dispatcher  *Dispatcher

	mu       sync.Mutex
	sessions map[string]*entry
	// active maps a conversation to the session holding its in-flight slot.
	active map[string]string
}

// NewController creates a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if cfg.Store == nil {
		cfg.Store = generation.NewStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/tjfontaine/genstream/internal/session")
	}

	c := &Controller{
		transport:   cfg.Transport,
		store:       cfg.Store,
		persister:   cfg.Persister,
		publisher:   cfg.Publisher,
		tokens:      cfg.Tokens,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		decoderOpts: cfg.DecoderOptions,
		sessions:    make(map[string]*entry),
		active:      make(map[string]string),
	}
	c.dispatcher = NewDispatcher(cfg.Store, c.publish, cfg.Logger)
	return c, nil
}

// Store returns the generation store the controller mutates.
func (c *Controller) Store() *generation.Store {
	return c.store
}

func (c *Controller) publish(ctx context.Context, ev *domain.StreamEvent) {
	if c.publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Debug("failed to publish event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Start begins a session and runs its read loop until the stream pauses
// for feedback, terminates, fails or is superseded. The returned session
// reflects the state at that point. Transport failures are returned as
// errors alongside the errored session.
func (c *Controller) Start(ctx context.Context, req StartRequest) (domain.Session, error) {
	if req.Target == "" {
		req.Target = domain.TargetWorkout
	}
	if !req.Target.Valid() {
		return domain.Session{}, fmt.Errorf("unknown target %q", req.Target)
	}
	if req.ConversationID == "" {
		req.ConversationID = "conv_" + uuid.New().String()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	now := time.Now()
	run := &runState{
		sessionID:      req.SessionID,
		conversationID: req.ConversationID,
		assistantID:    "msg_" + uuid.New().String(),
	}
	e := &entry{
		session: domain.Session{
			ID:             req.SessionID,
			ConversationID: req.ConversationID,
			Target:         req.Target,
			Status:         domain.StatusIdle,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		run: run,
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel

	c.mu.Lock()
	if _, exists := c.sessions[req.SessionID]; exists {
		c.mu.Unlock()
		return domain.Session{}, domain.ErrInvalidState("start", fmt.Errorf("session %s already exists", req.SessionID)).WithSession(req.SessionID)
	}
	if prevID, ok := c.active[req.ConversationID]; ok {
		c.supersedeLocked(prevID)
	}
	c.sessions[req.SessionID] = e
	c.active[req.ConversationID] = req.SessionID
	c.mu.Unlock()

	userMsg := domain.Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: req.SessionID,
		Role:      domain.RoleUser,
		Content:   req.Prompt,
		Timestamp: now,
	}
	assistantMsg := domain.Message{
		ID:        run.assistantID,
		SessionID: req.SessionID,
		Role:      domain.RoleAssistant,
		Loading:   true,
		Timestamp: now,
	}
	c.store.BindSession(req.SessionID, req.ConversationID)
	c.store.AppendMessage(req.ConversationID, userMsg)
	c.store.AppendMessage(req.ConversationID, assistantMsg)

	sess := e.setStatus(domain.StatusStreaming, "")
	c.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventSessionStarted,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Status:         sess.Status,
	})

	if c.persister != nil {
		if err := c.persister.EnsureConversation(ctx, req.ConversationID, req.Target, req.Metadata); err != nil {
			c.logger.Warn("continuing without durable conversation",
				slog.String("conversation_id", req.ConversationID),
				slog.String("error", err.Error()),
			)
		}
		c.persister.PersistMessage(req.ConversationID, userMsg)
	}

	c.logger.Info("session started",
		slog.String("session_id", sess.ID),
		slog.String("conversation_id", sess.ConversationID),
		slog.String("target", string(sess.Target)),
	)

	spanCtx, span := c.tracer.Start(loopCtx, "genstream.session.start", trace.WithAttributes(
		attribute.String("genstream.session_id", sess.ID),
		attribute.String("genstream.conversation_id", sess.ConversationID),
		attribute.String("genstream.target", string(sess.Target)),
	))
	defer span.End()

	body, err := c.transport.Start(spanCtx, &ports.StartRequest{
		Target:    req.Target,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Context:   req.Context,
		Flags:     req.Flags,
	})
	if err != nil {
		return c.fail(spanCtx, e, span, "start", err)
	}
	return c.runLoop(spanCtx, e, span, body)
}

// SubmitFeedback resumes a session paused on await_user_feedback. The
// session keeps its id, transcript entry and accumulators.
func (c *Controller) SubmitFeedback(ctx context.Context, sessionID, feedback string) (domain.Session, error) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return domain.Session{}, domain.ErrInvalidState("submit_feedback", domain.ErrSessionNotFound).WithSession(sessionID)
	}
	e.mu.Lock()
	if e.session.Status != domain.StatusAwaitingFeedback {
		status := e.session.Status
		e.mu.Unlock()
		c.mu.Unlock()
		return domain.Session{}, domain.ErrInvalidState("submit_feedback", domain.ErrNotAwaitingFeedback).
			WithSession(sessionID).
			WithMessage(fmt.Sprintf("session is %s", status))
	}
	e.session.Status = domain.StatusStreaming
	e.session.UpdatedAt = time.Now()
	sess := e.session
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel
	e.mu.Unlock()
	c.mu.Unlock()

	c.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventSessionResumed,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Status:         sess.Status,
	})
	c.logger.Info("session resumed",
		slog.String("session_id", sess.ID),
		slog.String("conversation_id", sess.ConversationID),
	)

	spanCtx, span := c.tracer.Start(loopCtx, "genstream.session.resume", trace.WithAttributes(
		attribute.String("genstream.session_id", sess.ID),
		attribute.String("genstream.conversation_id", sess.ConversationID),
		attribute.String("genstream.target", string(sess.Target)),
	))
	defer span.End()

	body, err := c.transport.SubmitFeedback(spanCtx, &ports.FeedbackRequest{
		Target:    sess.Target,
		SessionID: sess.ID,
		Feedback:  feedback,
	})
	if err != nil {
		return c.fail(spanCtx, e, span, "submit_feedback", err)
	}
	return c.runLoop(spanCtx, e, span, body)
}

// Discard cancels a session and forgets it. Its transcript entries stay
// in the store.
func (c *Controller) Discard(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		return false
	}
	c.supersedeLocked(sessionID)
	return true
}

// supersedeLocked stops a session's loop and drops it. c.mu must be held.
func (c *Controller) supersedeLocked(sessionID string) {
	e, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	e.superseded.Store(true)
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	conv := e.session.ConversationID
	active := e.session.Status.Active()
	e.mu.Unlock()

	if active {
		loading := false
		c.store.UpdateMessage(conv, e.run.assistantID, generation.MessagePatch{Loading: &loading})
	}

	delete(c.sessions, sessionID)
	if c.active[conv] == sessionID {
		delete(c.active, conv)
	}
	c.store.DropSession(sessionID)

	c.logger.Debug("session superseded",
		slog.String("session_id", sessionID),
		slog.String("conversation_id", conv),
	)
}

// Session returns a session by id.
func (c *Controller) Session(sessionID string) (domain.Session, bool) {
	c.mu.Lock()
	e, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return domain.Session{}, false
	}
	return e.snapshot(), true
}

// ActiveSession returns the session holding a conversation's in-flight
// slot, if any.
func (c *Controller) ActiveSession(convID string) (domain.Session, bool) {
	c.mu.Lock()
	id, ok := c.active[convID]
	var e *entry
	if ok {
		e = c.sessions[id]
	}
	c.mu.Unlock()
	if e == nil {
		return domain.Session{}, false
	}
	return e.snapshot(), true
}

// Sessions lists the known sessions of a conversation.
func (c *Controller) Sessions(convID string) []domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Session
	for _, e := range c.sessions {
		if s := e.snapshot(); s.ConversationID == convID {
			out = append(out, s)
		}
	}
	return out
}

// DropConversation discards every session of a conversation and its
// in-memory state.
func (c *Controller) DropConversation(convID string) {
	c.mu.Lock()
	for id, e := range c.sessions {
		if e.snapshot().ConversationID == convID {
			c.supersedeLocked(id)
		}
	}
	c.mu.Unlock()
	c.store.DropConversation(convID)
}

// Shutdown cancels every in-flight read loop. Sessions and transcripts
// are kept.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.sessions {
		e.mu.Lock()
		if e.cancel != nil && e.session.Status == domain.StatusStreaming {
			e.cancel()
		}
		e.mu.Unlock()
	}
}

// runLoop reads body until a suspend or terminal frame, end of stream or
// failure. Frames are applied strictly in arrival order.
func (c *Controller) runLoop(ctx context.Context, e *entry, span trace.Span, body io.ReadCloser) (domain.Session, error) {
	defer body.Close()

	dec := frame.NewDecoder(c.decoderOpts...)
	buf := make([]byte, readBufferSize)
	defer func() {
		stats := dec.Stats()
		span.SetAttributes(
			attribute.Int("genstream.records", stats.Records),
			attribute.Int("genstream.records_skipped", stats.Skipped),
		)
		if stats.Skipped > 0 {
			c.logger.Debug("skipped undecodable records",
				slog.String("session_id", e.run.sessionID),
				slog.Int("records_skipped", stats.Skipped),
				slog.Int("records_oversized", stats.Oversized),
			)
		}
	}()

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if sess, done, err := c.apply(ctx, e, span, dec.Feed(buf[:n])); done {
				return sess, err
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if e.superseded.Load() {
				return e.snapshot(), domain.ErrSuperseded
			}
			if n := dec.Pending(); n > 0 {
				c.logger.Debug("stream ended without a trailing newline",
					slog.String("session_id", e.run.sessionID),
					slog.Int("pending_bytes", n),
				)
			}
			if sess, done, err := c.apply(ctx, e, span, dec.Flush()); done {
				return sess, err
			}
			// A stream that ends cleanly without a terminal frame is
			// treated as complete.
			return c.complete(ctx, e, span)
		}
		if e.superseded.Load() {
			return e.snapshot(), domain.ErrSuperseded
		}
		if n := dec.Pending(); n > 0 {
			span.SetAttributes(attribute.Int("genstream.pending_bytes", n))
		}
		return c.fail(ctx, e, span, "read", readErr)
	}
}

func (c *Controller) apply(ctx context.Context, e *entry, span trace.Span, records []json.RawMessage) (domain.Session, bool, error) {
	for _, rec := range records {
		if e.superseded.Load() {
			return e.snapshot(), true, domain.ErrSuperseded
		}
		switch c.dispatcher.Dispatch(ctx, e.run, rec) {
		case Suspend:
			sess := e.setStatus(domain.StatusAwaitingFeedback, "")
			span.AddEvent("awaiting_feedback")
			if msg, ok := c.store.Message(e.run.conversationID, e.run.assistantID); ok && msg.Content != "" {
				c.persistAssistant(e.run, msg)
			}
			c.publish(ctx, &domain.StreamEvent{
				Type:           domain.EventAwaitingFeedback,
				SessionID:      sess.ID,
				ConversationID: sess.ConversationID,
				Status:         sess.Status,
				Content:        e.run.buffer.String(),
			})
			c.logger.Info("session awaiting feedback",
				slog.String("session_id", sess.ID),
				slog.String("conversation_id", sess.ConversationID),
			)
			return sess, true, nil
		case Terminate:
			sess, err := c.complete(ctx, e, span)
			return sess, true, err
		}
	}
	return domain.Session{}, false, nil
}

func (c *Controller) complete(ctx context.Context, e *entry, span trace.Span) (domain.Session, error) {
	run := e.run
	content := run.buffer.String()

	if !run.sawStructured {
		snap, err := generation.ReconstructFromBuffer(content)
		switch {
		case err == nil:
			c.store.ApplySnapshot(run.sessionID, snap)
			if snap.HasSources {
				c.store.UpdateMessage(run.conversationID, run.assistantID, generation.MessagePatch{Sources: snap.Sources})
			}
			result := c.store.Result(run.sessionID)
			c.publish(ctx, &domain.StreamEvent{
				Type:           domain.EventResult,
				SessionID:      run.sessionID,
				ConversationID: run.conversationID,
				Result:         &result,
				Sources:        snap.Sources,
			})
		case !errors.Is(err, generation.ErrNoStructuredFields):
			c.logger.Debug("token buffer is not a structured result",
				slog.String("session_id", run.sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	loading := false
	msg, _ := c.store.UpdateMessage(run.conversationID, run.assistantID, generation.MessagePatch{Loading: &loading})
	sess := e.setStatus(domain.StatusCompleted, "")
	c.releaseSlot(sess)

	tokens := 0
	if c.tokens != nil {
		tokens = c.tokens.Count(content)
	}
	span.SetAttributes(
		attribute.Int("genstream.frames", run.frames),
		attribute.Int("genstream.tokens", tokens),
	)
	span.SetStatus(codes.Ok, "")

	result := c.store.Result(run.sessionID)
	c.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventCompleted,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Status:         sess.Status,
		Content:        content,
		Steps:          msg.Steps,
		Result:         &result,
		Sources:        msg.Sources,
		Tokens:         tokens,
	})

	if msg.ID != "" {
		c.persistAssistant(run, msg)
	}

	c.logger.Info("session completed",
		slog.String("session_id", sess.ID),
		slog.String("conversation_id", sess.ConversationID),
		slog.Int("frames", run.frames),
		slog.Int("tokens", tokens),
	)
	return sess, nil
}

// persistAssistant writes the assistant message the first time and patches
// the stored copy afterwards, so a message saved while the session paused
// for feedback ends up with its final content.
func (c *Controller) persistAssistant(run *runState, msg domain.Message) {
	if c.persister == nil {
		return
	}
	if !run.persisted {
		run.persisted = true
		c.persister.PersistMessage(run.conversationID, msg)
		return
	}
	c.persister.UpdateMessageField(run.conversationID, msg.ID, ports.FieldContent, msg.Content)
	if len(msg.Steps) > 0 {
		c.persister.UpdateMessageField(run.conversationID, msg.ID, ports.FieldSteps, msg.Steps)
	}
	if len(msg.Sources) > 0 {
		c.persister.UpdateMessageField(run.conversationID, msg.ID, ports.FieldSources, msg.Sources)
	}
}

func (c *Controller) fail(ctx context.Context, e *entry, span trace.Span, op string, err error) (domain.Session, error) {
	if e.superseded.Load() {
		return e.snapshot(), domain.ErrSuperseded
	}

	var se *domain.StreamError
	if !errors.As(err, &se) {
		se = domain.ErrTransport(op, err)
	}
	se.SessionID = e.run.sessionID

	run := e.run
	loading := false
	patch := generation.MessagePatch{Loading: &loading}
	if run.buffer.Len() == 0 {
		text := se.UserMessage()
		patch.Content = &text
	}
	c.store.UpdateMessage(run.conversationID, run.assistantID, patch)

	sess := e.setStatus(domain.StatusErrored, se.UserMessage())
	c.releaseSlot(sess)

	span.RecordError(se)
	span.SetStatus(codes.Error, se.Error())

	c.publish(ctx, &domain.StreamEvent{
		Type:           domain.EventErrored,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Status:         sess.Status,
		Content:        run.buffer.String(),
		Error:          sess.ErrorMessage,
	})

	c.logger.Error("session failed",
		slog.String("session_id", sess.ID),
		slog.String("conversation_id", sess.ConversationID),
		slog.String("error", se.Error()),
	)
	return sess, se
}

// releaseSlot frees the conversation's in-flight slot once a session is
// terminal.
func (c *Controller) releaseSlot(sess domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[sess.ConversationID] == sess.ID {
		delete(c.active, sess.ConversationID)
	}
}
