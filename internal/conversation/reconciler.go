// Package conversation reconciles in-memory generation state with the
// durable conversation store. Writes are best-effort: failures are logged
// and reported as warnings, never retried and never rolled back locally.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
)

// DefaultTimeout bounds each durable write.
const DefaultTimeout = 5 * time.Second

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID tags ctx with a caller correlation id. It is carried onto
// the detached contexts used for writes and recorded on new conversations.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Warning describes a failed durable write.
type Warning struct {
	Op             string
	ConversationID string
	MessageID      string
	Err            error
	Time           time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeout sets the per-write timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithWarningHandler registers a callback for failed writes.
func WithWarningHandler(fn func(Warning)) Option {
	return func(r *Reconciler) {
		r.onWarning = fn
	}
}

// Reconciler writes conversations and finalized messages to a store.
type Reconciler struct {
	store     ports.ConversationStore
	timeout   time.Duration
	logger    *slog.Logger
	onWarning func(Warning)

	mu      sync.Mutex
	ensured map[string]bool
	// ensuring collapses concurrent EnsureConversation calls per
	// conversation; r.mu is never held across store I/O.
	ensuring singleflight.Group

	// inflight holds the completion channel of the newest write per
	// message, so later writes to the same message run after it.
	writeMu  sync.Mutex
	inflight map[string]chan struct{}
	wg       sync.WaitGroup
}

// New creates a reconciler. A nil store makes every operation a no-op.
func New(store ports.ConversationStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   store,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		ensured:  make(map[string]bool),
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureConversation creates the conversation in the store unless this
// process already saw it there. It blocks on the store and returns a
// persistence error on failure; callers continue regardless.
func (r *Reconciler) EnsureConversation(ctx context.Context, convID string, target domain.Target, metadata map[string]string) error {
	if r.store == nil {
		return nil
	}

	if r.isEnsured(convID) {
		return nil
	}

	_, err, _ := r.ensuring.Do(convID, func() (any, error) {
		if r.isEnsured(convID) {
			return nil, nil
		}
		if err := r.ensure(ctx, convID, target, metadata); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.ensured[convID] = true
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Reconciler) isEnsured(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensured[convID]
}

func (r *Reconciler) ensure(ctx context.Context, convID string, target domain.Target, metadata map[string]string) error {
	persistCtx, cancel := buildPersistenceContext(ctx, r.timeout)
	defer cancel()

	_, err := r.store.GetConversation(persistCtx, convID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		r.warn("get_conversation", convID, "", err)
		return domain.ErrPersistence("get_conversation", err)
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if reqID := RequestIDFromContext(persistCtx); reqID != "" {
		meta["request_id"] = reqID
	}

	conv := &ports.Conversation{
		ID:       convID,
		Target:   string(target),
		Metadata: meta,
	}
	if err := r.store.CreateConversation(persistCtx, conv); err != nil {
		r.warn("create_conversation", convID, "", err)
		return domain.ErrPersistence("create_conversation", err)
	}
	return nil
}

// PersistMessage writes a finalized message in the background. The
// stored creation time is the time of this call, so writes issued in
// order sort in order.
func (r *Reconciler) PersistMessage(convID string, msg domain.Message) {
	if r.store == nil {
		return
	}

	stored, err := toStored(msg)
	if err != nil {
		r.warn("add_message", convID, msg.ID, err)
		return
	}
	stored.CreatedAt = time.Now()

	r.goWrite(msg.ID, func(ctx context.Context) {
		if err := r.store.AddMessage(ctx, convID, stored); err != nil {
			r.warn("add_message", convID, msg.ID, err)
		}
	})
}

// UpdateMessageField patches one field of a stored message in the
// background, after any earlier write to the same message.
func (r *Reconciler) UpdateMessageField(convID, msgID, field string, value any) {
	if r.store == nil {
		return
	}

	r.goWrite(msgID, func(ctx context.Context) {
		if err := r.store.UpdateMessageField(ctx, convID, msgID, field, value); err != nil {
			r.warn("update_message_field", convID, msgID, err)
		}
	})
}

// DeleteConversation removes a conversation from the store.
func (r *Reconciler) DeleteConversation(ctx context.Context, convID string) error {
	r.mu.Lock()
	delete(r.ensured, convID)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}

	persistCtx, cancel := buildPersistenceContext(ctx, r.timeout)
	defer cancel()

	if err := r.store.DeleteConversation(persistCtx, convID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return err
		}
		r.warn("delete_conversation", convID, "", err)
		return domain.ErrPersistence("delete_conversation", err)
	}
	return nil
}

// Wait blocks until every background write has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) goWrite(msgID string, fn func(ctx context.Context)) {
	done := make(chan struct{})
	r.writeMu.Lock()
	prev := r.inflight[msgID]
	r.inflight[msgID] = done
	r.writeMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.writeMu.Lock()
			if r.inflight[msgID] == done {
				delete(r.inflight, msgID)
			}
			r.writeMu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		// Background writes outlive the caller's request.
		ctx, cancel := buildPersistenceContext(context.Background(), r.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (r *Reconciler) warn(op, convID, msgID string, err error) {
	r.logger.Warn("failed to persist conversation state",
		slog.String("op", op),
		slog.String("conversation_id", convID),
		slog.String("message_id", msgID),
		slog.String("error", err.Error()),
	)
	if r.onWarning != nil {
		r.onWarning(Warning{
			Op:             op,
			ConversationID: convID,
			MessageID:      msgID,
			Err:            err,
			Time:           time.Now(),
		})
	}
}

func toStored(msg domain.Message) (*ports.StoredMessage, error) {
	stored := &ports.StoredMessage{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
	}
	if len(msg.Steps) > 0 {
		b, err := json.Marshal(msg.Steps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal steps: %w", err)
		}
		stored.Steps = b
	}
	if len(msg.Sources) > 0 {
		b, err := json.Marshal(msg.Sources)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sources: %w", err)
		}
		stored.Sources = b
	}
	return stored, nil
}

// buildPersistenceContext detaches from ctx's cancellation while keeping
// its correlation id, and applies timeout.
func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.Background()
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		base = context.WithValue(base, requestIDKey, reqID)
	}

	if timeout <= 0 {
		return context.WithCancel(base)
	}

	return context.WithTimeout(base, timeout)
}
