// Package runtime provides the Engine, which wires the generation-stream
// components together behind one lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/genstream/internal/adapters/events/direct"
	"github.com/tjfontaine/genstream/internal/backend/genapi"
	"github.com/tjfontaine/genstream/internal/codec/frame"
	"github.com/tjfontaine/genstream/internal/conversation"
	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
	"github.com/tjfontaine/genstream/internal/generation"
	"github.com/tjfontaine/genstream/internal/pkg/config"
	"github.com/tjfontaine/genstream/internal/session"
	"github.com/tjfontaine/genstream/internal/storage"
	"github.com/tjfontaine/genstream/internal/storage/memory"
	"github.com/tjfontaine/genstream/internal/storage/sqlite"
	"github.com/tjfontaine/genstream/internal/telemetry"
	"github.com/tjfontaine/genstream/internal/tokens"
)

// StartRequest begins a new generation session.
type StartRequest = session.StartRequest

// TokenCounter measures completed answers.
type TokenCounter = session.TokenCounter

// Engine runs generation sessions against the backend and keeps their
// transcripts, results and durable copies in sync.
type Engine struct {
	// Dependencies (injected via options)
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
	transport  ports.GenerationTransport
	store      ports.ConversationStore
	storeSet   bool
	ownsStore  bool
	external   ports.EventPublisher
	logger     *slog.Logger
	tokens     TokenCounter

	// Wired components
	events     *direct.Publisher
	reconciler *conversation.Reconciler
	controller *session.Controller
	tracing    *telemetry.Provider
}

func (e *Engine) setStore(store ports.ConversationStore, owned bool) {
	if e.ownsStore && e.store != nil {
		_ = e.store.Close()
	}
	e.store = store
	e.storeSet = true
	e.ownsStore = owned
}

// New creates an Engine with the given options. A backend URL is required
// unless WithTransport is given; everything else has a default.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.closeOwned()
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := e.init(); err != nil {
		e.closeOwned()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	if e.cfg == nil {
		e.cfg = config.Default()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	cfg := *e.cfg
	if e.baseURL != "" {
		cfg.Backend.BaseURL = e.baseURL
	}
	if e.transport == nil {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		e.transport = e.newClient(cfg)
	}

	if !e.storeSet {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return err
		}
		e.setStore(store, true)
	}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, e.logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		e.tracing = tp
	}

	if e.tokens == nil {
		e.tokens = tokens.NewCounter("")
	}

	e.events = direct.NewPublisher(e.logger)

	e.reconciler = conversation.New(e.store,
		conversation.WithTimeout(cfg.Persistence.Timeout),
		conversation.WithLogger(e.logger),
		conversation.WithWarningHandler(e.onWarning),
	)

	var decoderOpts []frame.Option
	if cfg.Decoder.MaxRecordBytes > 0 {
		decoderOpts = append(decoderOpts, frame.WithMaxRecordBytes(cfg.Decoder.MaxRecordBytes))
	}

	scfg := session.Config{
		Transport:      e.transport,
		Store:          generation.NewStore(),
		Persister:      e.reconciler,
		Publisher:      e.publisher(),
		Tokens:         e.tokens,
		Logger:         e.logger,
		DecoderOptions: decoderOpts,
	}
	if e.tracing != nil {
		scfg.Tracer = e.tracing.Tracer()
	}
	controller, err := session.NewController(scfg)
	if err != nil {
		return fmt.Errorf("create session controller: %w", err)
	}
	e.controller = controller

	e.logger.Info("engine initialized",
		slog.String("backend", cfg.Backend.BaseURL),
		slog.String("storage", storageName(e.store)),
	)
	return nil
}

func (e *Engine) newClient(cfg config.Config) *genapi.Client {
	opts := []genapi.ClientOption{
		genapi.WithAPIKey(cfg.Backend.APIKey),
		genapi.WithUserAgent(cfg.Backend.UserAgent),
	}
	if e.httpClient != nil {
		opts = append(opts, genapi.WithHTTPClient(e.httpClient))
	}
	for target, ep := range cfg.Endpoints {
		opts = append(opts, genapi.WithEndpoint(domain.Target(target), genapi.Endpoint{
			Start:    ep.Start,
			Feedback: ep.Feedback,
		}))
	}
	return genapi.NewClient(cfg.Backend.BaseURL, opts...)
}

func openStore(cfg config.StorageConfig) (ports.ConversationStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("create sqlite storage: %w", err)
		}
		return store, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func storageName(store ports.ConversationStore) string {
	switch store.(type) {
	case nil:
		return "none"
	case *memory.Store:
		return "memory"
	case *sqlite.Store:
		return "sqlite"
	default:
		return fmt.Sprintf("%T", store)
	}
}

func (e *Engine) publisher() ports.EventPublisher {
	if e.external == nil {
		return e.events
	}
	return fanout{e.events, e.external}
}

func (e *Engine) onWarning(w conversation.Warning) {
	msg := w.Op
	if w.Err != nil {
		msg = fmt.Sprintf("%s: %v", w.Op, w.Err)
	}
	_ = e.publisher().Publish(context.Background(), &domain.StreamEvent{
		Type:           domain.EventWarning,
		ConversationID: w.ConversationID,
		Error:          msg,
		Timestamp:      w.Time,
	})
}

// StartGeneration starts a session and blocks until it pauses for
// feedback, completes, fails or is superseded. Run it in a goroutine and
// Subscribe to observe progress.
func (e *Engine) StartGeneration(ctx context.Context, req StartRequest) (domain.Session, error) {
	return e.controller.Start(ctx, req)
}

// SubmitFeedback resumes a session awaiting feedback and blocks like
// StartGeneration.
func (e *Engine) SubmitFeedback(ctx context.Context, sessionID, feedback string) (domain.Session, error) {
	return e.controller.SubmitFeedback(ctx, sessionID, feedback)
}

// Discard cancels and forgets a session.
func (e *Engine) Discard(sessionID string) bool {
	return e.controller.Discard(sessionID)
}

// Session returns a session by id.
func (e *Engine) Session(sessionID string) (domain.Session, bool) {
	return e.controller.Session(sessionID)
}

// ActiveSession returns the in-flight session of a conversation.
func (e *Engine) ActiveSession(conversationID string) (domain.Session, bool) {
	return e.controller.ActiveSession(conversationID)
}

// StatusMessage returns the latest progress text of a session.
func (e *Engine) StatusMessage(sessionID string) string {
	return e.controller.Store().StatusMessage(sessionID)
}

// Messages returns a copy of a conversation's in-memory transcript.
func (e *Engine) Messages(conversationID string) []domain.Message {
	return e.controller.Store().Messages(conversationID)
}

// Result returns the structured results accumulated by a session.
func (e *Engine) Result(sessionID string) domain.GenerationResult {
	return e.controller.Store().Result(sessionID)
}

// Subscribe streams events of one conversation ("" for all). Call the
// returned function to stop.
func (e *Engine) Subscribe(conversationID string) (<-chan *domain.StreamEvent, func()) {
	return e.events.Subscribe(conversationID, direct.DefaultBuffer)
}

// Conversation loads a durable conversation.
func (e *Engine) Conversation(ctx context.Context, id string) (*storage.Conversation, error) {
	if e.store == nil {
		return nil, storage.ErrNotFound
	}
	return e.store.GetConversation(ctx, id)
}

// Conversations lists durable conversations.
func (e *Engine) Conversations(ctx context.Context, opts storage.ListOptions) ([]*storage.ConversationSummary, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListConversations(ctx, opts)
}

// DeleteConversation drops a conversation's sessions and transcript and
// removes its durable copy.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	e.controller.DropConversation(conversationID)
	e.reconciler.Wait()
	return e.reconciler.DeleteConversation(ctx, conversationID)
}

// Flush waits for pending persistence writes.
func (e *Engine) Flush() {
	e.reconciler.Wait()
}

// Close cancels in-flight streams, waits for pending writes and releases
// the store, subscribers and tracer.
func (e *Engine) Close(ctx context.Context) error {
	e.controller.Shutdown()
	e.reconciler.Wait()

	var errs []error
	if err := e.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close events: %w", err))
	}
	if e.external != nil {
		if err := e.external.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	e.closeOwned()
	if e.tracing != nil {
		if err := e.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closeOwned() {
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
		e.ownsStore = false
	}
}

// fanout publishes to several publishers.
type fanout []ports.EventPublisher

func (f fanout) Publish(ctx context.Context, event *domain.StreamEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is handled by the Engine, which owns only some of the publishers.
func (f fanout) Close() error {
	return nil
}
