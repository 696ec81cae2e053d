// Package server exposes an Engine over HTTP: start and resume sessions,
// read transcripts and relay stream events as server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/genstream/internal/runtime"
)

// DefaultRequestTimeout bounds requests that do not wait on a generation.
const DefaultRequestTimeout = 30 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout replaces DefaultRequestTimeout. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	engine *runtime.Engine

	requestTimeout time.Duration
	httpServer     *http.Server
	// background tracks generations started without wait=true.
	background sync.WaitGroup
}

func New(port int, logger *slog.Logger, engine *runtime.Engine, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Port:           port,
		logger:         logger,
		engine:         engine,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()

	r.Use(withRequestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "genstream")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// wait=true start and feedback are exempt, they last as long as the stream.
			r.Use(requestDeadline(s.requestTimeout))

			r.Post("/generations", s.handleStart)
			r.Get("/sessions/{sessionID}", s.handleGetSession)
			r.Post("/sessions/{sessionID}/feedback", s.handleFeedback)
			r.Delete("/sessions/{sessionID}", s.handleDiscard)
			r.Get("/conversations", s.handleListConversations)
			r.Get("/conversations/{conversationID}/messages", s.handleMessages)
			r.Delete("/conversations/{conversationID}", s.handleDeleteConversation)
		})

		// Streams stay open for as long as the client listens.
		r.Get("/conversations/{conversationID}/events", s.handleEvents)
	})

	s.Router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for background generations
// started through the API.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Wait blocks until background generations finish.
func (s *Server) Wait() {
	s.background.Wait()
}
