package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/genstream/internal/core/ports"
	"github.com/tjfontaine/genstream/internal/pkg/config"
	"github.com/tjfontaine/genstream/internal/storage/memory"
	"github.com/tjfontaine/genstream/internal/storage/sqlite"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithConfig applies a loaded configuration. WithBackend, WithTransport
// and the store options take precedence over the matching sections.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) error {
		if cfg == nil {
			return fmt.Errorf("nil config")
		}
		e.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file and the environment.
func WithConfigFile(path string) Option {
	return func(e *Engine) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return WithConfig(cfg)(e)
	}
}

// WithBackend sets the generation backend base URL.
func WithBackend(baseURL string) Option {
	return func(e *Engine) error {
		if baseURL == "" {
			return fmt.Errorf("empty backend URL")
		}
		e.baseURL = baseURL
		return nil
	}
}

// WithHTTPClient sets the HTTP client used to reach the backend.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) error {
		e.httpClient = client
		return nil
	}
}

// WithTransport replaces the HTTP backend client entirely.
func WithTransport(transport ports.GenerationTransport) Option {
	return func(e *Engine) error {
		e.transport = transport
		return nil
	}
}

// WithMemoryStore keeps conversations in memory (default).
func WithMemoryStore() Option {
	return func(e *Engine) error {
		e.setStore(memory.New(), true)
		return nil
	}
}

// WithSQLite persists conversations to a SQLite database.
func WithSQLite(path string) Option {
	return func(e *Engine) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		e.setStore(store, true)
		return nil
	}
}

// WithStore sets a custom conversation store. A nil store disables
// persistence. The caller keeps ownership and closes it.
func WithStore(store ports.ConversationStore) Option {
	return func(e *Engine) error {
		e.setStore(store, false)
		return nil
	}
}

// WithEventPublisher forwards every stream event to publisher in addition
// to in-process subscribers.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(e *Engine) error {
		e.external = publisher
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithTokenCounter sets the counter applied to completed answers.
func WithTokenCounter(counter TokenCounter) Option {
	return func(e *Engine) error {
		e.tokens = counter
		return nil
	}
}
