// Package genstream provides the public API for embedding the generation
// stream engine. This is the stable API for external consumers.
package genstream

import (
	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
	"github.com/tjfontaine/genstream/internal/pkg/config"
	"github.com/tjfontaine/genstream/internal/runtime"
)

// Engine runs generation sessions. See internal/runtime.Engine for full
// documentation.
type Engine = runtime.Engine

// Option is a functional option for configuring an Engine.
type Option = runtime.Option

// Request and result types.
type (
	StartRequest     = runtime.StartRequest
	Session          = domain.Session
	SessionStatus    = domain.SessionStatus
	Target           = domain.Target
	Message          = domain.Message
	Source           = domain.Source
	GenerationResult = domain.GenerationResult
	Workout          = domain.Workout
	Exercise         = domain.Exercise
	StreamEvent      = domain.StreamEvent
	EventType        = domain.EventType
	StreamError      = domain.StreamError
	Config           = config.Config
	EventPublisher   = ports.EventPublisher
	Store            = ports.ConversationStore
	TokenCounter     = runtime.TokenCounter
)

// Targets.
const (
	TargetWorkout         = domain.TargetWorkout
	TargetKnowledge       = domain.TargetKnowledge
	TargetProfileOverview = domain.TargetProfileOverview
)

// Session statuses.
const (
	StatusIdle             = domain.StatusIdle
	StatusStreaming        = domain.StatusStreaming
	StatusAwaitingFeedback = domain.StatusAwaitingFeedback
	StatusCompleted        = domain.StatusCompleted
	StatusErrored          = domain.StatusErrored
)

// New creates a new Engine with the given options.
// Example:
//
//	eng, err := genstream.New(
//	    genstream.WithBackend("https://api.example.com"),
//	    genstream.WithSQLite("./data/genstream.db"),
//	)
var New = runtime.New

// LoadConfig reads a YAML file and GENSTREAM_ environment overrides.
var LoadConfig = config.Load

// Configuration options
var (
	// Config sources
	WithConfig     = runtime.WithConfig
	WithConfigFile = runtime.WithConfigFile

	// Backend
	WithBackend    = runtime.WithBackend
	WithHTTPClient = runtime.WithHTTPClient
	WithTransport  = runtime.WithTransport

	// Storage
	WithMemoryStore = runtime.WithMemoryStore
	WithSQLite      = runtime.WithSQLite
	WithStore       = runtime.WithStore

	// Advanced options
	WithEventPublisher = runtime.WithEventPublisher
	WithLogger         = runtime.WithLogger
	WithTokenCounter   = runtime.WithTokenCounter
)

// Errors
var (
	ErrSessionNotFound     = domain.ErrSessionNotFound
	ErrNotAwaitingFeedback = domain.ErrNotAwaitingFeedback
	ErrSuperseded          = domain.ErrSuperseded
)
