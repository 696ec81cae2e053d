package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a stream error.
type ErrorKind string

const (
	// ErrorKindDecode is a record that could not be decoded. Never surfaced
	// to callers as a failure.
	ErrorKindDecode ErrorKind = "decode"

	// ErrorKindTransport covers request setup failures, non-success
	// statuses and mid-stream read failures.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindTerminalParse is a failed end-of-stream buffer parse.
	ErrorKindTerminalParse ErrorKind = "terminal_parse"

	// ErrorKindPersistence is a failed durable-store write.
	ErrorKindPersistence ErrorKind = "persistence"

	// ErrorKindInvalidState is an operation the session state forbids.
	ErrorKindInvalidState ErrorKind = "invalid_state"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrNotAwaitingFeedback = errors.New("session is not awaiting feedback")
	ErrSuperseded          = errors.New("session superseded")
)

// StreamError is the error type produced by the engine.
type StreamError struct {
	Kind       ErrorKind
	Op         string
	SessionID  string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", e.Kind, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// UserMessage returns text suitable for display in place of the answer.
func (e *StreamError) UserMessage() string {
	switch e.Kind {
	case ErrorKindTransport:
		switch {
		case e.StatusCode == http.StatusTooManyRequests:
			return "The assistant is busy right now. Please try again in a moment."
		case e.StatusCode >= 500:
			return "The assistant is temporarily unavailable. Please try again."
		case e.StatusCode >= 400:
			return "The request could not be processed."
		}
		return "The connection to the assistant was interrupted."
	case ErrorKindInvalidState:
		return "This conversation is not waiting for feedback."
	}
	return "Something went wrong while generating a response."
}

// NewStreamError creates a new stream error.
func NewStreamError(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

// WithSession sets the session the error belongs to.
func (e *StreamError) WithSession(id string) *StreamError {
	e.SessionID = id
	return e
}

// WithStatusCode sets the HTTP status reported by the backend.
func (e *StreamError) WithStatusCode(code int) *StreamError {
	e.StatusCode = code
	return e
}

// WithMessage sets the error message.
func (e *StreamError) WithMessage(msg string) *StreamError {
	e.Message = msg
	return e
}

// ErrTransport creates a transport error.
func ErrTransport(op string, err error) *StreamError {
	return NewStreamError(ErrorKindTransport, op, err)
}

// ErrPersistence creates a persistence error.
func ErrPersistence(op string, err error) *StreamError {
	return NewStreamError(ErrorKindPersistence, op, err)
}

// ErrInvalidState creates an invalid state error.
func ErrInvalidState(op string, err error) *StreamError {
	return NewStreamError(ErrorKindInvalidState, op, err)
}

// KindOf returns the kind of a stream error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
