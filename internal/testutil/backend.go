// Package testutil provides fixtures shared by package tests: a go-vcr
// recorder for transport tests and a scripted generation backend.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Script is one scripted response. Chunks are written and flushed one at
// a time so the client sees them as separate reads.
type Script struct {
	Status int
	Chunks []string
	Delay  time.Duration
	// Hold keeps the response open after the last chunk until it is
	// closed or the client goes away.
	Hold <-chan struct{}
}

// Request is a request the backend received.
type Request struct {
	ID     string
	Path   string
	Header http.Header
	Body   map[string]any
}

// Backend is a fake generation backend serving queued scripts per path.
type Backend struct {
	*httptest.Server

	mu       sync.Mutex
	scripts  map[string][]Script
	requests []Request
}

// NewBackend starts a backend that is shut down with the test.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{scripts: make(map[string][]Script)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/*", b.serve)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

// Enqueue adds a script for the next request to path.
func (b *Backend) Enqueue(path string, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[path] = append(b.scripts[path], s)
}

// Requests returns every request received so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	b.mu.Lock()
	b.requests = append(b.requests, Request{
		ID:     uuid.New().String(),
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	queue := b.scripts[r.URL.Path]
	if len(queue) == 0 {
		b.mu.Unlock()
		http.Error(w, "no script for "+r.URL.Path, http.StatusNotFound)
		return
	}
	s := queue[0]
	b.scripts[r.URL.Path] = queue[1:]
	b.mu.Unlock()

	if s.Status != 0 && s.Status != http.StatusOK {
		w.WriteHeader(s.Status)
		for _, c := range s.Chunks {
			io.WriteString(w, c)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, c := range s.Chunks {
		if s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if _, err := io.WriteString(w, c); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.Hold != nil {
		select {
		case <-s.Hold:
		case <-r.Context().Done():
		}
	}
}
