package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/runtime"
	"github.com/tjfontaine/genstream/internal/storage"
)

const maxRequestBody = 1 << 20

type startRequest struct {
	ConversationID string            `json:"conversation_id"`
	SessionID      string            `json:"session_id"`
	Target         domain.Target     `json:"target"`
	Prompt         string            `json:"prompt"`
	Context        map[string]any    `json:"context,omitempty"`
	Flags          map[string]bool   `json:"flags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

// sessionView is the API shape of a session with its accumulated output.
type sessionView struct {
	Session domain.Session          `json:"session"`
	Result  domain.GenerationResult `json:"result"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind string, err error) {
	logError(r.Context(), err)
	writeJSON(w, status, errorBody{Error: errorDetail{Type: kind, Message: err.Error()}})
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var se *domain.StreamError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err)
	case errors.As(err, &se):
		status := http.StatusInternalServerError
		switch se.Kind {
		case domain.ErrorKindInvalidState:
			status = http.StatusConflict
		case domain.ErrorKindTransport:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorBody{Error: errorDetail{Type: string(se.Kind), Message: se.UserMessage()}})
		logError(r.Context(), err)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func wantsWait(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

func (s *Server) view(sess domain.Session) sessionView {
	if sess.StatusMessage == "" {
		sess.StatusMessage = s.engine.StatusMessage(sess.ID)
	}
	return sessionView{Session: sess, Result: s.engine.Result(sess.ID)}
}

// runDetached runs fn after the request returns. The context keeps the
// request's values (request ID) but not its deadline.
func (s *Server) runDetached(r *http.Request, op, sessionID string, fn func(ctx context.Context) (domain.Session, error)) {
	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := fn(ctx); err != nil && !errors.Is(err, domain.ErrSuperseded) {
			s.logger.Warn("background generation ended with error",
				slog.String("op", op),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Target == "" {
		req.Target = domain.TargetWorkout
	}
	if !req.Target.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Errorf("unknown target %q", req.Target))
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "conv_" + uuid.New().String()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	logField(r.Context(), "session_id", req.SessionID)
	logField(r.Context(), "conversation_id", req.ConversationID)

	start := runtime.StartRequest{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		Target:         req.Target,
		Prompt:         req.Prompt,
		Context:        req.Context,
		Flags:          req.Flags,
		Metadata:       req.Metadata,
	}

	if wantsWait(r) {
		sess, err := s.engine.StartGeneration(r.Context(), start)
		if err != nil && sess.ID == "" {
			writeEngineError(w, r, err)
			return
		}
		logError(r.Context(), err)
		writeJSON(w, http.StatusOK, s.view(sess))
		return
	}

	s.runDetached(r, "start", req.SessionID, func(ctx context.Context) (domain.Session, error) {
		return s.engine.StartGeneration(ctx, start)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id":      req.SessionID,
		"conversation_id": req.ConversationID,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	logField(r.Context(), "session_id", sessionID)

	var req feedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}

	if wantsWait(r) {
		sess, err := s.engine.SubmitFeedback(r.Context(), sessionID, req.Feedback)
		if err != nil && sess.ID == "" {
			writeEngineError(w, r, err)
			return
		}
		logError(r.Context(), err)
		writeJSON(w, http.StatusOK, s.view(sess))
		return
	}

	// Reject early what SubmitFeedback would reject, since the background
	// call cannot report back.
	sess, ok := s.engine.Session(sessionID)
	if !ok {
		writeEngineError(w, r, domain.ErrInvalidState("submit_feedback", domain.ErrSessionNotFound))
		return
	}
	if sess.Status != domain.StatusAwaitingFeedback {
		writeEngineError(w, r, domain.ErrInvalidState("submit_feedback", domain.ErrNotAwaitingFeedback))
		return
	}

	s.runDetached(r, "submit_feedback", sessionID, func(ctx context.Context) (domain.Session, error) {
		return s.engine.SubmitFeedback(ctx, sessionID, req.Feedback)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.engine.Session(chi.URLParam(r, "sessionID"))
	if !ok {
		writeEngineError(w, r, domain.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Discard(chi.URLParam(r, "sessionID")) {
		writeEngineError(w, r, domain.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.engine.Messages(chi.URLParam(r, "conversationID"))
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{Target: q.Get("target")}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	convs, err := s.engine.Conversations(r.Context(), opts)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage", err)
		return
	}
	if convs == nil {
		convs = []*storage.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err)
	default:
		writeError(w, r, http.StatusInternalServerError, "storage", err)
	}
}

// handleEvents relays a conversation's stream events as server-sent
// events until the client disconnects or the engine closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", errors.New("streaming unsupported"))
		return
	}

	events, unsubscribe := s.engine.Subscribe(chi.URLParam(r, "conversationID"))
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
