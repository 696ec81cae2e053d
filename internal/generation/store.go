// Package generation holds the in-memory state that stream frames mutate:
// conversation transcripts and per-session structured results.
package generation

import (
	"sync"

	"github.com/tjfontaine/genstream/internal/core/domain"
)

// MessagePatch describes an in-place message update. Nil fields are left
// untouched. Steps and Sources are snapshot replacements.
type MessagePatch struct {
	Content *string
	Loading *bool
	Steps   []string
	Sources []domain.Source
}

type sessionState struct {
	conversationID string
	result         domain.GenerationResult
	statusMessage  string
}

// Store is safe for concurrent use. All reads return copies.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]domain.Message
	sessions      map[string]*sessionState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string][]domain.Message),
		sessions:      make(map[string]*sessionState),
	}
}

// AppendMessage adds a message to the end of a conversation.
func (s *Store) AppendMessage(convID string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[convID] = append(s.conversations[convID], msg.Clone())
}

// UpdateMessage patches a message by id.
func (s *Store) UpdateMessage(convID, msgID string, patch MessagePatch) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.conversations[convID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == msgID {
			applyPatch(&msgs[i], patch)
			return msgs[i].Clone(), true
		}
	}
	return domain.Message{}, false
}

func applyPatch(m *domain.Message, p MessagePatch) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Loading != nil {
		m.Loading = *p.Loading
	}
	if len(p.Steps) > 0 {
		m.Steps = append([]string(nil), p.Steps...)
	}
	if len(p.Sources) > 0 {
		m.Sources = append([]domain.Source(nil), p.Sources...)
	}
}

// Message returns a message by id.
func (s *Store) Message(convID, msgID string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.conversations[convID] {
		if m.ID == msgID {
			return m.Clone(), true
		}
	}
	return domain.Message{}, false
}

// Messages returns a copy of a conversation's transcript.
func (s *Store) Messages(convID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.conversations[convID]
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// BindSession associates a session with its conversation so results can
// be dropped along with the conversation. Result and status writes for a
// session are ignored until it is bound.
func (s *Store) BindSession(sessionID, convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = &sessionState{conversationID: convID}
	}
}

// session returns the state of a bound session. Sessions dropped or never
// bound have none, so late writes from a stopped loop are discarded.
func (s *Store) session(sessionID string) (*sessionState, bool) {
	st, ok := s.sessions[sessionID]
	return st, ok
}

// SetReasoning replaces the session's reasoning text.
func (s *Store) SetReasoning(sessionID, reasoning string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.session(sessionID); ok {
		st.result.Reasoning = &reasoning
	}
}

// ApplySnapshot replaces every accumulator the snapshot carries.
func (s *Store) ApplySnapshot(sessionID string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.session(sessionID)
	if !ok {
		return
	}
	if snap.HasWorkouts {
		st.result.Workouts = cloneWorkouts(snap.Workouts)
	}
	if snap.HasExercises {
		st.result.Exercises = cloneExercises(snap.Exercises)
	}
	if snap.HasReasoning {
		r := snap.Reasoning
		st.result.Reasoning = &r
	}
}

// SetStatusMessage replaces the session's progress text.
func (s *Store) SetStatusMessage(sessionID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.session(sessionID); ok {
		st.statusMessage = msg
	}
}

// StatusMessage returns the session's latest progress text.
func (s *Store) StatusMessage(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.statusMessage
	}
	return ""
}

// Result returns a copy of the session's structured result.
func (s *Store) Result(sessionID string) domain.GenerationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.result.Clone()
	}
	return domain.GenerationResult{}
}

// DropConversation forgets a conversation and every session bound to it.
func (s *Store) DropConversation(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, convID)
	for id, st := range s.sessions {
		if st.conversationID == convID {
			delete(s.sessions, id)
		}
	}
}

// DropSession forgets a session's results.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func cloneWorkouts(in []domain.Workout) []domain.Workout {
	out := make([]domain.Workout, len(in))
	for i, w := range in {
		out[i] = w.Clone()
	}
	return out
}

func cloneExercises(in []domain.Exercise) []domain.Exercise {
	out := make([]domain.Exercise, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
