package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/genstream/internal/storage"
)

// Store is an in-memory implementation of ConversationStore
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
}

var _ storage.ConversationStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	now := time.Now()
	stored := &storage.Conversation{
		ID:        conv.ID,
		Target:    conv.Target,
		Metadata:  copyMetadata(conv.Metadata),
		Messages:  []storage.StoredMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now

	s.conversations[conv.ID] = stored
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	out := *conv
	out.Metadata = copyMetadata(conv.Metadata)
	out.Messages = append([]storage.StoredMessage(nil), conv.Messages...)
	return &out, nil
}

// AddMessage keeps messages ordered by CreatedAt so concurrent writers
// cannot reorder a transcript.
func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	i := sort.Search(len(conv.Messages), func(i int) bool {
		return conv.Messages[i].CreatedAt.After(msg.CreatedAt)
	})
	conv.Messages = append(conv.Messages, storage.StoredMessage{})
	copy(conv.Messages[i+1:], conv.Messages[i:])
	conv.Messages[i] = *msg
	conv.UpdatedAt = time.Now()

	return nil
}

func (s *Store) UpdateMessageField(ctx context.Context, convID, msgID, field string, value any) error {
	text, raw, err := storage.FieldValue(field, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID != msgID {
			continue
		}
		switch field {
		case storage.FieldContent:
			conv.Messages[i].Content = text
		case storage.FieldSteps:
			conv.Messages[i].Steps = raw
		case storage.FieldSources:
			conv.Messages[i].Sources = raw
		}
		conv.UpdatedAt = time.Now()
		return nil
	}
	return fmt.Errorf("message %s: %w", msgID, storage.ErrNotFound)
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.ConversationSummary
	for _, conv := range s.conversations {
		if opts.Target != "" && conv.Target != opts.Target {
			continue
		}
		result = append(result, &storage.ConversationSummary{
			ID:           conv.ID,
			Target:       conv.Target,
			Metadata:     copyMetadata(conv.Metadata),
			MessageCount: len(conv.Messages),
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*storage.ConversationSummary{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	delete(s.conversations, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
