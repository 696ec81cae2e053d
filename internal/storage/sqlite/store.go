package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/genstream/internal/storage"
)

// Store is a SQLite implementation of ConversationStore
type Store struct {
	db *sqlx.DB
}

var _ storage.ConversationStore = (*Store)(nil)

type conversationRow struct {
	ID        string         `db:"id"`
	Target    string         `db:"target"`
	Metadata  sql.NullString `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

type summaryRow struct {
	conversationRow
	MessageCount int `db:"message_count"`
}

type messageRow struct {
	ID        string         `db:"id"`
	SessionID sql.NullString `db:"session_id"`
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Steps     sql.NullString `db:"steps"`
	Sources   sql.NullString `db:"sources"`
	CreatedAt time.Time      `db:"created_at"`
}

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			session_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			steps TEXT,
			sources TEXT,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_target ON conversations(target)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO conversations (id, target, metadata, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.Target, string(metadata), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, target, metadata, created_at, updated_at FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv := &storage.Conversation{
		ID:        row.ID,
		Target:    row.Target,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if conv.Metadata, err = decodeMetadata(row.Metadata); err != nil {
		return nil, err
	}

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	return conv, nil
}

func (s *Store) getMessages(ctx context.Context, convID string) ([]storage.StoredMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, role, content, steps, sources, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]storage.StoredMessage, 0, len(rows))
	for _, r := range rows {
		msg := storage.StoredMessage{
			ID:        r.ID,
			SessionID: r.SessionID.String,
			Role:      r.Role,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
		if r.Steps.Valid && r.Steps.String != "" {
			msg.Steps = json.RawMessage(r.Steps.String)
		}
		if r.Sources.Valid && r.Sources.String != "" {
			msg.Sources = json.RawMessage(r.Sources.String)
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.StoredMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	query := `INSERT INTO messages (id, conversation_id, session_id, role, content, steps, sources, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		msg.ID, convID, nullString(msg.SessionID), msg.Role, msg.Content,
		nullJSON(msg.Steps), nullJSON(msg.Sources), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) UpdateMessageField(ctx context.Context, convID, msgID, field string, value any) error {
	text, raw, err := storage.FieldValue(field, value)
	if err != nil {
		return err
	}

	var query string
	var arg any
	switch field {
	case storage.FieldContent:
		query, arg = `UPDATE messages SET content = ? WHERE id = ? AND conversation_id = ?`, text
	case storage.FieldSteps:
		query, arg = `UPDATE messages SET steps = ? WHERE id = ? AND conversation_id = ?`, nullJSON(raw)
	case storage.FieldSources:
		query, arg = `UPDATE messages SET sources = ? WHERE id = ? AND conversation_id = ?`, nullJSON(raw)
	}

	res, err := s.db.ExecContext(ctx, query, arg, msgID, convID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", msgID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.ConversationSummary, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = 100 // default limit
	}

	query := `SELECT c.id, c.target, c.metadata, c.created_at, c.updated_at,
	                 (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
	          FROM conversations c
	          WHERE (? = '' OR c.target = ?)
	          ORDER BY c.updated_at DESC
	          LIMIT ? OFFSET ?`

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query, opts.Target, opts.Target, limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	out := make([]*storage.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		meta, err := decodeMetadata(r.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.ConversationSummary{
			ID:           r.ID,
			Target:       r.Target,
			Metadata:     meta,
			MessageCount: r.MessageCount,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeMetadata(v sql.NullString) (map[string]string, error) {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(v.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
