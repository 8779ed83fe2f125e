// Package history persists conversations and session bookkeeping in a local
// sqlite database. Conversations are stored one row per space with the
// message list as a JSON blob; sessions are bookkeeping rows tracking which
// protocol session was last active for a space.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("history: not found")

type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage mints a message with a ulid id, so ids sort by creation time.
func NewMessage(role, content string) Message {
	return Message{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

type Conversation struct {
	SpaceID   string    `json:"spaceId"`
	SpaceName string    `json:"spaceName"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	SpaceID      string    `json:"spaceId"`
	SpaceName    string    `json:"spaceName"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

type Session struct {
	ID         string         `json:"id"`
	SpaceID    string         `json:"spaceId"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastActive time.Time      `json:"lastActive"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open creates the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "deskagent.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		space_id TEXT PRIMARY KEY,
		space_name TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_active DATETIME NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_space ON sessions(space_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(space_id, is_active);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Conversation operations

func (s *Store) SaveConversation(ctx context.Context, conv *Conversation) error {
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (space_id, space_name, updated_at, message_count, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space_id) DO UPDATE SET
			space_name = excluded.space_name,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			data = excluded.data
	`, conv.SpaceID, conv.SpaceName, conv.UpdatedAt, len(conv.Messages), data)
	return err
}

func (s *Store) Conversation(ctx context.Context, spaceID string) (*Conversation, error) {
	var conv Conversation
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT space_id, space_name, updated_at, data
		FROM conversations WHERE space_id = ?
	`, spaceID).Scan(&conv.SpaceID, &conv.SpaceName, &conv.UpdatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, spaceID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &conv.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &conv, nil
}

// AppendMessages adds messages to a space's conversation, creating it on
// first use.
func (s *Store) AppendMessages(ctx context.Context, spaceID, spaceName string, msgs ...Message) error {
	conv, err := s.Conversation(ctx, spaceID)
	if errors.Is(err, ErrNotFound) {
		conv = &Conversation{SpaceID: spaceID, SpaceName: spaceName}
	} else if err != nil {
		return err
	}
	conv.SpaceName = spaceName
	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = time.Now().UTC()
	return s.SaveConversation(ctx, conv)
}

func (s *Store) ListConversations(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, space_name, updated_at, message_count
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.SpaceID, &sum.SpaceName, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE space_id = ?`, spaceID)
	return err
}

// Session operations

// RecordSession registers a new active session for a space, deactivating any
// previous one. A space has at most one active session.
func (s *Store) RecordSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActive.IsZero() {
		sess.LastActive = sess.CreatedAt
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE space_id = ?`, sess.SpaceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, space_id, created_at, last_active, is_active, metadata)
		VALUES (?, ?, ?, ?, 1, ?)
	`, sess.ID, sess.SpaceID, sess.CreatedAt, sess.LastActive, metadata); err != nil {
		return err
	}
	sess.Active = true
	return tx.Commit()
}

// ActiveSession returns the space's active session, or nil when none exists.
func (s *Store) ActiveSession(ctx context.Context, spaceID string) (*Session, error) {
	var sess Session
	var active int
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, space_id, created_at, last_active, is_active, metadata
		FROM sessions WHERE space_id = ? AND is_active = 1
		ORDER BY last_active DESC LIMIT 1
	`, spaceID).Scan(&sess.ID, &sess.SpaceID, &sess.CreatedAt, &sess.LastActive, &active, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Active = active == 1
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

// TouchSession bumps the session's last-active timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active = ? WHERE session_id = ?
	`, time.Now().UTC(), sessionID)
	return err
}

// DeactivateSessions marks every session of a space inactive. Called when the
// connection they belonged to is gone.
func (s *Store) DeactivateSessions(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE space_id = ?`, spaceID)
	return err
}

// DeactivateAll marks every session inactive, across all spaces.
func (s *Store) DeactivateAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_active = 0`)
	return err
}

// CleanupInactive deletes inactive sessions not touched within maxAge and
// reports how many rows went away.
func (s *Store) CleanupInactive(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE is_active = 0 AND last_active < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
