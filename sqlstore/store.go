// Package sqlstore is the relational side of conversation storage on
// SQLite: spaces, conversations and their messages, with soft deletion.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-chat/core"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrConversationDeleted is returned when reading a soft-deleted conversation.
var ErrConversationDeleted = goerr.New("conversation has been deleted")

// Store persists spaces, conversations and messages.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens or creates the database at path.
func New(ctx context.Context, path string) (*Store, error) {
	inMemory := path == MemoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, goerr.Wrap(err, "failed to create data dir", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", path))
	}
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, goerr.Wrap(err, "failed to apply pragma", goerr.V("pragma", p))
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS spaces (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			deleted_at TEXT
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			space_id   TEXT REFERENCES spaces(id),
			created_at TEXT NOT NULL,
			deleted_at TEXT
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			annotations     TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_space ON conversations(space_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to migrate schema")
	}
	return nil
}

// SaveMessage inserts or updates msg, creating its conversation and space
// rows on first sight.
func (s *Store) SaveMessage(ctx context.Context, msg core.Message, spaceID string) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return goerr.New("message id and conversation id are required", goerr.V("id", msg.ID))
	}

	var annotations sql.NullString
	if msg.Annotations != nil {
		raw, err := json.Marshal(msg.Annotations)
		if err != nil {
			return goerr.Wrap(err, "failed to encode annotations", goerr.V("id", msg.ID))
		}
		annotations = sql.NullString{String: string(raw), Valid: true}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := s.ensureConversation(ctx, tx, msg.ConversationID, spaceID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, annotations, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			annotations = excluded.annotations`,
		msg.ID, msg.ConversationID, msg.Role.String(), msg.Content, annotations, formatTime(createdAt),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to save message", goerr.V("id", msg.ID))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit message", goerr.V("id", msg.ID))
	}
	return nil
}

func (s *Store) ensureConversation(ctx context.Context, tx *sql.Tx, conversationID, spaceID string) error {
	now := formatTime(s.now())
	var space sql.NullString
	if spaceID != "" {
		space = sql.NullString{String: spaceID, Valid: true}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO spaces (id, created_at) VALUES (?, ?)`, spaceID, now); err != nil {
			return goerr.Wrap(err, "failed to create space", goerr.V("space_id", spaceID))
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, space_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET space_id = COALESCE(conversations.space_id, excluded.space_id)`,
		conversationID, space, now,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to create conversation", goerr.V("conversation_id", conversationID))
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]core.Message, error) {
	var deletedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(c.deleted_at, sp.deleted_at)
		FROM conversations c LEFT JOIN spaces sp ON sp.id = c.space_id
		WHERE c.id = ?`, conversationID).Scan(&deletedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, goerr.Wrap(err, "failed to read conversation", goerr.V("conversation_id", conversationID))
	case deletedAt.Valid:
		return nil, goerr.Wrap(ErrConversationDeleted, "cannot list messages", goerr.V("conversation_id", conversationID))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, annotations, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages", goerr.V("conversation_id", conversationID))
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m           core.Message
			role        string
			annotations sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &annotations, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		m.Role = core.Role(role)
		m.ConversationID = conversationID
		if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, goerr.Wrap(err, "invalid message timestamp", goerr.V("id", m.ID))
		}
		if annotations.Valid {
			m.Annotations = &core.Annotations{}
			if err := json.Unmarshal([]byte(annotations.String), m.Annotations); err != nil {
				return nil, goerr.Wrap(err, "invalid message annotations", goerr.V("id", m.ID))
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}
	return out, nil
}

// SpaceOf returns the space a conversation belongs to, or "".
func (s *Store) SpaceOf(ctx context.Context, conversationID string) (string, error) {
	var space sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT space_id FROM conversations WHERE id = ?`, conversationID).Scan(&space)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to read conversation space", goerr.V("conversation_id", conversationID))
	}
	return space.String, nil
}

// MarkConversationDeleted soft-deletes a conversation. Unknown ids are
// recorded so later writes for them stay hidden.
func (s *Store) MarkConversationDeleted(ctx context.Context, conversationID string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at = COALESCE(conversations.deleted_at, excluded.deleted_at)`,
		conversationID, now, now,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to mark conversation deleted", goerr.V("conversation_id", conversationID))
	}
	return nil
}

// MarkSpaceDeleted soft-deletes a space.
func (s *Store) MarkSpaceDeleted(ctx context.Context, spaceID string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, created_at, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at = COALESCE(spaces.deleted_at, excluded.deleted_at)`,
		spaceID, now, now,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to mark space deleted", goerr.V("space_id", spaceID))
	}
	return nil
}

// DeletedConversationIDs lists soft-deleted conversations.
func (s *Store) DeletedConversationIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM conversations WHERE deleted_at IS NOT NULL ORDER BY id`)
}

// DeletedSpaceIDs lists soft-deleted spaces.
func (s *Store) DeletedSpaceIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM spaces WHERE deleted_at IS NOT NULL ORDER BY id`)
}

func (s *Store) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate ids")
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
