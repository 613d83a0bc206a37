package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/parley/pkg/hil"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists threads in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	// Path of the database file; ":memory:" keeps it in memory
	Path   string
	Logger zerolog.Logger
}

// NewSQLiteStore opens the database and creates the schema
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if cfg.Path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Thread store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT,
			reasoning TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			is_complete INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

		CREATE TABLE IF NOT EXISTS tool_calls (
			thread_id TEXT NOT NULL,
			id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			arguments TEXT NOT NULL,
			validation TEXT NOT NULL,
			result TEXT,
			completed INTEGER NOT NULL,
			PRIMARY KEY (thread_id, id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, content, reasoning, tool_call_id, is_complete, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, persistenceErr("load", threadID, err)
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[string]*Message)
	for rows.Next() {
		var (
			m          = &Message{ThreadID: threadID}
			content    sql.NullString
			kind       string
			isComplete bool
			createdAt  int64
		)
		if err := rows.Scan(&m.ID, &kind, &content, &m.Reasoning, &m.ToolCallID, &isComplete, &createdAt); err != nil {
			return nil, persistenceErr("load", threadID, err)
		}
		m.Kind = Kind(kind)
		m.IsComplete = isComplete
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if content.Valid {
			text := content.String
			m.Content = &text
		}
		messages = append(messages, m)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("load", threadID, err)
	}

	callRows, err := s.db.QueryContext(ctx, `
		SELECT message_id, id, name, arguments, validation, result, completed
		FROM tool_calls WHERE thread_id = ? ORDER BY message_id, position`, threadID)
	if err != nil {
		return nil, persistenceErr("load", threadID, err)
	}
	defer callRows.Close()

	for callRows.Next() {
		var (
			messageID  string
			tc         ToolCall
			validation string
			result     sql.NullString
		)
		if err := callRows.Scan(&messageID, &tc.ID, &tc.Name, &tc.Arguments, &validation, &result, &tc.Completed); err != nil {
			return nil, persistenceErr("load", threadID, err)
		}
		tc.Validation = hil.State(validation)
		if result.Valid {
			text := result.String
			tc.Result = &text
		}
		if m, ok := byID[messageID]; ok {
			m.ToolCalls = append(m.ToolCalls, tc)
		}
	}
	if err := callRows.Err(); err != nil {
		return nil, persistenceErr("load", threadID, err)
	}

	if messages == nil {
		messages = []*Message{}
	}
	return messages, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return persistenceErr("append", msg.ThreadID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("append", msg.ThreadID, err)
	}
	defer tx.Rollback()

	if msg.Kind == KindToolResult {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM tool_calls WHERE thread_id = ? AND id = ?`, msg.ThreadID, msg.ToolCallID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return persistenceErr("append", msg.ThreadID, fmt.Errorf("%w: %s", ErrOrphanToolResult, msg.ToolCallID))
		}
		if err != nil {
			return persistenceErr("append", msg.ThreadID, err)
		}
	}

	var content sql.NullString
	if msg.Content != nil {
		content = sql.NullString{String: *msg.Content, Valid: true}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, kind, content, reasoning, tool_call_id, is_complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Kind), content, msg.Reasoning, msg.ToolCallID, msg.IsComplete, createdAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			err = fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
		return persistenceErr("append", msg.ThreadID, err)
	}

	for i, tc := range msg.ToolCalls {
		var result sql.NullString
		if tc.Result != nil {
			result = sql.NullString{String: *tc.Result, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (thread_id, id, message_id, position, name, arguments, validation, result, completed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ThreadID, tc.ID, msg.ID, i, tc.Name, tc.Arguments, string(tc.Validation), result, tc.Completed)
		if err != nil {
			return persistenceErr("append", msg.ThreadID, fmt.Errorf("failed to insert tool call %s: %w", tc.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return persistenceErr("append", msg.ThreadID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateToolCall(ctx context.Context, threadID string, call ToolCall) error {
	var result sql.NullString
	if call.Result != nil {
		result = sql.NullString{String: *call.Result, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET arguments = ?, validation = ?, result = ?, completed = ?
		WHERE thread_id = ? AND id = ? AND completed = 0`,
		call.Arguments, string(call.Validation), result, call.Completed, threadID, call.ID)
	if err != nil {
		return persistenceErr("update_tool_call", threadID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("update_tool_call", threadID, err)
	}
	if n == 1 {
		return nil
	}

	var completed bool
	err = s.db.QueryRowContext(ctx,
		`SELECT completed FROM tool_calls WHERE thread_id = ? AND id = ?`, threadID, call.ID).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return persistenceErr("update_tool_call", threadID, fmt.Errorf("%w: %s", ErrToolCallNotFound, call.ID))
	}
	if err != nil {
		return persistenceErr("update_tool_call", threadID, err)
	}
	return persistenceErr("update_tool_call", threadID, fmt.Errorf("%w: %s", ErrToolCallCompleted, call.ID))
}

func (s *SQLiteStore) SetComplete(ctx context.Context, messageID string, complete bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_complete = ? WHERE id = ?`, complete, messageID)
	if err != nil {
		return persistenceErr("set_complete", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr("set_complete", "", err)
	}
	if n == 0 {
		return persistenceErr("set_complete", "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID))
	}
	return nil
}
