package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kilnforge/conductor/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a concrete, local-first implementation of
// agent.ConversationStore backed by mattn/go-sqlite3 (distinct from the
// modernc.org/sqlite driver DBLocker uses for its lease table — this
// store owns its own file and connection pool).
type SQLiteStore struct {
	db *sql.DB

	stmtAppendMessage *sql.Stmt
	stmtLoad          *sql.Stmt
	stmtDeleteSession *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite-backed conversation store.
type SQLiteStoreConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLiteStoreConfig returns sane defaults for a single-process,
// local-first deployment.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		ConnectTimeout:  5 * time.Second,
	}
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed conversation
// store at dsn, e.g. "file:conductor.db?_journal=WAL".
func NewSQLiteStore(dsn string, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	defaults := DefaultSQLiteStoreConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dsn, err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT,
	parts       TEXT,
	tool_call_id TEXT,
	tool_calls  TEXT,
	created_at  TIMESTAMP NOT NULL,
	seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_session
	ON conversation_messages (session_id, seq);
`

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO conversation_messages
			(id, session_id, role, content, parts, tool_call_id, tool_calls, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	s.stmtLoad, err = s.db.Prepare(`
		SELECT role, content, parts, tool_call_id, tool_calls, created_at
		FROM conversation_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("prepare load: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`
		DELETE FROM conversation_messages WHERE session_id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the underlying connection.
func (s *SQLiteStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtAppendMessage, s.stmtLoad, s.stmtDeleteSession} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// Append persists msgs for sessionID, replacing the session's entire
// stored transcript. AgentLoop calls Append once per turn with the full
// in-memory snapshot (post context-fitting), so the store's job is
// durability and recall across process restarts, not incremental diffs.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.StmtContext(ctx, s.stmtDeleteSession).ExecContext(ctx, sessionID); err != nil {
		return fmt.Errorf("clear existing transcript: %w", err)
	}

	appendStmt := tx.StmtContext(ctx, s.stmtAppendMessage)
	for i, msg := range msgs {
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		toolCallsJSON, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := appendStmt.ExecContext(ctx,
			uuid.NewString(), sessionID, string(msg.Role), msg.Content,
			string(partsJSON), msg.ToolCallID, string(toolCallsJSON), createdAt, i,
		); err != nil {
			return fmt.Errorf("append message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load retrieves a session's persisted transcript in turn order. Callers
// use this to rehydrate a models.SessionState after a process restart;
// AgentLoop.Run itself never calls Load, since it is handed an
// already-populated SessionState by its caller.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.stmtLoad.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var partsJSON, toolCallsJSON []byte
		if err := rows.Scan(&role, &msg.Content, &partsJSON, &msg.ToolCallID, &toolCallsJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(partsJSON) > 0 && string(partsJSON) != "null" {
			if err := json.Unmarshal(partsJSON, &msg.Parts); err != nil {
				return nil, fmt.Errorf("unmarshal parts: %w", err)
			}
		}
		if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// DeleteSession discards a session's entire persisted transcript.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.stmtDeleteSession.ExecContext(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Compact keeps only the newest keepRecent messages for sessionID,
// mirroring AgentLoop's in-memory compaction so a restarted process
// rehydrates the same trimmed transcript it would have held in memory.
func (s *SQLiteStore) Compact(ctx context.Context, sessionID string, keepRecent int) error {
	if keepRecent <= 0 {
		return s.DeleteSession(ctx, sessionID)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_messages
		WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keepRecent)
	if err != nil {
		return fmt.Errorf("compact session %s: %w", sessionID, err)
	}
	return nil
}
