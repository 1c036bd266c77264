// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; claims and order numbering rely on it
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Writers wait instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := newSQLiteStoreWithDB(db, logger)

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// newSQLiteStoreWithDB wraps an already opened database without touching the schema.
func newSQLiteStoreWithDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	return &SQLiteStore{db: db, logger: logger}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			customer_key     TEXT NOT NULL,
			store_id         TEXT NOT NULL,
			flow             TEXT NOT NULL,
			state_json       TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_key
			ON conversations(customer_key, store_id, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity_at);

		CREATE TABLE IF NOT EXISTS order_counters (
			store_id    TEXT PRIMARY KEY,
			last_number INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS orders (
			id               TEXT PRIMARY KEY,
			number           INTEGER NOT NULL,
			store_id         TEXT NOT NULL,
			customer_key     TEXT NOT NULL,
			customer_name    TEXT,
			delivery_option  TEXT NOT NULL,
			address          TEXT,
			payment_method   TEXT,
			payment_ref      TEXT,
			total            INTEGER NOT NULL,
			items_json       TEXT NOT NULL,
			stage_id         INTEGER NOT NULL,
			stage_entered_at TEXT NOT NULL,
			cancelled        INTEGER NOT NULL DEFAULT 0,
			cancel_reason    TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			UNIQUE(store_id, number),
			CHECK (delivery_option IN ('DELIVERY', 'COUNTER')),
			CHECK (stage_id BETWEEN 1 AND 5)
		);

		CREATE INDEX IF NOT EXISTS idx_orders_store ON orders(store_id, created_at);

		CREATE TABLE IF NOT EXISTS stage_history (
			order_id         TEXT NOT NULL REFERENCES orders(id),
			seq              INTEGER NOT NULL,
			stage_id         INTEGER NOT NULL,
			entered_at       TEXT NOT NULL,
			minutes_allotted INTEGER NOT NULL,
			minutes_taken    INTEGER NOT NULL,
			actor            TEXT,
			reason           TEXT,

			PRIMARY KEY (order_id, seq)
		);

		CREATE TABLE IF NOT EXISTS alerts_sent (
			order_id TEXT NOT NULL,
			stage_id INTEGER NOT NULL,
			kind     TEXT NOT NULL,
			sent_at  TEXT NOT NULL,

			PRIMARY KEY (order_id, stage_id, kind)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    BLOB NOT NULL,
			fire_at    TEXT NOT NULL,
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'done', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, fire_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			store_id    TEXT,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_store_ts ON audit_log(store_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ceilSecond rounds t up to the stored precision so a task never fires early.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); r.Before(t) {
		return r.Add(time.Second)
	}
	return t
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

const conversationColumns = `id, customer_key, store_id, flow, state_json, created_at, last_activity_at`

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var flow, stateJSON, createdAtStr, activityStr string

	if err := row.Scan(&conv.ID, &conv.CustomerKey, &conv.StoreID, &flow, &stateJSON, &createdAtStr, &activityStr); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stateJSON), &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation state: %w", err)
	}
	conv.Flow = Flow(flow)

	var err error
	if conv.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if conv.LastActivityAt, err = parseTime("last_activity_at", activityStr); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation returns the most recently active conversation for a customer and store.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetConversation(ctx context.Context, customerKey, storeID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_key = ? AND store_id = ?
		ORDER BY last_activity_at DESC, created_at DESC
		LIMIT 1
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, customerKey, storeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetRecentConversation returns the latest conversation whose last activity is at or after since.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetRecentConversation(ctx context.Context, customerKey, storeID string, since time.Time) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_key = ? AND store_id = ? AND last_activity_at >= ?
		ORDER BY last_activity_at DESC, created_at DESC
		LIMIT 1
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, customerKey, storeID, formatTime(since)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a conversation and returns its id.
// An id is generated when the conversation has none.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) (string, error) {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}

	state, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("encoding conversation state: %w", err)
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.CustomerKey,
		conv.StoreID,
		string(conv.Flow),
		string(state),
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivityAt),
	)
	if err != nil {
		return "", fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "customer", conv.CustomerKey, "store", conv.StoreID)
	return conv.ID, nil
}

// UpdateConversation replaces the stored state of a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	state, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding conversation state: %w", err)
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = time.Now().UTC()
	}

	query := `
		UPDATE conversations
		SET flow = ?, state_json = ?, last_activity_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(conv.Flow),
		string(state),
		formatTime(conv.LastActivityAt),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conv.ID, "flow", conv.Flow)
	return nil
}

// DeleteConversation removes a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// DeleteIdleConversations removes every conversation whose last activity is before the cutoff.
func (s *SQLiteStore) DeleteIdleConversations(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE last_activity_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting idle conversations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("deleted idle conversations", "count", n)
	}
	return n, nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
