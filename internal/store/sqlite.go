package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on disconnect_intents.session_id
const currentSchemaVersion = 1

// SQLite is the durable store backend.
//
// Every field is one row keyed by (session, node, field), so a patch touches
// exactly the rows it names. The seq counter is persisted in the same
// transaction as the write and the clock resumes from it on Open.
//
// Subscriptions are in-process: one SQLite store serves one process (for
// example `jigsync serve`), which fans changes out to remote clients.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex // single writer; also serializes publication
	clock  *Clock
	broker *broker
	closed bool
}

// OpenSQLite creates or opens a database at path. ":memory:" gives an
// isolated in-memory database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var seq int64
	if err := db.QueryRow(`SELECT value FROM counters WHERE name = 'seq'`).Scan(&seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read seq counter: %w", err)
	}

	return &SQLite{db: db, clock: NewClockAt(seq), broker: newBroker()}, nil
}

// Close closes the database connection and ends all subscriptions.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed || s.db == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.broker.endAll(ErrClosed)
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_intents_session
			ON disconnect_intents(session_id)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// write runs fn in a transaction under the writer lock. fn returns the change
// to publish, or nil when nothing changed. The seq is persisted with the
// write and the change is published only after commit.
func (s *SQLite) write(ctx context.Context, op, sessionID string, path Path, fn func(tx *sql.Tx, seq int64) (*Change, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return opError(op, sessionID, path, ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return opError(op, sessionID, path, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	seq := s.clock.Current() + 1
	ch, err := fn(tx, seq)
	if err != nil {
		return opError(op, sessionID, path, err)
	}
	if ch == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = ? WHERE name = 'seq'`, seq); err != nil {
		return opError(op, sessionID, path, fmt.Errorf("advance seq: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return opError(op, sessionID, path, fmt.Errorf("commit: %w", err))
	}

	ch.Seq = s.clock.Next()
	s.broker.publish(*ch)
	if ch.Deleted {
		s.broker.endSession(sessionID, nil)
	}
	return nil
}

func sessionExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, sessionID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

func upsertFields(ctx context.Context, tx *sql.Tx, sessionID, node string, fields Fields, seq int64) error {
	for field, v := range fields {
		enc, err := encodeValue(v)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fields (session_id, node, field, value, seq)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, node, field) DO UPDATE SET value = excluded.value, seq = excluded.seq
		`, sessionID, node, field, enc, seq)
		if err != nil {
			return fmt.Errorf("upsert field %s: %w", field, err)
		}
	}
	return nil
}

func readNode(ctx context.Context, tx *sql.Tx, sessionID, node string) (Fields, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT field, value FROM fields
		WHERE session_id = ? AND node = ?
	`, sessionID, node)
	if err != nil {
		return nil, false, fmt.Errorf("query node: %w", err)
	}
	defer rows.Close()

	out := Fields{}
	found := false
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, false, fmt.Errorf("scan field: %w", err)
		}
		v, err := decodeValue(value)
		if err != nil {
			return nil, false, err
		}
		out[field] = v
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate node: %w", err)
	}
	return out, found, nil
}

// Create implements Store.
func (s *SQLite) Create(ctx context.Context, sessionID string, meta Fields) error {
	norm, err := Normalize(meta)
	if err != nil {
		return opError("create", sessionID, Root, err)
	}
	return s.write(ctx, "create", sessionID, Root, func(tx *sql.Tx, seq int64) (*Change, error) {
		exists, err := sessionExists(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrExists
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, created_seq) VALUES (?, ?)`, sessionID, seq); err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		if err := upsertFields(ctx, tx, sessionID, "", norm, seq); err != nil {
			return nil, err
		}
		return &Change{SessionID: sessionID, Path: Root, Fields: norm}, nil
	})
}

// Patch implements Store.
func (s *SQLite) Patch(ctx context.Context, sessionID string, path Path, fields Fields) error {
	norm, err := Normalize(fields)
	if err != nil {
		return opError("patch", sessionID, path, err)
	}
	return s.write(ctx, "patch", sessionID, path, func(tx *sql.Tx, seq int64) (*Change, error) {
		exists, err := sessionExists(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		if len(norm) == 0 {
			return nil, nil
		}
		if err := upsertFields(ctx, tx, sessionID, path.Node(), norm, seq); err != nil {
			return nil, err
		}
		return &Change{SessionID: sessionID, Path: path, Fields: norm}, nil
	})
}

// PatchIfNewer implements Store.
func (s *SQLite) PatchIfNewer(ctx context.Context, sessionID string, path Path, fields Fields, stamp string) (bool, error) {
	norm, err := Normalize(fields)
	if err != nil {
		return false, opError("patch", sessionID, path, err)
	}
	incoming, ok := stampOf(norm, stamp)
	if !ok {
		return false, opError("patch", sessionID, path, fmt.Errorf("%w: missing stamp field %q", ErrInvalid, stamp))
	}

	applied := false
	err = s.write(ctx, "patch", sessionID, path, func(tx *sql.Tx, seq int64) (*Change, error) {
		exists, err := sessionExists(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		cur, found, err := readNode(ctx, tx, sessionID, path.Node())
		if err != nil {
			return nil, err
		}
		if found {
			if current, ok := stampOf(cur, stamp); ok && incoming < current {
				return nil, nil
			}
		}
		if err := upsertFields(ctx, tx, sessionID, path.Node(), norm, seq); err != nil {
			return nil, err
		}
		applied = true
		return &Change{SessionID: sessionID, Path: path, Fields: norm}, nil
	})
	return applied, err
}

// CompareAndSet implements Store.
func (s *SQLite) CompareAndSet(ctx context.Context, sessionID string, path Path, field string, expect, next any) (bool, error) {
	norm, err := Normalize(map[string]any{field: next})
	if err != nil {
		return false, opError("cas", sessionID, path, err)
	}

	swapped := false
	err = s.write(ctx, "cas", sessionID, path, func(tx *sql.Tx, seq int64) (*Change, error) {
		exists, err := sessionExists(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		cur, _, err := readNode(ctx, tx, sessionID, path.Node())
		if err != nil {
			return nil, err
		}
		if !sameValue(cur[field], expect) {
			return nil, nil
		}
		if err := upsertFields(ctx, tx, sessionID, path.Node(), norm, seq); err != nil {
			return nil, err
		}
		swapped = true
		return &Change{SessionID: sessionID, Path: path, Fields: norm}, nil
	})
	return swapped, err
}

// Remove implements Store.
func (s *SQLite) Remove(ctx context.Context, sessionID string, path Path) error {
	if path.Kind == KindRoot {
		return opError("remove", sessionID, path, fmt.Errorf("%w: use Delete for the root", ErrInvalid))
	}
	return s.write(ctx, "remove", sessionID, path, func(tx *sql.Tx, seq int64) (*Change, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM fields WHERE session_id = ? AND node = ?`, sessionID, path.Node())
		if err != nil {
			return nil, fmt.Errorf("delete node: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		return &Change{SessionID: sessionID, Path: path, Removed: true}, nil
	})
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	return s.write(ctx, "delete", sessionID, Root, func(tx *sql.Tx, seq int64) (*Change, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fields WHERE session_id = ?`, sessionID); err != nil {
			return nil, fmt.Errorf("delete fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM disconnect_intents WHERE session_id = ?`, sessionID); err != nil {
			return nil, fmt.Errorf("delete intents: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
		if err != nil {
			return nil, fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		return &Change{SessionID: sessionID, Path: Root, Deleted: true}, nil
	})
}

// Read implements Store.
func (s *SQLite) Read(ctx context.Context, sessionID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, opError("read", sessionID, Root, ErrClosed)
	}
	exists, err := sessionExists(ctx, s.db, sessionID)
	if err != nil {
		return Snapshot{}, opError("read", sessionID, Root, err)
	}
	if !exists {
		return Snapshot{}, opError("read", sessionID, Root, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node, field, value FROM fields
		WHERE session_id = ?
		ORDER BY node ASC, field ASC
	`, sessionID)
	if err != nil {
		return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("query fields: %w", err))
	}
	defer rows.Close()

	snap := newSnapshot(sessionID)
	snap.Seq = s.clock.Current()
	for rows.Next() {
		var node, field, value string
		if err := rows.Scan(&node, &field, &value); err != nil {
			return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("scan field: %w", err))
		}
		path, err := ParseNode(node)
		if err != nil {
			return Snapshot{}, opError("read", sessionID, Root, err)
		}
		v, err := decodeValue(value)
		if err != nil {
			return Snapshot{}, opError("read", sessionID, path, err)
		}
		f, ok := snap.Node(path)
		if !ok {
			f = Fields{}
			snap.set(path, f)
		}
		f[field] = v
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, opError("read", sessionID, Root, fmt.Errorf("iterate fields: %w", err))
	}
	return snap, nil
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, opError("subscribe", sessionID, Root, ErrClosed)
	}
	exists, err := sessionExists(ctx, s.db, sessionID)
	if err != nil {
		return nil, opError("subscribe", sessionID, Root, err)
	}
	if !exists {
		return nil, opError("subscribe", sessionID, Root, ErrNotFound)
	}
	return s.broker.subscribe(sessionID), nil
}

// OnDisconnect implements Store.
func (s *SQLite) OnDisconnect(ctx context.Context, sessionID, ownerID string, intents ...Intent) error {
	for _, in := range intents {
		if err := validIntent(in); err != nil {
			return opError("on-disconnect", sessionID, in.Path, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return opError("on-disconnect", sessionID, Root, ErrClosed)
	}
	exists, err := sessionExists(ctx, s.db, sessionID)
	if err != nil {
		return opError("on-disconnect", sessionID, Root, err)
	}
	if !exists {
		return opError("on-disconnect", sessionID, Root, ErrNotFound)
	}
	for _, in := range intents {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO disconnect_intents (owner_id, session_id, kind, node)
			VALUES (?, ?, ?, ?)
		`, ownerID, sessionID, string(in.Kind), in.Path.Node())
		if err != nil {
			return opError("on-disconnect", sessionID, in.Path, fmt.Errorf("insert intent: %w", err))
		}
	}
	return nil
}

// CancelDisconnect implements Store.
func (s *SQLite) CancelDisconnect(ctx context.Context, sessionID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return opError("cancel-disconnect", sessionID, Root, ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM disconnect_intents WHERE owner_id = ? AND session_id = ?
	`, ownerID, sessionID); err != nil {
		return opError("cancel-disconnect", sessionID, Root, fmt.Errorf("delete intents: %w", err))
	}
	return nil
}

type storedIntent struct {
	sessionID string
	intent    Intent
}

// Disconnect implements Store.
func (s *SQLite) Disconnect(ctx context.Context, ownerID string) error {
	intents, err := s.takeIntents(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, si := range intents {
		switch si.intent.Kind {
		case IntentRemove:
			if err := s.Remove(ctx, si.sessionID, si.intent.Path); err != nil {
				return err
			}
		case IntentDeleteIfEmpty:
			if err := s.deleteIfEmpty(ctx, si.sessionID); err != nil {
				return err
			}
		}
	}
	return nil
}

// takeIntents reads and clears an owner's intents. Intents execute in
// registration order.
func (s *SQLite) takeIntents(ctx context.Context, ownerID string) ([]storedIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, opError("disconnect", "", Root, ErrClosed)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, kind, node FROM disconnect_intents
		WHERE owner_id = ?
		ORDER BY rowid ASC
	`, ownerID)
	if err != nil {
		return nil, opError("disconnect", "", Root, fmt.Errorf("query intents: %w", err))
	}
	var out []storedIntent
	for rows.Next() {
		var sessionID, kind, node string
		if err := rows.Scan(&sessionID, &kind, &node); err != nil {
			rows.Close()
			return nil, opError("disconnect", "", Root, fmt.Errorf("scan intent: %w", err))
		}
		path, err := ParseNode(node)
		if err != nil {
			rows.Close()
			return nil, opError("disconnect", sessionID, Root, err)
		}
		out = append(out, storedIntent{sessionID: sessionID, intent: Intent{Kind: IntentKind(kind), Path: path}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, opError("disconnect", "", Root, fmt.Errorf("iterate intents: %w", err))
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM disconnect_intents WHERE owner_id = ?`, ownerID); err != nil {
		return nil, opError("disconnect", "", Root, fmt.Errorf("delete intents: %w", err))
	}
	return out, nil
}

func (s *SQLite) deleteIfEmpty(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	var players int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT node) FROM fields
		WHERE session_id = ? AND node LIKE 'players/%' AND field = ?
	`, sessionID, MemberField).Scan(&players)
	s.mu.Unlock()
	if err != nil {
		return opError("disconnect", sessionID, Root, fmt.Errorf("count players: %w", err))
	}
	if players > 0 {
		return nil
	}
	return s.Delete(ctx, sessionID)
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *SQLite) DB() *sql.DB {
	return s.db
}
