package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a durable, append-only ledger.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a ledger database. Safe to call repeatedly
// on the same path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record implements Recorder.
func (s *SQLite) Record(ctx context.Context, rec Record) error {
	diff, err := json.Marshal(rec.Difficulty)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completions
			(session_id, winner_id, winner_name, winner_score, elapsed_seconds, difficulty, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.WinnerID, rec.WinnerName, rec.WinnerScore, rec.ElapsedSeconds, string(diff), rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.SessionID, err)
	}
	return nil
}

// List returns the most recent records first. limit <= 0 returns all.
func (s *SQLite) List(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT session_id, winner_id, winner_name, winner_score, elapsed_seconds, difficulty, completed_at
		FROM completions
		ORDER BY completed_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var diff string
		if err := rows.Scan(&rec.SessionID, &rec.WinnerID, &rec.WinnerName, &rec.WinnerScore,
			&rec.ElapsedSeconds, &diff, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if err := json.Unmarshal([]byte(diff), &rec.Difficulty); err != nil {
			return nil, fmt.Errorf("decode difficulty: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return out, nil
}
