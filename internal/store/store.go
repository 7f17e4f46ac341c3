// Package store provides SQLite-based persistence for sync sessions and
// remote-state backups.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/session"
)

// DB represents a SQLite database connection for sessions and backups.
type DB struct {
	path string
	conn *sql.DB
}

// createSessionsTableSQL defines the schema for the sessions table.
// Operations, skips, and results are stored as JSON; the whole record is
// replaced in one statement, so a reader never sees a half-written session.
const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    epic_key TEXT NOT NULL,
    document_path TEXT,
    document_fingerprint TEXT NOT NULL,
    state TEXT NOT NULL,
    backup_id TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    operations TEXT NOT NULL,
    skips TEXT,
    matches TEXT,
    results TEXT NOT NULL,
    cursor INTEGER NOT NULL DEFAULT 0
);
`

// createBackupsTableSQL defines the schema for the backups table.
const createBackupsTableSQL = `
CREATE TABLE IF NOT EXISTS backups (
    id TEXT PRIMARY KEY,
    epic_key TEXT NOT NULL,
    document_path TEXT,
    created_at TEXT NOT NULL,
    snapshots TEXT NOT NULL
);
`

// InitDB creates or opens a SQLite database at the given path and
// initializes the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer, so limit to one connection to
	// prevent "database is locked" errors when epics sync in parallel.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createSessionsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	if _, err := conn.Exec(createBackupsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create backups table: %w", err)
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// SaveSession inserts or replaces a session record.
func (db *DB) SaveSession(s *session.Session) error {
	operations, err := json.Marshal(s.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}
	skips, err := json.Marshal(s.Skips)
	if err != nil {
		return fmt.Errorf("failed to marshal skips: %w", err)
	}
	matches, err := json.Marshal(s.Matches)
	if err != nil {
		return fmt.Errorf("failed to marshal matches: %w", err)
	}
	results, err := json.Marshal(s.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO sessions (
			id, epic_key, document_path, document_fingerprint, state,
			backup_id, created_at, updated_at, operations, skips, matches, results, cursor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.conn.Exec(query,
		s.ID,
		string(s.EpicKey),
		sql.NullString{String: s.DocumentPath, Valid: s.DocumentPath != ""},
		s.DocumentFingerprint,
		string(s.State),
		sql.NullString{String: s.BackupID, Valid: s.BackupID != ""},
		s.CreatedAt.UTC().Format(time.RFC3339Nano),
		s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(operations),
		string(skips),
		string(matches),
		string(results),
		s.Cursor,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by id. Returns nil when not found.
func (db *DB) GetSession(id string) (*session.Session, error) {
	query := `
		SELECT id, epic_key, document_path, document_fingerprint, state,
		       backup_id, created_at, updated_at, operations, skips, matches, results, cursor
		FROM sessions
		WHERE id = ?
	`

	row := db.conn.QueryRow(query, id)
	return scanSessionFrom(row)
}

// LatestResumable returns the most recent paused session for an epic,
// or nil when none exists.
func (db *DB) LatestResumable(epicKey domain.IssueKey) (*session.Session, error) {
	query := `
		SELECT id, epic_key, document_path, document_fingerprint, state,
		       backup_id, created_at, updated_at, operations, skips, matches, results, cursor
		FROM sessions
		WHERE epic_key = ? AND state = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	row := db.conn.QueryRow(query, string(epicKey), string(session.StatePaused))
	return scanSessionFrom(row)
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID        string
	EpicKey   domain.IssueKey
	State     session.State
	Cursor    int
	Total     int
	UpdatedAt time.Time
}

// ListSessions returns session summaries for an epic, newest first.
// An empty epic key lists every session.
func (db *DB) ListSessions(epicKey domain.IssueKey) ([]SessionSummary, error) {
	query := `
		SELECT id, epic_key, state, cursor, operations, updated_at
		FROM sessions
	`
	args := []interface{}{}
	if epicKey != "" {
		query += " WHERE epic_key = ?"
		args = append(args, string(epicKey))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var epic, state, operations, updatedAt string
		if err := rows.Scan(&s.ID, &epic, &state, &s.Cursor, &operations, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.EpicKey = domain.IssueKey(epic)
		s.State = session.State(state)
		var ops []plan.Operation
		if err := json.Unmarshal([]byte(operations), &ops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operations: %w", err)
		}
		s.Total = len(ops)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return summaries, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanSessionFrom scans a row into a Session using the scanner interface.
func scanSessionFrom(s scanner) (*session.Session, error) {
	var sess session.Session
	var epicKey, state, createdAt, updatedAt, operations, results string
	var docPath, backupID, skips, matches sql.NullString

	err := s.Scan(
		&sess.ID,
		&epicKey,
		&docPath,
		&sess.DocumentFingerprint,
		&state,
		&backupID,
		&createdAt,
		&updatedAt,
		&operations,
		&skips,
		&matches,
		&results,
		&sess.Cursor,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.EpicKey = domain.IssueKey(epicKey)
	sess.State = session.State(state)
	sess.DocumentPath = docPath.String
	sess.BackupID = backupID.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if err := json.Unmarshal([]byte(operations), &sess.Operations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operations: %w", err)
	}
	if skips.Valid && skips.String != "" {
		if err := json.Unmarshal([]byte(skips.String), &sess.Skips); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skips: %w", err)
		}
	}
	if matches.Valid && matches.String != "" {
		if err := json.Unmarshal([]byte(matches.String), &sess.Matches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal matches: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(results), &sess.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	return &sess, nil
}
