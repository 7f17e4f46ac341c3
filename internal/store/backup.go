package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// IssueSnapshot captures the mutable fields of one remote issue at backup
// time.
type IssueSnapshot struct {
	Key         domain.IssueKey `json:"key"`
	Summary     string          `json:"summary"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	IssueType   string          `json:"issue_type,omitempty"`
	StoryPoints float64         `json:"story_points,omitempty"`
	ParentKey   domain.IssueKey `json:"parent_key,omitempty"`
	Subtasks    []IssueSnapshot `json:"subtasks,omitempty"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// SnapshotOf captures the relevant fields of a remote issue.
func SnapshotOf(issue *tracker.RemoteIssue) IssueSnapshot {
	snap := IssueSnapshot{
		Key:         issue.Key,
		Summary:     issue.Summary,
		Description: issue.Description,
		Status:      issue.Status,
		Priority:    issue.Priority,
		IssueType:   issue.IssueType,
		StoryPoints: issue.StoryPoints,
		ParentKey:   issue.ParentKey,
		CapturedAt:  time.Now().UTC(),
	}
	for i := range issue.Subtasks {
		snap.Subtasks = append(snap.Subtasks, SnapshotOf(&issue.Subtasks[i]))
	}
	return snap
}

// Backup is a captured pre-mutation snapshot of an epic's remote state.
// Never mutated after creation.
type Backup struct {
	ID           string          `json:"id"`
	EpicKey      domain.IssueKey `json:"epic_key"`
	DocumentPath string          `json:"document_path,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Snapshots    []IssueSnapshot `json:"snapshots"`
}

// Snapshot returns the snapshot for an issue key, searching subtasks too.
func (b *Backup) Snapshot(key domain.IssueKey) *IssueSnapshot {
	for i := range b.Snapshots {
		if b.Snapshots[i].Key == key {
			return &b.Snapshots[i]
		}
		for j := range b.Snapshots[i].Subtasks {
			if b.Snapshots[i].Subtasks[j].Key == key {
				return &b.Snapshots[i].Subtasks[j]
			}
		}
	}
	return nil
}

// SubtaskCount returns the total subtask snapshots across all issues.
func (b *Backup) SubtaskCount() int {
	n := 0
	for i := range b.Snapshots {
		n += len(b.Snapshots[i].Subtasks)
	}
	return n
}

// SaveBackup inserts a backup record.
func (db *DB) SaveBackup(b *Backup) error {
	snapshots, err := json.Marshal(b.Snapshots)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshots: %w", err)
	}

	query := `
		INSERT INTO backups (id, epic_key, document_path, created_at, snapshots)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = db.conn.Exec(query,
		b.ID,
		string(b.EpicKey),
		sql.NullString{String: b.DocumentPath, Valid: b.DocumentPath != ""},
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(snapshots),
	)
	if err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}

	return nil
}

// GetBackup retrieves a backup by id. Returns nil when not found.
func (db *DB) GetBackup(id string) (*Backup, error) {
	query := `
		SELECT id, epic_key, document_path, created_at, snapshots
		FROM backups
		WHERE id = ?
	`
	row := db.conn.QueryRow(query, id)
	return scanBackupFrom(row)
}

// LatestBackup returns the most recent backup for an epic, nil when none.
func (db *DB) LatestBackup(epicKey domain.IssueKey) (*Backup, error) {
	query := `
		SELECT id, epic_key, document_path, created_at, snapshots
		FROM backups
		WHERE epic_key = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := db.conn.QueryRow(query, string(epicKey))
	return scanBackupFrom(row)
}

// ListBackups returns all backups for an epic, newest first. An empty epic
// key lists backups for every epic.
func (db *DB) ListBackups(epicKey domain.IssueKey) ([]Backup, error) {
	query := `
		SELECT id, epic_key, document_path, created_at, snapshots
		FROM backups
	`
	args := []interface{}{}
	if epicKey != "" {
		query += " WHERE epic_key = ?"
		args = append(args, string(epicKey))
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		b, err := scanBackupFrom(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup rows: %w", err)
	}

	return backups, nil
}

// DeleteBackup removes a backup record. Returns whether a row was deleted.
func (db *DB) DeleteBackup(id string) (bool, error) {
	result, err := db.conn.Exec("DELETE FROM backups WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete backup: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// scanBackupFrom scans a row into a Backup using the scanner interface.
func scanBackupFrom(s scanner) (*Backup, error) {
	var b Backup
	var epicKey, createdAt, snapshots string
	var docPath sql.NullString

	err := s.Scan(&b.ID, &epicKey, &docPath, &createdAt, &snapshots)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan backup: %w", err)
	}

	b.EpicKey = domain.IssueKey(epicKey)
	b.DocumentPath = docPath.String
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if err := json.Unmarshal([]byte(snapshots), &b.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshots: %w", err)
	}

	return &b, nil
}
