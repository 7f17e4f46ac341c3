// Package backup captures pre-sync snapshots of remote issue state and
// turns them back into restore plans for rollback.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/store"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// Manager captures, lists, prunes, and diffs backups. Restoration is
// expressed as a plan so the normal execution path (confirmation, retry,
// reporting) applies to rollbacks too.
type Manager struct {
	db      *store.DB
	port    tracker.Port
	retryer *tracker.Retryer

	// MaxPerEpic caps retained backups per epic; older ones are pruned
	// after each capture. Zero disables the cap.
	MaxPerEpic int
	// RetentionDays prunes backups older than this after each capture.
	// Zero disables age-based pruning.
	RetentionDays int
}

// NewManager creates a Manager with default retention (10 per epic, 30 days).
func NewManager(db *store.DB, port tracker.Port, retryer *tracker.Retryer) *Manager {
	if retryer == nil {
		retryer = tracker.NewRetryer(tracker.DefaultRetryPolicy(), nil)
	}
	return &Manager{db: db, port: port, retryer: retryer, MaxPerEpic: 10, RetentionDays: 30}
}

// Capture snapshots the current remote state of the given issues before any
// mutation touches them. Keys that do not exist remotely are skipped; a plan
// full of creates has nothing to back up yet.
func (m *Manager) Capture(ctx context.Context, epicKey domain.IssueKey, keys []domain.IssueKey, docPath string) (*store.Backup, error) {
	now := time.Now().UTC()
	b := &store.Backup{
		ID:           backupID(epicKey, now),
		EpicKey:      epicKey,
		DocumentPath: docPath,
		CreatedAt:    now,
	}

	for _, key := range keys {
		var issue *tracker.RemoteIssue
		err := m.retryer.Do(ctx, fmt.Sprintf("snapshot %s", key), func(ctx context.Context) error {
			var err error
			issue, err = m.port.GetIssue(ctx, key)
			return err
		})
		if err != nil {
			if tracker.KindOf(err) == tracker.KindNotFound {
				logger.Debug("backup: %s not found remotely, nothing to capture", key)
				continue
			}
			return nil, fmt.Errorf("failed to snapshot %s: %w", key, err)
		}
		b.Snapshots = append(b.Snapshots, store.SnapshotOf(issue))
	}

	if err := m.db.SaveBackup(b); err != nil {
		return nil, err
	}
	logger.Info("backup: captured %s (%d issues, %d subtasks)", b.ID, len(b.Snapshots), b.SubtaskCount())

	if err := m.prune(epicKey); err != nil {
		logger.Warn("backup: pruning failed: %v", err)
	}
	return b, nil
}

// prune enforces the per-epic count cap and the retention window.
func (m *Manager) prune(epicKey domain.IssueKey) error {
	if m.MaxPerEpic <= 0 && m.RetentionDays <= 0 {
		return nil
	}
	backups, err := m.db.ListBackups(epicKey)
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if m.RetentionDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -m.RetentionDays)
	}

	for i := range backups {
		tooMany := m.MaxPerEpic > 0 && i >= m.MaxPerEpic
		tooOld := !cutoff.IsZero() && backups[i].CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if _, err := m.db.DeleteBackup(backups[i].ID); err != nil {
			return err
		}
		logger.Debug("backup: pruned %s", backups[i].ID)
	}
	return nil
}

// Resolve loads a backup by id, or the latest for the epic when id is
// "latest" or empty.
func (m *Manager) Resolve(id string, epicKey domain.IssueKey) (*store.Backup, error) {
	var b *store.Backup
	var err error
	if id == "" || id == "latest" {
		b, err = m.db.LatestBackup(epicKey)
	} else {
		b, err = m.db.GetBackup(id)
	}
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("no backup found for %s", epicKey)
	}
	return b, nil
}

// Summary is one line of the backup listing.
type Summary struct {
	ID        string
	EpicKey   domain.IssueKey
	Issues    int
	Subtasks  int
	CreatedAt time.Time
	Age       string
}

// List returns listing summaries for an epic, newest first.
func (m *Manager) List(epicKey domain.IssueKey) ([]Summary, error) {
	backups, err := m.db.ListBackups(epicKey)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(backups))
	for i := range backups {
		b := &backups[i]
		summaries = append(summaries, Summary{
			ID:        b.ID,
			EpicKey:   b.EpicKey,
			Issues:    len(b.Snapshots),
			Subtasks:  b.SubtaskCount(),
			CreatedAt: b.CreatedAt,
			Age:       humanize.Time(b.CreatedAt),
		})
	}
	return summaries, nil
}

// FieldChange is one field-level difference between a backup snapshot and
// the live remote issue.
type FieldChange struct {
	Key    domain.IssueKey
	Field  string
	Backup string
	Live   string
}

// Diff compares a backup against the current remote state, field by field.
func (m *Manager) Diff(ctx context.Context, b *store.Backup) ([]FieldChange, error) {
	var changes []FieldChange
	for i := range b.Snapshots {
		snap := &b.Snapshots[i]

		var live *tracker.RemoteIssue
		err := m.retryer.Do(ctx, fmt.Sprintf("fetch %s", snap.Key), func(ctx context.Context) error {
			var err error
			live, err = m.port.GetIssue(ctx, snap.Key)
			return err
		})
		if err != nil {
			if tracker.KindOf(err) == tracker.KindNotFound {
				changes = append(changes, FieldChange{Key: snap.Key, Field: "issue", Backup: "exists", Live: "missing"})
				continue
			}
			return nil, err
		}

		changes = append(changes, diffIssue(snap, live)...)
		for j := range snap.Subtasks {
			sub := &snap.Subtasks[j]
			if liveSub := findSubtask(live, sub.Key); liveSub != nil {
				changes = append(changes, diffIssue(sub, liveSub)...)
			} else {
				changes = append(changes, FieldChange{Key: sub.Key, Field: "issue", Backup: "exists", Live: "missing"})
			}
		}
	}
	return changes, nil
}

func diffIssue(snap *store.IssueSnapshot, live *tracker.RemoteIssue) []FieldChange {
	var changes []FieldChange
	add := func(field, backup, liveVal string) {
		if backup != liveVal {
			changes = append(changes, FieldChange{Key: snap.Key, Field: field, Backup: backup, Live: liveVal})
		}
	}
	add("summary", snap.Summary, live.Summary)
	add("description", snap.Description, live.Description)
	add("status", snap.Status, live.Status)
	add("priority", snap.Priority, live.Priority)
	if snap.StoryPoints != live.StoryPoints {
		changes = append(changes, FieldChange{
			Key:    snap.Key,
			Field:  "story_points",
			Backup: fmt.Sprintf("%g", snap.StoryPoints),
			Live:   fmt.Sprintf("%g", live.StoryPoints),
		})
	}
	return changes
}

func findSubtask(issue *tracker.RemoteIssue, key domain.IssueKey) *tracker.RemoteIssue {
	for i := range issue.Subtasks {
		if issue.Subtasks[i].Key == key {
			return &issue.Subtasks[i]
		}
	}
	return nil
}

// RestorePlan turns a backup into the operations that put the tracker back
// to its captured state. Transitions need the live workflow, so the caller's
// port is consulted for each issue whose status differs. Issues created
// after the backup was taken are left in place: rollback restores captured
// values, it never deletes.
func (m *Manager) RestorePlan(ctx context.Context, b *store.Backup) ([]plan.Operation, error) {
	var ops []plan.Operation
	for i := range b.Snapshots {
		snap := &b.Snapshots[i]
		issueOps, err := m.restoreIssue(ctx, snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, issueOps...)
		for j := range snap.Subtasks {
			subOps, err := m.restoreIssue(ctx, &snap.Subtasks[j])
			if err != nil {
				return nil, err
			}
			ops = append(ops, subOps...)
		}
	}
	return ops, nil
}

// restoreIssue plans the field update and status transition that bring one
// issue back to its snapshot.
func (m *Manager) restoreIssue(ctx context.Context, snap *store.IssueSnapshot) ([]plan.Operation, error) {
	var live *tracker.RemoteIssue
	err := m.retryer.Do(ctx, fmt.Sprintf("fetch %s", snap.Key), func(ctx context.Context) error {
		var err error
		live, err = m.port.GetIssue(ctx, snap.Key)
		return err
	})
	if err != nil {
		if tracker.KindOf(err) == tracker.KindNotFound {
			logger.Warn("backup: %s no longer exists remotely, cannot restore", snap.Key)
			return nil, nil
		}
		return nil, err
	}

	var ops []plan.Operation
	storyID := restoreStoryID(snap.Key)

	if snap.Summary != live.Summary || snap.Description != live.Description ||
		snap.Priority != live.Priority || snap.StoryPoints != live.StoryPoints {
		ops = append(ops, plan.Operation{
			ID:        fmt.Sprintf("%s/restore_fields", snap.Key),
			Kind:      plan.KindUpdateDescription,
			StoryID:   storyID,
			RemoteKey: snap.Key,
			Payload: plan.Payload{
				Summary:     snap.Summary,
				Description: snap.Description,
				Priority:    snap.Priority,
				StoryPoints: snap.StoryPoints,
			},
		})
	}

	if snap.Status != "" && !strings.EqualFold(snap.Status, live.Status) {
		op := plan.Operation{
			ID:        fmt.Sprintf("%s/restore_status", snap.Key),
			Kind:      plan.KindUpdateStatus,
			StoryID:   storyID,
			RemoteKey: snap.Key,
			Payload:   plan.Payload{Status: snap.Status},
		}
		var transitions []tracker.Transition
		err := m.retryer.Do(ctx, fmt.Sprintf("fetch transitions for %s", snap.Key), func(ctx context.Context) error {
			var err error
			transitions, err = m.port.GetTransitions(ctx, snap.Key)
			return err
		})
		if err != nil {
			return nil, err
		}
		if t := plan.FindTransition(transitions, snap.Status); t != nil {
			op.Payload.TransitionID = t.ID
		} else {
			op.Diagnostic = fmt.Sprintf("no allowed transition from %q to %q for %s", live.Status, snap.Status, snap.Key)
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// restoreStoryID labels restore operations by the remote key they touch,
// since snapshots carry no document story ids.
func restoreStoryID(key domain.IssueKey) domain.StoryID {
	return domain.StoryID("restore/" + string(key))
}

// backupID builds an id that sorts and reads well: epic, timestamp, and a
// short random suffix to disambiguate rapid captures.
func backupID(epicKey domain.IssueKey, at time.Time) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s_%s_%s", epicKey, at.Format("20060102T150405"), suffix)
}
