package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/fingerprint"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// ConflictStatus classifies how a story diverged since the last sync.
type ConflictStatus int

const (
	// ConflictNone means neither side changed since the last sync.
	ConflictNone ConflictStatus = iota
	// RemoteChangedOnly means the tracker changed but the document did not.
	RemoteChangedOnly
	// LocalChangedOnly means the document changed but the tracker did not.
	LocalChangedOnly
	// BothChanged means both sides diverged; a strategy must decide.
	BothChanged
)

// String returns the string representation of a conflict status.
func (c ConflictStatus) String() string {
	switch c {
	case RemoteChangedOnly:
		return "remote_changed"
	case LocalChangedOnly:
		return "local_changed"
	case BothChanged:
		return "both_changed"
	default:
		return "none"
	}
}

// Strategy decides what happens when both sides changed.
type Strategy string

const (
	// StrategyManual refuses to plan the conflicted story; the user must
	// resolve by hand. The default.
	StrategyManual Strategy = "manual"
	// StrategyPreferLocal plans the normal diff, overwriting remote edits.
	StrategyPreferLocal Strategy = "prefer-local"
	// StrategyPreferRemote skips the story, preserving remote edits and
	// backing up the local version to the conflicts directory.
	StrategyPreferRemote Strategy = "prefer-remote"
)

// ParseStrategy validates a conflict strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyManual, StrategyPreferLocal, StrategyPreferRemote:
		return Strategy(s), nil
	case "":
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q: valid strategies are manual, prefer-local, prefer-remote", s)
	}
}

// Detect classifies a story's divergence from the three recorded
// fingerprints: last-synced local, current local, and current remote-derived.
// A story that has never synced has nothing to conflict with.
func Detect(story *domain.Story, remote *tracker.RemoteIssue) ConflictStatus {
	if story.SyncedFingerprint == "" {
		return ConflictNone
	}

	localChanged := fingerprint.Story(story) != story.SyncedFingerprint

	remoteChanged := false
	if story.RemoteFingerprint != "" && remote != nil {
		remoteChanged = remoteFingerprint(remote) != story.RemoteFingerprint
	}

	switch {
	case localChanged && remoteChanged:
		return BothChanged
	case remoteChanged:
		return RemoteChangedOnly
	case localChanged:
		return LocalChangedOnly
	default:
		return ConflictNone
	}
}

// remoteFingerprint derives a content fingerprint from a fetched remote
// issue, in the same canonical shape used at writeback time so drift
// comparison is exact. Only authored content counts: status and priority
// are excluded because the tracker assigns defaults we never wrote, and
// status divergence is already handled by the statuses phase.
func remoteFingerprint(issue *tracker.RemoteIssue) string {
	sigs := make([]string, 0, len(issue.Subtasks))
	for i := range issue.Subtasks {
		st := &issue.Subtasks[i]
		sigs = append(sigs, fingerprint.Remote(st.Summary, st.Description, "", "", st.StoryPoints, nil))
	}
	return fingerprint.Remote(issue.Summary, issue.Description, "", "", issue.StoryPoints, sigs)
}

// expectedRemoteFingerprint computes the remote fingerprint a story will
// have once its content is fully pushed. Recorded at writeback so the next
// run can tell remote drift apart from our own writes.
func expectedRemoteFingerprint(story *domain.Story) string {
	sigs := make([]string, 0, len(story.Subtasks))
	for i := range story.Subtasks {
		st := &story.Subtasks[i]
		sigs = append(sigs, fingerprint.Remote(st.Title, st.Description, "", "", st.StoryPoints, nil))
	}
	return fingerprint.Remote(story.Title, plan.RenderDescription(story), "", "", story.StoryPoints, sigs)
}

// backupConflictLoser writes the local version of a story that lost a
// conflict to the conflicts directory, so prefer-remote never silently
// discards the user's edits.
func backupConflictLoser(dir string, epicKey domain.IssueKey, story *domain.Story) error {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".cache", "epicsync", "conflicts")
	}
	dir = filepath.Join(dir, string(epicKey))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create conflicts directory: %w", err)
	}

	data, err := yaml.Marshal(story)
	if err != nil {
		return fmt.Errorf("failed to marshal story: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.yml", story.ID, timestamp))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write conflict file: %w", err)
	}

	logger.Info("sync: backed up local version of %s to %s", story.ID, path)
	return nil
}
