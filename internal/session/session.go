// Package session models the persisted, resumable state of one sync run.
// The planned operation list is immutable for the life of a session; only
// the cursor and per-operation outcomes advance.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/plan"
)

// State is the lifecycle state of a session.
type State string

const (
	// StatePlanned means the plan exists but execution has not started.
	StatePlanned State = "planned"
	// StateExecuting means an execute loop currently owns the session.
	StateExecuting State = "executing"
	// StatePaused means execution stopped before the end of the plan
	// (cancellation, fatal error, crash) and the session can be resumed.
	StatePaused State = "paused"
	// StateCompleted means every operation has a recorded outcome.
	StateCompleted State = "completed"
)

// StorySkip records a story excluded at planning time, with the reason.
// Skipped stories still show up in the report.
type StorySkip struct {
	StoryID domain.StoryID `json:"story_id"`
	Reason  string         `json:"reason"`
}

// MatchRecord records which remote issue a story was matched to at planning
// time, so writeback can attach keys discovered by fuzzy matching.
type MatchRecord struct {
	StoryID   domain.StoryID  `json:"story_id"`
	RemoteKey domain.IssueKey `json:"remote_key"`
	Score     float64         `json:"score"`
}

// Session is the resumable execution state of one sync run.
type Session struct {
	ID                  string          `json:"id"`
	EpicKey             domain.IssueKey `json:"epic_key"`
	DocumentPath        string          `json:"document_path"`
	DocumentFingerprint string          `json:"document_fingerprint"`
	State               State           `json:"state"`
	BackupID            string          `json:"backup_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	// Operations is the full ordered plan. Never re-planned mid-session:
	// a resumed run executes exactly what the preview showed.
	Operations []plan.Operation `json:"operations"`
	// Skips are stories that contributed no operations, with reasons.
	Skips []StorySkip `json:"skips,omitempty"`
	// Matches records the story-to-remote assignment computed at planning.
	Matches []MatchRecord `json:"matches,omitempty"`
	// Results holds one outcome per executed operation, in plan order.
	Results []plan.Result `json:"results"`
	// Cursor is the index of the next operation to execute.
	Cursor int `json:"cursor"`
}

// New creates a planned session binding the plan to the source document's
// fingerprint.
func New(epicKey domain.IssueKey, docPath, docFingerprint string, ops []plan.Operation, skips []StorySkip, matches []MatchRecord) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:                  uuid.NewString(),
		EpicKey:             epicKey,
		DocumentPath:        docPath,
		DocumentFingerprint: docFingerprint,
		State:               StatePlanned,
		CreatedAt:           now,
		UpdatedAt:           now,
		Operations:          ops,
		Skips:               skips,
		Matches:             matches,
		Results:             []plan.Result{},
	}
}

// Current returns the operation at the cursor, or nil when the plan is done.
func (s *Session) Current() *plan.Operation {
	if s.Cursor < 0 || s.Cursor >= len(s.Operations) {
		return nil
	}
	return &s.Operations[s.Cursor]
}

// Remaining returns the number of operations not yet executed.
func (s *Session) Remaining() int {
	if s.Cursor >= len(s.Operations) {
		return 0
	}
	return len(s.Operations) - s.Cursor
}

// Done reports whether every operation has an outcome.
func (s *Session) Done() bool {
	return s.Cursor >= len(s.Operations)
}

// Advance returns a copy of the session with the result recorded and the
// cursor moved past the operation it belongs to. The transition is pure:
// the input session is untouched, so callers persist the returned value and
// a crash in between loses at most the in-flight operation.
func Advance(s *Session, r plan.Result) (*Session, error) {
	cur := s.Current()
	if cur == nil {
		return nil, fmt.Errorf("session %s: advance past end of plan (cursor %d of %d)", s.ID, s.Cursor, len(s.Operations))
	}
	if r.OperationID != cur.ID {
		return nil, fmt.Errorf("session %s: result for %s does not match current operation %s", s.ID, r.OperationID, cur.ID)
	}

	next := *s
	next.Results = append(append([]plan.Result{}, s.Results...), r)
	next.Cursor = s.Cursor + 1
	next.UpdatedAt = time.Now().UTC()
	if next.Done() {
		next.State = StateCompleted
	}
	return &next, nil
}

// CreatedKey returns the remote key recorded by the applied CreateIssue
// operation for a story, if any. Used to resolve parent keys for subtask
// and comment operations, including across a resume.
func (s *Session) CreatedKey(storyID domain.StoryID) domain.IssueKey {
	for i := range s.Results {
		r := &s.Results[i]
		if r.Status != plan.StatusApplied || r.RemoteKey == "" {
			continue
		}
		op := s.operation(r.OperationID)
		if op != nil && op.Kind == plan.KindCreateIssue && op.StoryID == storyID {
			return r.RemoteKey
		}
	}
	return ""
}

func (s *Session) operation(id string) *plan.Operation {
	for i := range s.Operations {
		if s.Operations[i].ID == id {
			return &s.Operations[i]
		}
	}
	return nil
}
