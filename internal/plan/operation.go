// Package plan computes the ordered list of tracker operations needed to
// bring remote state in line with a local epic document.
package plan

import (
	"fmt"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

// Kind discriminates the closed set of operation variants. The executor and
// report code switch exhaustively over it.
type Kind string

const (
	KindCreateIssue       Kind = "create_issue"
	KindUpdateDescription Kind = "update_description"
	KindUpdateStatus      Kind = "update_status"
	KindCreateSubtask     Kind = "create_subtask"
	KindUpdateSubtask     Kind = "update_subtask"
	KindAddComment        Kind = "add_comment"
)

// Payload carries the field values an operation applies. Only the fields
// relevant to the operation's kind are set.
type Payload struct {
	Summary      string  `json:"summary,omitempty"`
	Description  string  `json:"description,omitempty"`
	Priority     string  `json:"priority,omitempty"`
	StoryPoints  float64 `json:"story_points,omitempty"`
	Status       string  `json:"status,omitempty"`
	TransitionID string  `json:"transition_id,omitempty"`
	Comment      string  `json:"comment,omitempty"`
}

// Operation is one planned unit of work against the tracker. Operations are
// immutable once planned; execution records outcomes separately.
type Operation struct {
	// ID is unique and stable within a plan, e.g. "US-001/create_issue".
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	StoryID domain.StoryID  `json:"story_id"`
	// SubtaskSeq is set for subtask operations, zero otherwise.
	SubtaskSeq int `json:"subtask_seq,omitempty"`
	// RemoteKey is the target issue when already known. Create operations
	// for subtasks leave it empty and resolve the parent key at execution
	// time from the parent create's recorded outcome.
	RemoteKey domain.IssueKey `json:"remote_key,omitempty"`
	Payload   Payload         `json:"payload"`
	// Diagnostic marks a pre-failed operation: planned only to surface a
	// problem (e.g. no allowed status transition), never executed.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Describe returns a one-line human summary for plan previews.
func (op *Operation) Describe() string {
	target := string(op.RemoteKey)
	if target == "" {
		target = string(op.StoryID)
		if op.SubtaskSeq > 0 {
			target = fmt.Sprintf("%s/%d", op.StoryID, op.SubtaskSeq)
		}
	}
	switch op.Kind {
	case KindCreateIssue:
		return fmt.Sprintf("create issue for %s: %q", op.StoryID, op.Payload.Summary)
	case KindCreateSubtask:
		return fmt.Sprintf("create subtask %d of %s: %q", op.SubtaskSeq, op.StoryID, op.Payload.Summary)
	case KindUpdateDescription:
		return fmt.Sprintf("update description of %s", target)
	case KindUpdateSubtask:
		return fmt.Sprintf("update subtask %s", target)
	case KindUpdateStatus:
		return fmt.Sprintf("transition %s to %q", target, op.Payload.Status)
	case KindAddComment:
		return fmt.Sprintf("comment on %s", target)
	default:
		return fmt.Sprintf("%s on %s", op.Kind, target)
	}
}

// ResultStatus classifies the outcome of executing one operation.
type ResultStatus string

const (
	StatusApplied ResultStatus = "applied"
	StatusSkipped ResultStatus = "skipped"
	StatusFailed  ResultStatus = "failed"
)

// Result is the recorded outcome of one operation.
type Result struct {
	OperationID string          `json:"operation_id"`
	Status      ResultStatus    `json:"status"`
	RemoteKey   domain.IssueKey `json:"remote_key,omitempty"` // key created or touched
	Reason      string          `json:"reason,omitempty"`     // skip reason
	Error       string          `json:"error,omitempty"`      // failure message
	At          time.Time       `json:"at"`
}

// Applied builds an applied result for op.
func Applied(op *Operation, key domain.IssueKey) Result {
	return Result{OperationID: op.ID, Status: StatusApplied, RemoteKey: key, At: time.Now().UTC()}
}

// Skipped builds a skipped result for op.
func Skipped(op *Operation, reason string) Result {
	return Result{OperationID: op.ID, Status: StatusSkipped, Reason: reason, At: time.Now().UTC()}
}

// Failed builds a failed result for op.
func Failed(op *Operation, err error) Result {
	return Result{OperationID: op.ID, Status: StatusFailed, Error: err.Error(), At: time.Now().UTC()}
}
