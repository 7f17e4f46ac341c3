// Package tracker defines the uniform issue tracker port consumed by the
// sync engine, along with the classified error taxonomy and the retry and
// rate-limit machinery shared by all adapters.
package tracker

import (
	"context"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

// RemoteIssue is the tracker-neutral view of an issue.
type RemoteIssue struct {
	Key         domain.IssueKey
	Summary     string
	Description string
	Status      string
	Priority    string
	IssueType   string
	StoryPoints float64
	ParentKey   domain.IssueKey
	Subtasks    []RemoteIssue
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IssueFields carries the mutable fields for create and update calls.
// Nil pointers mean "leave unchanged" on update.
type IssueFields struct {
	Summary     *string
	Description *string
	Priority    *string
	StoryPoints *float64
	IssueType   string
	ParentKey   domain.IssueKey
}

// Transition is one allowed status transition for an issue.
type Transition struct {
	ID   string
	Name string
	To   string
}

// Port is the uniform capability set every tracker adapter provides.
// All calls return classified errors (see Error).
type Port interface {
	FetchEpicChildren(ctx context.Context, epicKey domain.IssueKey) ([]RemoteIssue, error)
	GetIssue(ctx context.Context, key domain.IssueKey) (*RemoteIssue, error)
	CreateIssue(ctx context.Context, epicKey domain.IssueKey, fields IssueFields) (*RemoteIssue, error)
	UpdateIssue(ctx context.Context, key domain.IssueKey, fields IssueFields) error
	GetTransitions(ctx context.Context, key domain.IssueKey) ([]Transition, error)
	Transition(ctx context.Context, key domain.IssueKey, transitionID string) error
	AddComment(ctx context.Context, key domain.IssueKey, text string) error
}
