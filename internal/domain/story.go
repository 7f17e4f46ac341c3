// Package domain defines the epic document model shared by the matcher,
// planner, and sync engine.
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// keyPattern matches PREFIX-NUMBER identifiers such as US-001 or PROJ-123.
var keyPattern = regexp.MustCompile(`^[A-Za-z]+-\d+$`)

// StoryID identifies a story within a document, e.g. "US-001".
// Any alphanumeric prefix followed by a hyphen and number is accepted so
// teams can keep their own conventions.
type StoryID string

// ParseStoryID validates and normalizes a story id to uppercase.
func ParseStoryID(s string) (StoryID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !keyPattern.MatchString(s) {
		return "", fmt.Errorf("invalid story id %q: must be PREFIX-NUMBER", s)
	}
	return StoryID(s), nil
}

// Prefix returns the alphabetic portion of the id ("US" from "US-001").
func (id StoryID) Prefix() string {
	if i := strings.IndexByte(string(id), '-'); i > 0 {
		return string(id)[:i]
	}
	return ""
}

// Number returns the numeric portion of the id.
func (id StoryID) Number() int {
	if i := strings.IndexByte(string(id), '-'); i > 0 {
		n, _ := strconv.Atoi(string(id)[i+1:])
		return n
	}
	return 0
}

func (id StoryID) String() string { return string(id) }

// IssueKey identifies a remote tracker issue, e.g. "PROJ-42".
type IssueKey string

// ParseIssueKey validates and normalizes an issue key to uppercase.
func ParseIssueKey(s string) (IssueKey, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !keyPattern.MatchString(s) {
		return "", fmt.Errorf("invalid issue key %q: must be PROJECT-NUMBER", s)
	}
	return IssueKey(s), nil
}

// Project returns the project portion of the key ("PROJ" from "PROJ-42").
func (k IssueKey) Project() string {
	if i := strings.IndexByte(string(k), '-'); i > 0 {
		return string(k)[:i]
	}
	return ""
}

func (k IssueKey) String() string { return string(k) }

// Description is a user story description in As-a / I-want / So-that form.
type Description struct {
	Role    string `yaml:"as_a"`
	Want    string `yaml:"i_want"`
	Benefit string `yaml:"so_that"`
	Context string `yaml:"context,omitempty"`
}

// IsZero reports whether no description fields are set.
func (d Description) IsZero() bool {
	return d.Role == "" && d.Want == "" && d.Benefit == "" && d.Context == ""
}

// Render produces the canonical textual form pushed to the tracker.
func (d Description) Render() string {
	var b strings.Builder
	if d.Role != "" || d.Want != "" || d.Benefit != "" {
		fmt.Fprintf(&b, "As a %s, I want %s, so that %s.", d.Role, d.Want, d.Benefit)
	}
	if d.Context != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Context)
	}
	return b.String()
}

// Subtask is a child unit of a story. Identity is the sequence number
// scoped to the parent story.
type Subtask struct {
	Sequence    int      `yaml:"sequence"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Status      string   `yaml:"status,omitempty"`
	StoryPoints float64  `yaml:"story_points,omitempty"`
	RemoteKey   IssueKey `yaml:"remote_key,omitempty"`
}

// Story is a local unit of work mapping to one remote issue.
// The sync engine mutates only the writeback metadata fields (RemoteKey,
// SyncedFingerprint, RemoteFingerprint, LastSyncedAt) after a successful run.
type Story struct {
	ID                 StoryID     `yaml:"id"`
	Title              string      `yaml:"title"`
	Description        Description `yaml:"description"`
	Priority           string      `yaml:"priority,omitempty"`
	Status             string      `yaml:"status,omitempty"`
	StoryPoints        float64     `yaml:"story_points,omitempty"`
	AcceptanceCriteria []string    `yaml:"acceptance_criteria,omitempty"`
	Subtasks           []Subtask   `yaml:"subtasks,omitempty"`
	Comments           []string    `yaml:"comments,omitempty"`

	RemoteKey         IssueKey `yaml:"remote_key,omitempty"`
	SyncedFingerprint string   `yaml:"synced_fingerprint,omitempty"`
	RemoteFingerprint string   `yaml:"remote_fingerprint,omitempty"`
	LastSyncedAt      string   `yaml:"last_synced_at,omitempty"`
}

// Subtask returns the subtask with the given sequence number, or nil.
func (s *Story) Subtask(sequence int) *Subtask {
	for i := range s.Subtasks {
		if s.Subtasks[i].Sequence == sequence {
			return &s.Subtasks[i]
		}
	}
	return nil
}

// Document is an ordered collection of stories under one epic.
type Document struct {
	EpicKey IssueKey `yaml:"epic"`
	Title   string   `yaml:"title,omitempty"`
	Stories []Story  `yaml:"stories"`

	// Path records where the document was loaded from, for writeback.
	Path string `yaml:"-"`
}

// Story returns the story with the given id, or nil.
func (d *Document) Story(id StoryID) *Story {
	for i := range d.Stories {
		if d.Stories[i].ID == id {
			return &d.Stories[i]
		}
	}
	return nil
}
