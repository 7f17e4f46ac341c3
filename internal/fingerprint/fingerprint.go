// Package fingerprint computes deterministic content hashes for change
// detection. Two entities with identical synced-relevant content always hash
// to the same value; remote keys, timestamps, and other sync metadata never
// contribute.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

// Canonical form: one "field=value" line per relevant field, subtasks and
// acceptance criteria in document order. Order sensitivity is deliberate:
// reordering subtasks is a content change.

// Story hashes the synced-relevant fields of a story.
func Story(s *domain.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title=%s\n", s.Title)
	fmt.Fprintf(&b, "description=%s\n", s.Description.Render())
	fmt.Fprintf(&b, "status=%s\n", s.Status)
	fmt.Fprintf(&b, "priority=%s\n", s.Priority)
	fmt.Fprintf(&b, "points=%g\n", s.StoryPoints)
	for _, ac := range s.AcceptanceCriteria {
		fmt.Fprintf(&b, "criterion=%s\n", ac)
	}
	for i := range s.Subtasks {
		fmt.Fprintf(&b, "subtask=%s\n", Subtask(&s.Subtasks[i]))
	}
	return sum(b.String())
}

// Subtask hashes the synced-relevant fields of a subtask.
func Subtask(st *domain.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "seq=%d\n", st.Sequence)
	fmt.Fprintf(&b, "title=%s\n", st.Title)
	fmt.Fprintf(&b, "description=%s\n", st.Description)
	fmt.Fprintf(&b, "status=%s\n", st.Status)
	fmt.Fprintf(&b, "points=%g\n", st.StoryPoints)
	return sum(b.String())
}

// Document hashes the whole document: epic key plus every story signature.
// Sessions bind to this value so a resumed run can refuse a changed source.
func Document(d *domain.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "epic=%s\n", d.EpicKey)
	for i := range d.Stories {
		fmt.Fprintf(&b, "story=%s:%s\n", d.Stories[i].ID, Story(&d.Stories[i]))
	}
	return sum(b.String())
}

// Remote hashes the synced-relevant fields of a remote issue as fetched from
// the tracker, in the same canonical shape as Story so drift comparison is
// field-for-field.
func Remote(title, description, status, priority string, points float64, subtaskSigs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title=%s\n", title)
	fmt.Fprintf(&b, "description=%s\n", description)
	fmt.Fprintf(&b, "status=%s\n", status)
	fmt.Fprintf(&b, "priority=%s\n", priority)
	fmt.Fprintf(&b, "points=%g\n", points)
	for _, sig := range subtaskSigs {
		fmt.Fprintf(&b, "subtask=%s\n", sig)
	}
	return sum(b.String())
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
