package domain

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads an epic document from a YAML file and validates its structure.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document %s: %w", path, err)
	}
	doc.Path = path

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", path, err)
	}

	return &doc, nil
}

// Validate checks structural invariants: epic key format, story id format
// and uniqueness, subtask sequence uniqueness within each story.
func (d *Document) Validate() error {
	if _, err := ParseIssueKey(string(d.EpicKey)); err != nil {
		return fmt.Errorf("epic key: %w", err)
	}

	seen := make(map[StoryID]bool, len(d.Stories))
	for i := range d.Stories {
		s := &d.Stories[i]
		id, err := ParseStoryID(string(s.ID))
		if err != nil {
			return fmt.Errorf("story %d: %w", i+1, err)
		}
		s.ID = id
		if seen[id] {
			return fmt.Errorf("duplicate story id %s", id)
		}
		seen[id] = true

		if s.Title == "" {
			return fmt.Errorf("story %s: title is required", id)
		}

		seqs := make(map[int]bool, len(s.Subtasks))
		for j := range s.Subtasks {
			st := &s.Subtasks[j]
			if st.Sequence == 0 {
				st.Sequence = j + 1
			}
			if seqs[st.Sequence] {
				return fmt.Errorf("story %s: duplicate subtask sequence %d", id, st.Sequence)
			}
			seqs[st.Sequence] = true
			if st.Title == "" {
				return fmt.Errorf("story %s: subtask %d: title is required", id, st.Sequence)
			}
		}
	}

	return nil
}

// Save writes the document back to its source path. Used after a successful
// sync to persist remote keys, fingerprints, and timestamps. The write goes
// through a temp file and rename so a crash never leaves a truncated document.
func (d *Document) Save() error {
	if d.Path == "" {
		return fmt.Errorf("document has no source path")
	}

	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmp := d.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, d.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace document: %w", err)
	}

	return nil
}

// SaveAs writes the document to a new path and records it as the source.
func (d *Document) SaveAs(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	d.Path = path
	return d.Save()
}
