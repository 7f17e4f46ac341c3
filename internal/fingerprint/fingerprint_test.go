package fingerprint

import (
	"testing"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

func testStory() domain.Story {
	return domain.Story{
		ID:          "US-001",
		Title:       "Pay by card",
		Description: domain.Description{Role: "shopper", Want: "to pay by card", Benefit: "I can order"},
		Priority:    "High",
		Status:      "To Do",
		StoryPoints: 5,
		AcceptanceCriteria: []string{
			"3DS challenge supported",
		},
		Subtasks: []domain.Subtask{
			{Sequence: 1, Title: "Card form"},
			{Sequence: 2, Title: "Charge API", StoryPoints: 2},
		},
	}
}

func TestStoryDeterministic(t *testing.T) {
	a, b := testStory(), testStory()
	if Story(&a) != Story(&b) {
		t.Error("identical stories produced different fingerprints")
	}
}

func TestStoryContentSensitive(t *testing.T) {
	base := testStory()
	baseFP := Story(&base)

	tests := []struct {
		name   string
		mutate func(*domain.Story)
	}{
		{"title", func(s *domain.Story) { s.Title = "Pay by wire" }},
		{"description", func(s *domain.Story) { s.Description.Want = "to pay later" }},
		{"status", func(s *domain.Story) { s.Status = "Done" }},
		{"priority", func(s *domain.Story) { s.Priority = "Low" }},
		{"points", func(s *domain.Story) { s.StoryPoints = 8 }},
		{"criterion", func(s *domain.Story) { s.AcceptanceCriteria[0] = "changed" }},
		{"subtask title", func(s *domain.Story) { s.Subtasks[0].Title = "changed" }},
		{"subtask order", func(s *domain.Story) {
			s.Subtasks[0], s.Subtasks[1] = s.Subtasks[1], s.Subtasks[0]
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStory()
			tt.mutate(&s)
			if Story(&s) == baseFP {
				t.Error("fingerprint unchanged after content change")
			}
		})
	}
}

func TestStoryIgnoresSyncMetadata(t *testing.T) {
	base := testStory()
	baseFP := Story(&base)

	s := testStory()
	s.RemoteKey = "PROJ-42"
	s.SyncedFingerprint = "abc"
	s.RemoteFingerprint = "def"
	s.LastSyncedAt = "2026-08-24T10:00:00Z"
	s.Subtasks[0].RemoteKey = "PROJ-43"

	if Story(&s) != baseFP {
		t.Error("sync metadata changed the fingerprint")
	}
}

func TestDocumentBindsStoryOrder(t *testing.T) {
	a := testStory()
	b := testStory()
	b.ID = "US-002"
	b.Title = "Other story"

	doc1 := &domain.Document{EpicKey: "PROJ-1", Stories: []domain.Story{a, b}}
	doc2 := &domain.Document{EpicKey: "PROJ-1", Stories: []domain.Story{b, a}}

	if Document(doc1) == Document(doc2) {
		t.Error("story order did not affect document fingerprint")
	}
}

func TestRemoteMatchesWritebackShape(t *testing.T) {
	// The fingerprint recorded at writeback must equal the fingerprint
	// derived from fetching the same content back, or every run would see
	// phantom remote drift.
	sigs := []string{
		Remote("Card form", "", "", "", 0, nil),
	}
	recorded := Remote("Pay by card", "As a shopper...", "To Do", "High", 5, sigs)
	fetched := Remote("Pay by card", "As a shopper...", "To Do", "High", 5, sigs)
	if recorded != fetched {
		t.Error("identical remote content produced different fingerprints")
	}

	drifted := Remote("Pay by card EDITED", "As a shopper...", "To Do", "High", 5, sigs)
	if recorded == drifted {
		t.Error("edited remote content produced the same fingerprint")
	}
}
