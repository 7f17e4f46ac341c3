package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/fingerprint"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// syncedStory returns a story whose fingerprints say "in sync" with remote.
func syncedStory() (domain.Story, *tracker.RemoteIssue) {
	story := domain.Story{
		ID:          "US-001",
		Title:       "Pay by card",
		Description: domain.Description{Role: "shopper", Want: "to pay by card", Benefit: "I can order"},
		RemoteKey:   "PROJ-10",
	}
	remote := &tracker.RemoteIssue{
		Key:         "PROJ-10",
		Summary:     story.Title,
		Description: "As a shopper, I want to pay by card, so that I can order.",
	}
	story.SyncedFingerprint = fingerprint.Story(&story)
	story.RemoteFingerprint = remoteFingerprint(remote)
	return story, remote
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Story, *tracker.RemoteIssue)
		want   ConflictStatus
	}{
		{
			name:   "no changes",
			mutate: func(s *domain.Story, r *tracker.RemoteIssue) {},
			want:   ConflictNone,
		},
		{
			name:   "local edit only",
			mutate: func(s *domain.Story, r *tracker.RemoteIssue) { s.Title = "Pay by any card" },
			want:   LocalChangedOnly,
		},
		{
			name:   "remote edit only",
			mutate: func(s *domain.Story, r *tracker.RemoteIssue) { r.Summary = "Pay by card (remote)" },
			want:   RemoteChangedOnly,
		},
		{
			name: "both edited",
			mutate: func(s *domain.Story, r *tracker.RemoteIssue) {
				s.Title = "Pay by any card"
				r.Summary = "Pay by card (remote)"
			},
			want: BothChanged,
		},
		{
			name: "remote status change is not drift",
			mutate: func(s *domain.Story, r *tracker.RemoteIssue) {
				r.Status = "In Progress"
			},
			want: ConflictNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			story, remote := syncedStory()
			tt.mutate(&story, remote)
			if got := Detect(&story, remote); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectNeverSyncedStory(t *testing.T) {
	story := domain.Story{ID: "US-001", Title: "Brand new"}
	if got := Detect(&story, nil); got != ConflictNone {
		t.Errorf("never-synced story detected as %s", got)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"manual", "prefer-local", "prefer-remote"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q) failed: %v", s, err)
		}
	}
	if got, err := ParseStrategy(""); err != nil || got != StrategyManual {
		t.Errorf("empty strategy = %q, %v; want manual", got, err)
	}
	if _, err := ParseStrategy("theirs"); err == nil {
		t.Error("unknown strategy accepted")
	}
}

// conflictedDoc builds a document whose single story changed on both sides.
func conflictedDoc(port *fakePort) *domain.Document {
	story, remote := syncedStory()
	story.Title = "Pay by any card"
	remote.Summary = "Pay by card (remote edit)"
	port.add("PROJ-1", *remote)

	return &domain.Document{EpicKey: "PROJ-1", Stories: []domain.Story{story}}
}

func TestManualStrategySkipsConflict(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{Conflict: StrategyManual})

	doc := conflictedDoc(port)
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(report.Entries) != 0 {
		t.Errorf("conflicted story produced operations: %d", len(report.Entries))
	}
	if len(report.Skips) != 1 {
		t.Fatalf("got %d skips, want 1", len(report.Skips))
	}
	if port.issues["PROJ-10"].Summary != "Pay by card (remote edit)" {
		t.Error("manual strategy touched the remote issue")
	}
}

func TestPreferLocalOverwritesRemote(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{Conflict: StrategyPreferLocal})

	doc := conflictedDoc(port)
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if c := report.Counts(); c.Updated == 0 {
		t.Fatalf("prefer-local planned nothing: %s", report.Summary())
	}
	if port.issues["PROJ-10"].Summary != "Pay by any card" {
		t.Errorf("remote summary = %q, want local title", port.issues["PROJ-10"].Summary)
	}
}

func TestPreferRemoteSkipsAndBacksUpLocal(t *testing.T) {
	port := newFakePort()
	dir := t.TempDir()
	engine, _ := testEngine(t, port, Options{Conflict: StrategyPreferRemote, ConflictDir: dir})

	doc := conflictedDoc(port)
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(report.Entries) != 0 {
		t.Error("prefer-remote planned operations for the conflicted story")
	}
	if port.issues["PROJ-10"].Summary != "Pay by card (remote edit)" {
		t.Error("prefer-remote touched the remote issue")
	}

	// The losing local version was preserved on disk.
	files, err := filepath.Glob(filepath.Join(dir, "PROJ-1", "US-001_*.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d conflict files, want 1", len(files))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("conflict backup is empty")
	}
}

func TestRemoteOnlyChangeIsSkippedNotOverwritten(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	story, remote := syncedStory()
	remote.Summary = "Pay by card (remote edit)"
	port.add("PROJ-1", *remote)
	doc := &domain.Document{EpicKey: "PROJ-1", Stories: []domain.Story{story}}

	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(report.Entries) != 0 {
		t.Error("remote-only change was planned for overwrite")
	}
	if len(report.Skips) != 1 {
		t.Errorf("got %d skips, want 1", len(report.Skips))
	}
}
