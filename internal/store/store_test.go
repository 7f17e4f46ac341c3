package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/session"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession() *session.Session {
	ops := []plan.Operation{
		{ID: "US-001/create_issue", Kind: plan.KindCreateIssue, StoryID: "US-001",
			Payload: plan.Payload{Summary: "Pay by card", StoryPoints: 5}},
		{ID: "US-001/create_subtask/1", Kind: plan.KindCreateSubtask, StoryID: "US-001", SubtaskSeq: 1},
	}
	skips := []session.StorySkip{{StoryID: "US-002", Reason: "unchanged since last sync"}}
	matches := []session.MatchRecord{{StoryID: "US-003", RemoteKey: "PROJ-3", Score: 0.91}}
	return session.New("PROJ-1", "/tmp/epic.yml", "docfp", ops, skips, matches)
}

func TestSessionRoundTrip(t *testing.T) {
	db := testDB(t)
	s := testSession()

	if err := db.SaveSession(s); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := db.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}

	if got.EpicKey != "PROJ-1" || got.DocumentPath != "/tmp/epic.yml" || got.DocumentFingerprint != "docfp" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if len(got.Operations) != 2 {
		t.Fatalf("got %d operations, want 2", len(got.Operations))
	}
	if got.Operations[0].Payload.Summary != "Pay by card" {
		t.Errorf("payload lost: %+v", got.Operations[0].Payload)
	}
	if len(got.Skips) != 1 || got.Skips[0].Reason != "unchanged since last sync" {
		t.Errorf("skips lost: %+v", got.Skips)
	}
	if len(got.Matches) != 1 || got.Matches[0].RemoteKey != "PROJ-3" {
		t.Errorf("matches lost: %+v", got.Matches)
	}
	if got.State != session.StatePlanned || got.Cursor != 0 {
		t.Errorf("state/cursor = %s/%d", got.State, got.Cursor)
	}
}

func TestSaveSessionReplaces(t *testing.T) {
	db := testDB(t)
	s := testSession()
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	next, err := session.Advance(s, plan.Applied(s.Current(), "PROJ-100"))
	if err != nil {
		t.Fatal(err)
	}
	next.State = session.StateExecuting
	if err := db.SaveSession(next); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cursor != 1 || len(got.Results) != 1 {
		t.Errorf("cursor/results = %d/%d, want 1/1", got.Cursor, len(got.Results))
	}
	if got.Results[0].RemoteKey != "PROJ-100" {
		t.Errorf("result key = %s", got.Results[0].RemoteKey)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := testDB(t)
	got, err := db.GetSession("missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing session")
	}
}

func TestLatestResumable(t *testing.T) {
	db := testDB(t)

	completed := testSession()
	completed.State = session.StateCompleted
	if err := db.SaveSession(completed); err != nil {
		t.Fatal(err)
	}

	older := testSession()
	older.State = session.StatePaused
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := db.SaveSession(older); err != nil {
		t.Fatal(err)
	}

	newer := testSession()
	newer.State = session.StatePaused
	if err := db.SaveSession(newer); err != nil {
		t.Fatal(err)
	}

	got, err := db.LatestResumable("PROJ-1")
	if err != nil {
		t.Fatalf("LatestResumable failed: %v", err)
	}
	if got == nil {
		t.Fatal("no resumable session found")
	}
	if got.ID != newer.ID {
		t.Errorf("got session %s, want newest paused %s", got.ID, newer.ID)
	}

	if got, _ := db.LatestResumable("OTHER-1"); got != nil {
		t.Error("found a resumable session for the wrong epic")
	}
}

func TestListSessions(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		if err := db.SaveSession(testSession()); err != nil {
			t.Fatal(err)
		}
	}

	summaries, err := db.ListSessions("PROJ-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("got %d summaries, want 3", len(summaries))
	}
	if summaries[0].Total != 2 {
		t.Errorf("total = %d, want 2", summaries[0].Total)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	db := testDB(t)

	issue := &tracker.RemoteIssue{
		Key:         "PROJ-10",
		Summary:     "Pay by card",
		Description: "original",
		Status:      "To Do",
		StoryPoints: 5,
		Subtasks: []tracker.RemoteIssue{
			{Key: "PROJ-11", Summary: "Card form", ParentKey: "PROJ-10"},
		},
	}

	b := &Backup{
		ID:        "PROJ-1_20260824T100000_abc",
		EpicKey:   "PROJ-1",
		CreatedAt: time.Now().UTC(),
		Snapshots: []IssueSnapshot{SnapshotOf(issue)},
	}
	if err := db.SaveBackup(b); err != nil {
		t.Fatalf("SaveBackup failed: %v", err)
	}

	got, err := db.GetBackup(b.ID)
	if err != nil {
		t.Fatalf("GetBackup failed: %v", err)
	}
	if got == nil {
		t.Fatal("backup not found")
	}
	if len(got.Snapshots) != 1 || got.SubtaskCount() != 1 {
		t.Fatalf("snapshots = %d, subtasks = %d", len(got.Snapshots), got.SubtaskCount())
	}

	snap := got.Snapshot("PROJ-11")
	if snap == nil {
		t.Fatal("subtask snapshot not found by key")
	}
	if snap.Summary != "Card form" {
		t.Errorf("subtask summary = %q", snap.Summary)
	}
}

func TestLatestAndListBackups(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"b-old", "b-mid", "b-new"} {
		b := &Backup{
			ID:        id,
			EpicKey:   "PROJ-1",
			CreatedAt: time.Now().UTC().Add(time.Duration(i-3) * time.Hour),
		}
		if err := db.SaveBackup(b); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := db.LatestBackup("PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != "b-new" {
		t.Errorf("latest = %v, want b-new", latest)
	}

	all, err := db.ListBackups("PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "b-new" || all[2].ID != "b-old" {
		t.Errorf("list order wrong: %v", all)
	}
}

func TestDeleteBackup(t *testing.T) {
	db := testDB(t)
	b := &Backup{ID: "b-1", EpicKey: "PROJ-1", CreatedAt: time.Now().UTC()}
	if err := db.SaveBackup(b); err != nil {
		t.Fatal(err)
	}

	deleted, err := db.DeleteBackup("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("DeleteBackup reported no deletion")
	}

	deleted, err = db.DeleteBackup("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("second delete reported a deletion")
	}
}
