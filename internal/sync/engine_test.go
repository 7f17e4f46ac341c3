package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/fingerprint"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/session"
	"github.com/JohanCodinha/epicsync/internal/store"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// fakePort is an in-memory tracker for engine tests.
type fakePort struct {
	mu      sync.Mutex
	issues  map[domain.IssueKey]*tracker.RemoteIssue
	epics   map[domain.IssueKey][]domain.IssueKey
	workflow map[domain.IssueKey][]tracker.Transition
	nextNum int

	// failOn maps an issue summary or key to the error its operation returns.
	failOn map[string]error
	calls  []string
}

func newFakePort() *fakePort {
	return &fakePort{
		issues:   make(map[domain.IssueKey]*tracker.RemoteIssue),
		epics:    make(map[domain.IssueKey][]domain.IssueKey),
		workflow: make(map[domain.IssueKey][]tracker.Transition),
		failOn:   make(map[string]error),
		nextNum:  100,
	}
}

func (f *fakePort) add(epicKey domain.IssueKey, issue tracker.RemoteIssue) {
	f.issues[issue.Key] = &issue
	f.epics[epicKey] = append(f.epics[epicKey], issue.Key)
}

func (f *fakePort) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakePort) FetchEpicChildren(ctx context.Context, epicKey domain.IssueKey) ([]tracker.RemoteIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["fetch"]; err != nil {
		return nil, err
	}
	var out []tracker.RemoteIssue
	for _, key := range f.epics[epicKey] {
		out = append(out, *f.issues[key])
	}
	return out, nil
}

func (f *fakePort) GetIssue(ctx context.Context, key domain.IssueKey) (*tracker.RemoteIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[key]
	if !ok {
		return nil, tracker.NewError(tracker.KindNotFound, key, errors.New("no such issue"))
	}
	cp := *issue
	return &cp, nil
}

func (f *fakePort) CreateIssue(ctx context.Context, epicKey domain.IssueKey, fields tracker.IssueFields) (*tracker.RemoteIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	summary := ""
	if fields.Summary != nil {
		summary = *fields.Summary
	}
	f.record("create %q", summary)
	if err := f.failOn[summary]; err != nil {
		return nil, err
	}

	issue := &tracker.RemoteIssue{
		Key:       domain.IssueKey(fmt.Sprintf("%s-%d", epicKey.Project(), f.nextNum)),
		Summary:   summary,
		Status:    "To Do",
		IssueType: fields.IssueType,
		ParentKey: fields.ParentKey,
		CreatedAt: time.Now().UTC(),
	}
	f.nextNum++
	if fields.Description != nil {
		issue.Description = *fields.Description
	}
	if fields.StoryPoints != nil {
		issue.StoryPoints = *fields.StoryPoints
	}
	f.issues[issue.Key] = issue

	if fields.ParentKey != "" {
		if parent, ok := f.issues[fields.ParentKey]; ok {
			parent.Subtasks = append(parent.Subtasks, *issue)
		}
	} else {
		f.epics[epicKey] = append(f.epics[epicKey], issue.Key)
	}
	return issue, nil
}

func (f *fakePort) UpdateIssue(ctx context.Context, key domain.IssueKey, fields tracker.IssueFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update %s", key)
	if err := f.failOn[string(key)]; err != nil {
		return err
	}

	issue, ok := f.issues[key]
	if !ok {
		return tracker.NewError(tracker.KindNotFound, key, errors.New("no such issue"))
	}
	if fields.Summary != nil {
		issue.Summary = *fields.Summary
	}
	if fields.Description != nil {
		issue.Description = *fields.Description
	}
	if fields.Priority != nil {
		issue.Priority = *fields.Priority
	}
	if fields.StoryPoints != nil {
		issue.StoryPoints = *fields.StoryPoints
	}
	return nil
}

func (f *fakePort) GetTransitions(ctx context.Context, key domain.IssueKey) ([]tracker.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflow[key], nil
}

func (f *fakePort) Transition(ctx context.Context, key domain.IssueKey, transitionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("transition %s via %s", key, transitionID)
	issue, ok := f.issues[key]
	if !ok {
		return tracker.NewError(tracker.KindNotFound, key, errors.New("no such issue"))
	}
	for _, t := range f.workflow[key] {
		if t.ID == transitionID {
			issue.Status = t.To
			return nil
		}
	}
	return tracker.NewError(tracker.KindValidation, key, errors.New("transition is not valid"))
}

func (f *fakePort) AddComment(ctx context.Context, key domain.IssueKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("comment %s: %s", key, text)
	if err := f.failOn["comment:"+string(key)]; err != nil {
		return err
	}
	if _, ok := f.issues[key]; !ok {
		return tracker.NewError(tracker.KindNotFound, key, errors.New("no such issue"))
	}
	return nil
}

func fatalAuthErr() error {
	return tracker.NewError(tracker.KindAuth, "", errors.New("token expired"))
}

func fastRetryer() *tracker.Retryer {
	policy := tracker.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, CallTimeout: time.Second}
	return tracker.NewRetryer(policy, nil)
}

func testEngine(t *testing.T, port *fakePort, opts Options) (*Engine, *store.DB) {
	t.Helper()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEngine(db, port, fastRetryer(), nil, opts), db
}

func testDoc() *domain.Document {
	return &domain.Document{
		EpicKey: "PROJ-1",
		Stories: []domain.Story{
			{
				ID:          "US-001",
				Title:       "Pay by card",
				Description: domain.Description{Role: "shopper", Want: "to pay by card", Benefit: "I can order"},
				Subtasks: []domain.Subtask{
					{Sequence: 1, Title: "Card form"},
					{Sequence: 2, Title: "Charge API"},
				},
			},
			{
				ID:          "US-002",
				Title:       "Refund an order",
				Description: domain.Description{Role: "shopper", Want: "a refund", Benefit: "I can shop confidently"},
			},
		},
	}
}

func TestSyncCreatesEverything(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	c := report.Counts()
	// 2 issues + 2 subtasks created.
	if c.Created != 4 || c.Failed != 0 {
		t.Fatalf("created/failed = %d/%d, want 4/0: %s", c.Created, c.Failed, report.Summary())
	}
	if report.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s", report.Outcome)
	}

	// Writeback recorded the created keys on the document.
	if doc.Stories[0].RemoteKey == "" || doc.Stories[1].RemoteKey == "" {
		t.Error("remote keys not written back to stories")
	}
	if doc.Stories[0].Subtasks[0].RemoteKey == "" {
		t.Error("remote key not written back to subtask")
	}
	if doc.Stories[0].SyncedFingerprint != fingerprint.Story(&doc.Stories[0]) {
		t.Error("synced fingerprint not recorded")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	doc := testDoc()
	if _, err := engine.Sync(context.Background(), doc, false, NoConfirm); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	c := report.Counts()
	if c.Created != 0 || c.Updated != 0 {
		t.Errorf("second sync changed things: %s", report.Summary())
	}
}

func TestDryRunChangesNothing(t *testing.T) {
	port := newFakePort()
	engine, db := testEngine(t, port, Options{})

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, true, NoConfirm)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	if !report.DryRun {
		t.Error("report not marked dry-run")
	}
	if len(report.Entries) != 4 {
		t.Errorf("got %d planned entries, want 4", len(report.Entries))
	}
	for _, entry := range report.Entries {
		if entry.Result != nil {
			t.Errorf("dry-run executed %s", entry.Operation.ID)
		}
	}
	if len(port.calls) != 0 {
		t.Errorf("dry-run touched the tracker: %v", port.calls)
	}
	if doc.Stories[0].RemoteKey != "" {
		t.Error("dry-run wrote back metadata")
	}
	// Dry-run sessions are never persisted.
	sessions, err := db.ListSessions("PROJ-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("dry-run persisted %d sessions", len(sessions))
	}
}

func TestPartialFailureContinues(t *testing.T) {
	port := newFakePort()
	// The second story's create fails non-fatally; everything else proceeds.
	port.failOn["Refund an order"] = tracker.NewError(tracker.KindValidation, "", errors.New("field rejected"))
	engine, db := testEngine(t, port, Options{})

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync returned fatal error for non-fatal failure: %v", err)
	}

	c := report.Counts()
	if c.Created != 3 {
		t.Errorf("created = %d, want 3", c.Created)
	}
	if c.Failed != 1 {
		t.Errorf("failed = %d, want 1", c.Failed)
	}
	if report.Outcome != OutcomePartial {
		t.Errorf("outcome = %s, want partial", report.Outcome)
	}

	// The failed story carries no writeback metadata; the successful one does.
	if doc.Stories[1].RemoteKey != "" || doc.Stories[1].SyncedFingerprint != "" {
		t.Error("failed story received writeback metadata")
	}
	if doc.Stories[0].RemoteKey == "" {
		t.Error("successful story missing writeback metadata")
	}

	// Session completed despite the failure.
	got, err := db.GetSession(report.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.StateCompleted {
		t.Errorf("session state = %s, want completed", got.State)
	}
}

func TestFatalErrorHaltsAndPauses(t *testing.T) {
	port := newFakePort()
	port.failOn["Refund an order"] = tracker.NewError(tracker.KindAuth, "", errors.New("token expired"))
	engine, db := testEngine(t, port, Options{})

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if !tracker.IsFatal(err) {
		t.Errorf("returned error not classified fatal: %v", err)
	}
	if report == nil {
		t.Fatal("no report on fatal halt")
	}
	if report.Outcome != OutcomeFatal {
		t.Errorf("outcome = %s, want fatal", report.Outcome)
	}

	sess, err := db.GetSession(report.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != session.StatePaused {
		t.Fatalf("session state = %s, want paused", sess.State)
	}
	// The failing operation was not advanced past: resume retries it.
	if sess.Current() == nil || sess.Current().Payload.Summary != "Refund an order" {
		t.Errorf("cursor advanced past the fatal operation: cursor %d", sess.Cursor)
	}
}

func TestResumeCompletesRemainder(t *testing.T) {
	port := newFakePort()
	port.failOn["Refund an order"] = tracker.NewError(tracker.KindAuth, "", errors.New("token expired"))
	engine, db := testEngine(t, port, Options{})

	doc := testDoc()
	_, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err == nil {
		t.Fatal("expected fatal error on first run")
	}
	applied := len(port.calls)

	// Credentials fixed; resume picks up from the cursor.
	port.mu.Lock()
	delete(port.failOn, "Refund an order")
	port.mu.Unlock()

	report, err := engine.Resume(context.Background(), "", doc, NoConfirm)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s: %s", report.Outcome, report.Summary())
	}

	// Already-applied operations were not repeated.
	var repeats int
	for _, call := range port.calls[applied:] {
		if call == `create "Pay by card"` {
			repeats++
		}
	}
	if repeats != 0 {
		t.Errorf("resume repeated %d applied creates", repeats)
	}

	sess, err := db.GetSession(report.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != session.StateCompleted {
		t.Errorf("session state = %s, want completed", sess.State)
	}
}

func TestResumeRejectsChangedDocument(t *testing.T) {
	port := newFakePort()
	port.failOn["Refund an order"] = tracker.NewError(tracker.KindAuth, "", errors.New("token expired"))
	engine, _ := testEngine(t, port, Options{})

	doc := testDoc()
	if _, err := engine.Sync(context.Background(), doc, false, NoConfirm); err == nil {
		t.Fatal("expected fatal error on first run")
	}

	doc.Stories[1].Title = "Refund an order quickly"
	_, err := engine.Resume(context.Background(), "", doc, NoConfirm)
	if !errors.Is(err, ErrStaleSession) {
		t.Errorf("err = %v, want ErrStaleSession", err)
	}
}

func TestResumeWithoutSession(t *testing.T) {
	engine, _ := testEngine(t, newFakePort(), Options{})
	_, err := engine.Resume(context.Background(), "", testDoc(), NoConfirm)
	if !errors.Is(err, ErrNoResumableSession) {
		t.Errorf("err = %v, want ErrNoResumableSession", err)
	}
}

func TestDeclinedOperationsAreSkipped(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	decline := func(op *plan.Operation) bool {
		return op.Kind != plan.KindCreateIssue || op.StoryID != "US-002"
	}

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, false, decline)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	c := report.Counts()
	if c.Created != 3 || c.Skipped != 1 {
		t.Errorf("created/skipped = %d/%d, want 3/1", c.Created, c.Skipped)
	}
}

func TestSubtaskSkippedWhenParentCreateFails(t *testing.T) {
	port := newFakePort()
	port.failOn["Pay by card"] = tracker.NewError(tracker.KindValidation, "", errors.New("rejected"))
	engine, _ := testEngine(t, port, Options{})

	doc := testDoc()
	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	c := report.Counts()
	if c.Failed != 1 {
		t.Errorf("failed = %d, want 1", c.Failed)
	}
	// Both subtasks of the failed story were skipped, not attempted.
	if c.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", c.Skipped)
	}
	for _, call := range port.calls {
		if call == `create "Card form"` || call == `create "Charge API"` {
			t.Errorf("orphan subtask was created: %s", call)
		}
	}
}

func TestCancellationPausesBetweenOperations(t *testing.T) {
	port := newFakePort()
	engine, db := testEngine(t, port, Options{})

	doc := testDoc()
	sess, err := engine.PlanAll(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	confirm := func(op *plan.Operation) bool {
		n++
		if n == 2 {
			cancel()
		}
		return true
	}

	_, execErr := engine.Execute(ctx, sess, confirm)
	if !errors.Is(execErr, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", execErr)
	}

	got, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.StatePaused {
		t.Errorf("session state = %s, want paused", got.State)
	}
	if got.Cursor == 0 || got.Done() {
		t.Errorf("cursor = %d of %d", got.Cursor, len(got.Operations))
	}
}

func TestPendingCommentsPushedOnceAndCleared(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	doc := testDoc()
	doc.Stories[1].Comments = []string{"waiting on legal"}

	if _, err := engine.Sync(context.Background(), doc, false, NoConfirm); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(doc.Stories[1].Comments) != 0 {
		t.Error("pushed comments were not cleared")
	}

	commented := 0
	for _, call := range port.calls {
		if len(call) >= 7 && call[:7] == "comment" {
			commented++
		}
	}
	if commented != 1 {
		t.Errorf("comment pushed %d times, want 1", commented)
	}
}

func TestPendingCommentsSurviveExcludedPhase(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{Phases: plan.PhaseSet{plan.PhaseDescriptions: true}})

	doc := testDoc()
	doc.Stories[1].Comments = []string{"waiting on legal"}

	report, err := engine.Sync(context.Background(), doc, false, NoConfirm)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if c := report.Counts(); c.Failed != 0 {
		t.Fatalf("run had failures: %s", report.Summary())
	}

	// The comments phase was excluded, so nothing was pushed and the
	// pending comment must still be on the document.
	for _, call := range port.calls {
		if len(call) >= 7 && call[:7] == "comment" {
			t.Errorf("comment pushed outside its phase: %s", call)
		}
	}
	if len(doc.Stories[1].Comments) != 1 {
		t.Error("pending comment was dropped without being pushed")
	}

	// The rest of the writeback still happened for the applied create.
	if doc.Stories[1].RemoteKey == "" {
		t.Error("remote key not written back")
	}
}

func TestResumeDocumentlessSession(t *testing.T) {
	port := newFakePort()
	port.add("PROJ-1", tracker.RemoteIssue{Key: "PROJ-10", Summary: "Pay by card v2"})
	port.add("PROJ-1", tracker.RemoteIssue{Key: "PROJ-11", Summary: "Refund v2"})
	port.failOn["PROJ-11"] = fatalAuthErr()
	engine, db := testEngine(t, port, Options{})

	// A restore session is planned from a backup, not a document: no path,
	// no fingerprint.
	ops := []plan.Operation{
		{ID: "PROJ-10/restore_fields", Kind: plan.KindUpdateDescription, StoryID: "restore/PROJ-10", RemoteKey: "PROJ-10", Payload: plan.Payload{Summary: "Pay by card"}},
		{ID: "PROJ-11/restore_fields", Kind: plan.KindUpdateDescription, StoryID: "restore/PROJ-11", RemoteKey: "PROJ-11", Payload: plan.Payload{Summary: "Refund an order"}},
	}
	sess := session.New("PROJ-1", "", "", ops, nil, nil)
	if err := db.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Execute(context.Background(), sess, NoConfirm); err == nil {
		t.Fatal("expected fatal error on first run")
	}

	port.mu.Lock()
	delete(port.failOn, "PROJ-11")
	port.mu.Unlock()

	// The current document does not match the session's (empty) fingerprint,
	// and must not be required to.
	doc := testDoc()
	report, err := engine.Resume(context.Background(), "", doc, NoConfirm)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s: %s", report.Outcome, report.Summary())
	}
	if got := port.issues["PROJ-11"].Summary; got != "Refund an order" {
		t.Errorf("summary = %q, restore not applied", got)
	}

	// Document-less sessions carry no writeback.
	if doc.Stories[0].RemoteKey != "" || doc.Stories[0].LastSyncedAt != "" {
		t.Error("resume of a restore session wrote metadata to the document")
	}
}
