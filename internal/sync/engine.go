package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JohanCodinha/epicsync/internal/backup"
	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/fingerprint"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/match"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/session"
	"github.com/JohanCodinha/epicsync/internal/store"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// ErrStaleSession is returned by Resume when the source document changed
// since the session was planned. Resuming against a changed document would
// execute a plan the user never previewed.
var ErrStaleSession = errors.New("document changed since session was planned")

// ErrNoResumableSession is returned by Resume when no paused session exists.
var ErrNoResumableSession = errors.New("no resumable session found")

// ConfirmPolicy decides per operation whether to proceed. Skipping is not a
// failure; declined operations are recorded as skipped.
type ConfirmPolicy func(op *plan.Operation) bool

// NoConfirm proceeds unconditionally.
func NoConfirm(*plan.Operation) bool { return true }

// Options configures a sync run.
type Options struct {
	Phases      plan.PhaseSet
	StoryIDs    []domain.StoryID
	Incremental bool
	Match       match.Config
	Conflict    Strategy
	ConflictDir string
	// NoBackup disables the pre-mutation backup.
	NoBackup bool
}

// Engine sequences the phases of one epic's sync: matching, planning,
// backup, execution, resume. The session's cursor and result list are the
// only state mutated during execution, and the engine loop owns them
// exclusively for the duration of one Execute call.
type Engine struct {
	db      *store.DB
	port    tracker.Port
	retryer *tracker.Retryer
	backups *backup.Manager
	opts    Options
}

// NewEngine creates an Engine. backups may be nil when backup is disabled.
func NewEngine(db *store.DB, port tracker.Port, retryer *tracker.Retryer, backups *backup.Manager, opts Options) *Engine {
	if retryer == nil {
		retryer = tracker.NewRetryer(tracker.DefaultRetryPolicy(), nil)
	}
	if opts.Conflict == "" {
		opts.Conflict = StrategyManual
	}
	return &Engine{db: db, port: port, retryer: retryer, backups: backups, opts: opts}
}

// PlanAll builds the full ordered operation list for a document, in document
// order, honoring phase, story, conflict, and incremental filters. Planning
// reads from the tracker but never writes, so a dry-run preview is exactly
// what execute mode will do.
func (e *Engine) PlanAll(ctx context.Context, doc *domain.Document) (*session.Session, error) {
	logger.Debug("sync: planning %s from %s", doc.EpicKey, doc.Path)

	var children []tracker.RemoteIssue
	err := e.retryer.Do(ctx, "fetch epic children", func(ctx context.Context) error {
		var err error
		children, err = e.port.FetchEpicChildren(ctx, doc.EpicKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch children of %s: %w", doc.EpicKey, err)
	}
	logger.Debug("sync: fetched %d remote issues under %s", len(children), doc.EpicKey)

	matcher := match.New(e.opts.Match)
	planner := plan.New(plan.Config{
		Phases:      e.opts.Phases,
		Incremental: e.opts.Incremental,
		StoryIDs:    e.opts.StoryIDs,
	})
	cfg := planner.Config()

	var ops []plan.Operation
	var skips []session.StorySkip
	var matches []session.MatchRecord

	for i := range doc.Stories {
		story := &doc.Stories[i]

		if !cfg.WantsStory(story.ID) {
			skips = append(skips, session.StorySkip{StoryID: story.ID, Reason: "excluded by story filter"})
			continue
		}

		res := matcher.Match(story, children)
		if res.Outcome != match.NoMatch {
			matches = append(matches, session.MatchRecord{StoryID: story.ID, RemoteKey: res.Key, Score: res.Score})
			logger.Debug("sync: story %s matched %s (%s, score %.2f)", story.ID, res.Key, res.Outcome, res.Score)
		}

		skip, err := e.applyConflictPolicy(doc.EpicKey, story, res.Issue)
		if err != nil {
			return nil, err
		}
		if skip != "" {
			skips = append(skips, session.StorySkip{StoryID: story.ID, Reason: skip})
			continue
		}

		var transitions []tracker.Transition
		if res.Outcome != match.NoMatch && cfg.Phases.Has(plan.PhaseStatuses) &&
			story.Status != "" && !strings.EqualFold(strings.TrimSpace(story.Status), strings.TrimSpace(res.Issue.Status)) {
			err := e.retryer.Do(ctx, "fetch transitions", func(ctx context.Context) error {
				var err error
				transitions, err = e.port.GetTransitions(ctx, res.Key)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("failed to fetch transitions for %s: %w", res.Key, err)
			}
		}

		sp := planner.PlanStory(story, res, matcher, transitions)
		if sp.SkipReason != "" {
			skips = append(skips, session.StorySkip{StoryID: story.ID, Reason: sp.SkipReason})
			continue
		}
		ops = append(ops, sp.Operations...)
	}

	sess := session.New(doc.EpicKey, doc.Path, fingerprint.Document(doc), ops, skips, matches)
	logger.Info("sync: planned %d operations for %s (%d stories skipped)", len(ops), doc.EpicKey, len(skips))
	return sess, nil
}

// applyConflictPolicy classifies divergence for a story and returns a skip
// reason when the configured strategy excludes it from planning.
func (e *Engine) applyConflictPolicy(epicKey domain.IssueKey, story *domain.Story, remote *tracker.RemoteIssue) (string, error) {
	switch Detect(story, remote) {
	case RemoteChangedOnly:
		// The document didn't change; pushing would overwrite remote edits
		// the user never saw.
		logger.Warn("sync: %s changed remotely since last sync, skipping (pull or resync to reconcile)", story.ID)
		return "remote changed since last sync", nil
	case BothChanged:
		switch e.opts.Conflict {
		case StrategyPreferLocal:
			logger.Warn("sync: %s changed on both sides, local wins (prefer-local)", story.ID)
			return "", nil
		case StrategyPreferRemote:
			if err := backupConflictLoser(e.opts.ConflictDir, epicKey, story); err != nil {
				logger.Warn("sync: failed to back up local version of %s: %v", story.ID, err)
			}
			return "conflict: remote wins (prefer-remote)", nil
		default:
			logger.Warn("sync: %s changed on both sides and no strategy is configured, skipping", story.ID)
			return "conflict: both changed, manual resolution required", nil
		}
	default:
		return "", nil
	}
}

// Sync runs the full pipeline for one document: plan, backup, execute,
// writeback. In dry-run mode it stops after planning and nothing is
// persisted or mutated.
func (e *Engine) Sync(ctx context.Context, doc *domain.Document, dryRun bool, confirm ConfirmPolicy) (*Report, error) {
	startedAt := time.Now().UTC()

	sess, err := e.PlanAll(ctx, doc)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return buildReport(sess, true, startedAt, nil), nil
	}

	if !e.opts.NoBackup && e.backups != nil && len(sess.Operations) > 0 {
		b, err := e.backups.Capture(ctx, doc.EpicKey, affectedKeys(sess.Operations), doc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create pre-sync backup: %w", err)
		}
		sess.BackupID = b.ID
	}

	if err := e.db.SaveSession(sess); err != nil {
		return nil, err
	}

	report, execErr := e.Execute(ctx, sess, confirm)
	if execErr != nil {
		return report, execErr
	}

	if err := e.writeback(doc, report.session); err != nil {
		logger.Warn("sync: failed to write metadata back to %s: %v", doc.Path, err)
	}

	return report, nil
}

// Execute iterates the plan from the session's cursor, applying each
// operation through the tracker port and persisting the session after every
// outcome, so an interruption loses at most the in-flight operation.
//
// Per-operation failures are recorded and the loop continues; one story's
// failure never blocks independent stories. Auth and connection-fatal
// failures halt the run and leave the session paused for resume.
func (e *Engine) Execute(ctx context.Context, sess *session.Session, confirm ConfirmPolicy) (*Report, error) {
	startedAt := time.Now().UTC()
	if confirm == nil {
		confirm = NoConfirm
	}

	sess.State = session.StateExecuting
	if err := e.db.SaveSession(sess); err != nil {
		return nil, err
	}

	for !sess.Done() {
		// Cancellation happens between operations, never mid-operation.
		if err := ctx.Err(); err != nil {
			return e.pause(sess, startedAt, err)
		}

		op := sess.Current()
		var res plan.Result

		switch {
		case op.Diagnostic != "":
			res = plan.Failed(op, errors.New(op.Diagnostic))
		case !confirm(op):
			res = plan.Skipped(op, "declined by user")
		default:
			var err error
			res, err = e.apply(ctx, sess, op)
			if err != nil && tracker.IsFatal(err) {
				logger.Error("sync: fatal error on %s, halting run: %v", op.ID, err)
				return e.pause(sess, startedAt, err)
			}
		}

		next, err := session.Advance(sess, res)
		if err != nil {
			return nil, err
		}
		sess = next
		if err := e.db.SaveSession(sess); err != nil {
			return nil, err
		}
		logger.Debug("sync: %s -> %s (%d/%d)", op.ID, res.Status, sess.Cursor, len(sess.Operations))
	}

	sess.State = session.StateCompleted
	if err := e.db.SaveSession(sess); err != nil {
		return nil, err
	}

	report := buildReport(sess, false, startedAt, nil)
	report.session = sess
	logger.Info("sync: %s", report.Summary())
	return report, nil
}

// pause persists the session for later resume and reports the fatal cause.
func (e *Engine) pause(sess *session.Session, startedAt time.Time, cause error) (*Report, error) {
	sess.State = session.StatePaused
	if err := e.db.SaveSession(sess); err != nil {
		logger.Error("sync: failed to persist paused session %s: %v", sess.ID, err)
	}
	report := buildReport(sess, false, startedAt, cause)
	report.session = sess
	return report, cause
}

// Resume loads a persisted session and continues execution from its cursor.
// The plan is never re-derived: a resumed run executes exactly the remaining
// operations of the original plan. The current document must still match the
// fingerprint the session was planned against.
func (e *Engine) Resume(ctx context.Context, sessionID string, doc *domain.Document, confirm ConfirmPolicy) (*Report, error) {
	var sess *session.Session
	var err error
	if sessionID != "" {
		sess, err = e.db.GetSession(sessionID)
	} else {
		sess, err = e.db.LatestResumable(doc.EpicKey)
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoResumableSession
	}
	if sess.State == session.StateCompleted {
		return nil, fmt.Errorf("session %s is already complete", sess.ID)
	}

	// Sessions without a document fingerprint were not planned from a
	// document (rollback sessions); they carry no writeback either.
	documentless := sess.DocumentFingerprint == ""
	if !documentless {
		if fp := fingerprint.Document(doc); fp != sess.DocumentFingerprint {
			return nil, fmt.Errorf("cannot resume session %s: %w", sess.ID, ErrStaleSession)
		}
	}

	logger.Info("sync: resuming session %s at operation %d of %d", sess.ID, sess.Cursor+1, len(sess.Operations))

	report, execErr := e.Execute(ctx, sess, confirm)
	if execErr != nil {
		return report, execErr
	}

	if !documentless {
		if err := e.writeback(doc, report.session); err != nil {
			logger.Warn("sync: failed to write metadata back to %s: %v", doc.Path, err)
		}
	}
	return report, nil
}

// apply executes one operation against the tracker, resolving parent keys
// recorded by earlier create outcomes.
func (e *Engine) apply(ctx context.Context, sess *session.Session, op *plan.Operation) (plan.Result, error) {
	switch op.Kind {
	case plan.KindCreateIssue:
		var created *tracker.RemoteIssue
		err := e.retryer.Do(ctx, op.ID, func(ctx context.Context) error {
			var err error
			created, err = e.port.CreateIssue(ctx, sess.EpicKey, tracker.IssueFields{
				Summary:     &op.Payload.Summary,
				Description: &op.Payload.Description,
				Priority:    optional(op.Payload.Priority),
				StoryPoints: optionalFloat(op.Payload.StoryPoints),
				IssueType:   "Story",
			})
			return err
		})
		if err != nil {
			return plan.Failed(op, err), err
		}
		return plan.Applied(op, created.Key), nil

	case plan.KindCreateSubtask:
		parent := op.RemoteKey
		if parent == "" {
			parent = sess.CreatedKey(op.StoryID)
		}
		if parent == "" {
			// The parent create failed or was declined earlier in this run.
			return plan.Skipped(op, "parent issue was not created"), nil
		}
		var created *tracker.RemoteIssue
		err := e.retryer.Do(ctx, op.ID, func(ctx context.Context) error {
			var err error
			created, err = e.port.CreateIssue(ctx, sess.EpicKey, tracker.IssueFields{
				Summary:     &op.Payload.Summary,
				Description: optional(op.Payload.Description),
				StoryPoints: optionalFloat(op.Payload.StoryPoints),
				IssueType:   "Sub-task",
				ParentKey:   parent,
			})
			return err
		})
		if err != nil {
			return plan.Failed(op, err), err
		}
		return plan.Applied(op, created.Key), nil

	case plan.KindUpdateDescription, plan.KindUpdateSubtask:
		err := e.retryer.Do(ctx, op.ID, func(ctx context.Context) error {
			return e.port.UpdateIssue(ctx, op.RemoteKey, tracker.IssueFields{
				Summary:     &op.Payload.Summary,
				Description: &op.Payload.Description,
				Priority:    optional(op.Payload.Priority),
				StoryPoints: optionalFloat(op.Payload.StoryPoints),
			})
		})
		if err != nil {
			return plan.Failed(op, err), err
		}
		return plan.Applied(op, op.RemoteKey), nil

	case plan.KindUpdateStatus:
		err := e.retryer.Do(ctx, op.ID, func(ctx context.Context) error {
			return e.port.Transition(ctx, op.RemoteKey, op.Payload.TransitionID)
		})
		if err != nil {
			return plan.Failed(op, err), err
		}
		return plan.Applied(op, op.RemoteKey), nil

	case plan.KindAddComment:
		key := op.RemoteKey
		if key == "" {
			key = sess.CreatedKey(op.StoryID)
		}
		if key == "" {
			return plan.Skipped(op, "parent issue was not created"), nil
		}
		err := e.retryer.Do(ctx, op.ID, func(ctx context.Context) error {
			return e.port.AddComment(ctx, key, op.Payload.Comment)
		})
		if err != nil {
			return plan.Failed(op, err), err
		}
		return plan.Applied(op, key), nil

	default:
		err := fmt.Errorf("unknown operation kind %q", op.Kind)
		return plan.Failed(op, err), err
	}
}

// writeback records sync metadata on the document after execution: remote
// keys from matches and creates, and fingerprints/timestamps for stories
// whose operations all applied. Pending comments that were pushed are
// cleared.
func (e *Engine) writeback(doc *domain.Document, sess *session.Session) error {
	if sess == nil {
		return nil
	}

	skipped := make(map[domain.StoryID]bool, len(sess.Skips))
	for _, s := range sess.Skips {
		skipped[s.StoryID] = true
	}

	for _, m := range sess.Matches {
		if story := doc.Story(m.StoryID); story != nil && story.RemoteKey == "" {
			story.RemoteKey = m.RemoteKey
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range doc.Stories {
		story := &doc.Stories[i]
		if skipped[story.ID] {
			continue
		}

		allApplied := true
		commentsApplied := true
		hadOps := false
		hadCommentOps := false
		for j := range sess.Operations {
			op := &sess.Operations[j]
			if op.StoryID != story.ID {
				continue
			}
			hadOps = true
			if op.Kind == plan.KindAddComment {
				hadCommentOps = true
			}
			var res *plan.Result
			if j < len(sess.Results) {
				res = &sess.Results[j]
			}
			if res == nil || res.Status != plan.StatusApplied {
				allApplied = false
				if op.Kind == plan.KindAddComment {
					commentsApplied = false
				}
				continue
			}
			switch op.Kind {
			case plan.KindCreateIssue:
				story.RemoteKey = res.RemoteKey
			case plan.KindCreateSubtask:
				if st := story.Subtask(op.SubtaskSeq); st != nil {
					st.RemoteKey = res.RemoteKey
				}
			}
		}

		if !hadOps && story.RemoteKey == "" {
			continue
		}
		if allApplied {
			// Pending comments survive runs that never planned their
			// AddComment ops, e.g. a phase filter excluding comments.
			if hadCommentOps && commentsApplied {
				story.Comments = nil
			}
			story.SyncedFingerprint = fingerprint.Story(story)
			story.RemoteFingerprint = expectedRemoteFingerprint(story)
			story.LastSyncedAt = now
		}
	}

	if doc.Path == "" {
		return nil
	}
	return doc.Save()
}

// affectedKeys collects the distinct remote keys a plan will mutate, for
// the pre-sync backup.
func affectedKeys(ops []plan.Operation) []domain.IssueKey {
	seen := make(map[domain.IssueKey]bool)
	var keys []domain.IssueKey
	for i := range ops {
		k := ops[i].RemoteKey
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}
