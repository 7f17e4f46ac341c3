// Package sync provides the orchestrator that drives an epic document's
// plan against the issue tracker: planning, backup, execution, resume, and
// conflict detection.
package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/session"
)

// Outcome summarizes a whole run.
type Outcome string

const (
	// OutcomeSuccess means every executed operation applied or was skipped
	// deliberately.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means some operations failed but the run finished.
	OutcomePartial Outcome = "partial"
	// OutcomeFatal means the run halted before the end of the plan.
	OutcomeFatal Outcome = "fatal"
)

// Entry pairs a planned operation with its recorded outcome. Operations not
// yet executed (fatal abort, pause) carry a nil Result.
type Entry struct {
	Operation plan.Operation `json:"operation"`
	Result    *plan.Result   `json:"result,omitempty"`
}

// PhaseCounts aggregates outcomes for one phase.
type PhaseCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Report is the audit record of one run: the full ordered operation/result
// list plus aggregate counts. Produced for every run, partial failures
// included.
type Report struct {
	EpicKey    domain.IssueKey            `json:"epic_key"`
	SessionID  string                     `json:"session_id,omitempty"`
	DryRun     bool                       `json:"dry_run"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Entries    []Entry                    `json:"entries"`
	Skips      []session.StorySkip        `json:"skips,omitempty"`
	Phases     map[plan.Phase]PhaseCounts `json:"phases"`
	Outcome    Outcome                    `json:"outcome"`
	FatalError string                     `json:"fatal_error,omitempty"`

	// session is the final session state, for writeback after execution.
	session *session.Session
}

// buildReport assembles the report for a session, pairing every planned
// operation with its result where one exists.
func buildReport(sess *session.Session, dryRun bool, startedAt time.Time, fatalErr error) *Report {
	r := &Report{
		EpicKey:    sess.EpicKey,
		SessionID:  sess.ID,
		DryRun:     dryRun,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Skips:      sess.Skips,
		Phases:     map[plan.Phase]PhaseCounts{},
	}

	for i := range sess.Operations {
		op := sess.Operations[i]
		entry := Entry{Operation: op}
		if i < len(sess.Results) {
			res := sess.Results[i]
			entry.Result = &res
		}
		r.Entries = append(r.Entries, entry)

		phase := plan.PhaseOf(op.Kind)
		counts := r.Phases[phase]
		switch {
		case entry.Result == nil:
			// Not executed; counted nowhere.
		case entry.Result.Status == plan.StatusApplied:
			if op.Kind == plan.KindCreateIssue || op.Kind == plan.KindCreateSubtask {
				counts.Created++
			} else {
				counts.Updated++
			}
		case entry.Result.Status == plan.StatusSkipped:
			counts.Skipped++
		case entry.Result.Status == plan.StatusFailed:
			counts.Failed++
		}
		r.Phases[phase] = counts
	}

	switch {
	case fatalErr != nil:
		r.Outcome = OutcomeFatal
		r.FatalError = fatalErr.Error()
	case r.failedCount() > 0:
		r.Outcome = OutcomePartial
	default:
		r.Outcome = OutcomeSuccess
	}

	return r
}

func (r *Report) failedCount() int {
	n := 0
	for _, c := range r.Phases {
		n += c.Failed
	}
	return n
}

// Err maps the outcome onto a process-level error, so callers can exit
// non-zero on partial failure. Fatal aborts already surface their cause from
// Execute; full success and dry-run return nil.
func (r *Report) Err() error {
	if r.Outcome != OutcomePartial {
		return nil
	}
	c := r.Counts()
	return fmt.Errorf("sync of %s partially failed: %d of %d operations failed", r.EpicKey, c.Failed, len(r.Entries))
}

// Counts returns totals across all phases.
func (r *Report) Counts() PhaseCounts {
	var total PhaseCounts
	for _, c := range r.Phases {
		total.Created += c.Created
		total.Updated += c.Updated
		total.Skipped += c.Skipped
		total.Failed += c.Failed
	}
	return total
}

// WriteJSON exports the report to a file for downstream tooling.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Summary returns a one-line human summary.
func (r *Report) Summary() string {
	c := r.Counts()
	mode := "sync"
	if r.DryRun {
		mode = "dry-run"
	}
	return fmt.Sprintf("%s %s: %d created, %d updated, %d skipped, %d failed (%s)",
		mode, r.EpicKey, c.Created, c.Updated, c.Skipped, c.Failed, r.Outcome)
}
