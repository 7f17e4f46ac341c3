package plan

import (
	"fmt"
	"strings"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/fingerprint"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/match"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// Config controls plan generation.
type Config struct {
	Phases PhaseSet
	// Incremental skips stories whose fingerprint equals the last-synced
	// fingerprint, emitting no operations.
	Incremental bool
	// StoryIDs restricts planning to the listed stories. Empty means all.
	StoryIDs []domain.StoryID
}

// WantsStory reports whether the config's story filter includes id.
func (c *Config) WantsStory(id domain.StoryID) bool {
	if len(c.StoryIDs) == 0 {
		return true
	}
	for _, want := range c.StoryIDs {
		if want == id {
			return true
		}
	}
	return false
}

// StoryPlan is the planner output for one story: its operations, or the
// reason it contributed none.
type StoryPlan struct {
	StoryID    domain.StoryID
	Operations []Operation
	SkipReason string // set when the story was skipped entirely
}

// Planner turns matched stories into ordered operations. Planning never
// mutates anything: the same inputs always produce the same plan, which is
// what makes dry-run previews trustworthy.
type Planner struct {
	cfg Config
}

// New creates a Planner.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Config returns the planner's configuration.
func (p *Planner) Config() Config { return p.cfg }

// PlanStory produces the operations for one story given its match result.
// transitions are the allowed transitions for the matched remote issue,
// fetched by the caller only when a status change is in play; nil otherwise.
func (p *Planner) PlanStory(story *domain.Story, res match.Result, m *match.Matcher, transitions []tracker.Transition) StoryPlan {
	sp := StoryPlan{StoryID: story.ID}

	if p.cfg.Incremental && story.SyncedFingerprint != "" &&
		fingerprint.Story(story) == story.SyncedFingerprint {
		sp.SkipReason = "unchanged since last sync"
		return sp
	}

	if res.Outcome == match.NoMatch {
		p.planCreate(story, &sp)
		return sp
	}

	p.planUpdate(story, res.Issue, m, transitions, &sp)
	return sp
}

// planCreate emits the create chain for an unmatched story: the issue first,
// then every subtask (subtasks depend on the parent key existing), then any
// pending comments.
func (p *Planner) planCreate(story *domain.Story, sp *StoryPlan) {
	if !p.cfg.Phases.Has(PhaseDescriptions) {
		// Without the create there is no parent for subtasks or comments.
		sp.SkipReason = "new story but descriptions phase not selected"
		return
	}

	sp.Operations = append(sp.Operations, Operation{
		ID:      opID(story.ID, KindCreateIssue, 0),
		Kind:    KindCreateIssue,
		StoryID: story.ID,
		Payload: Payload{
			Summary:     story.Title,
			Description: RenderDescription(story),
			Priority:    story.Priority,
			StoryPoints: story.StoryPoints,
		},
	})

	if p.cfg.Phases.Has(PhaseSubtasks) {
		for i := range story.Subtasks {
			st := &story.Subtasks[i]
			sp.Operations = append(sp.Operations, Operation{
				ID:         opID(story.ID, KindCreateSubtask, st.Sequence),
				Kind:       KindCreateSubtask,
				StoryID:    story.ID,
				SubtaskSeq: st.Sequence,
				Payload: Payload{
					Summary:     st.Title,
					Description: st.Description,
					StoryPoints: st.StoryPoints,
				},
			})
		}
	}

	p.planComments(story, "", sp)
}

// planUpdate diffs a matched story against its remote issue, one operation
// per differing field class.
func (p *Planner) planUpdate(story *domain.Story, remote *tracker.RemoteIssue, m *match.Matcher, transitions []tracker.Transition, sp *StoryPlan) {
	key := remote.Key

	if p.cfg.Phases.Has(PhaseDescriptions) {
		desc := RenderDescription(story)
		if desc != remote.Description || story.Title != remote.Summary {
			sp.Operations = append(sp.Operations, Operation{
				ID:        opID(story.ID, KindUpdateDescription, 0),
				Kind:      KindUpdateDescription,
				StoryID:   story.ID,
				RemoteKey: key,
				Payload: Payload{
					Summary:     story.Title,
					Description: desc,
					Priority:    story.Priority,
					StoryPoints: story.StoryPoints,
				},
			})
		}
	}

	if p.cfg.Phases.Has(PhaseStatuses) && story.Status != "" && !statusEqual(story.Status, remote.Status) {
		sp.Operations = append(sp.Operations, p.planTransition(story, key, remote.Status, transitions))
	}

	if p.cfg.Phases.Has(PhaseSubtasks) {
		p.planSubtasks(story, remote, m, sp)
	}

	p.planComments(story, key, sp)
}

// planTransition plans a status change, or a pre-failed diagnostic operation
// when the tracker's workflow offers no transition to the desired status.
// Dropping the change silently would hide a real divergence from the user.
func (p *Planner) planTransition(story *domain.Story, key domain.IssueKey, current string, transitions []tracker.Transition) Operation {
	op := Operation{
		ID:        opID(story.ID, KindUpdateStatus, 0),
		Kind:      KindUpdateStatus,
		StoryID:   story.ID,
		RemoteKey: key,
		Payload:   Payload{Status: story.Status},
	}

	if t := FindTransition(transitions, story.Status); t != nil {
		op.Payload.TransitionID = t.ID
		return op
	}

	op.Diagnostic = fmt.Sprintf("no allowed transition from %q to %q for %s", current, story.Status, key)
	logger.Warn("plan: %s", op.Diagnostic)
	return op
}

// planSubtasks matches local subtasks to remote sub-issues by position then
// title, emitting creates for new ones and updates for changed ones.
// Remote sub-issues with no local counterpart are left untouched: the sync
// core never deletes.
func (p *Planner) planSubtasks(story *domain.Story, remote *tracker.RemoteIssue, m *match.Matcher, sp *StoryPlan) {
	for i := range story.Subtasks {
		st := &story.Subtasks[i]
		res := m.MatchSubtask(st, i, remote.Subtasks)

		if res.Outcome == match.NoMatch {
			sp.Operations = append(sp.Operations, Operation{
				ID:         opID(story.ID, KindCreateSubtask, st.Sequence),
				Kind:       KindCreateSubtask,
				StoryID:    story.ID,
				SubtaskSeq: st.Sequence,
				RemoteKey:  remote.Key, // parent known for matched stories
				Payload: Payload{
					Summary:     st.Title,
					Description: st.Description,
					StoryPoints: st.StoryPoints,
				},
			})
			continue
		}

		if subtaskDiffers(st, res.Issue) {
			sp.Operations = append(sp.Operations, Operation{
				ID:         opID(story.ID, KindUpdateSubtask, st.Sequence),
				Kind:       KindUpdateSubtask,
				StoryID:    story.ID,
				SubtaskSeq: st.Sequence,
				RemoteKey:  res.Issue.Key,
				Payload: Payload{
					Summary:     st.Title,
					Description: st.Description,
					StoryPoints: st.StoryPoints,
				},
			})
		}
	}
}

// planComments emits one AddComment per locally authored pending comment.
// key is empty for not-yet-created stories; the executor resolves the
// parent's key from the create outcome.
func (p *Planner) planComments(story *domain.Story, key domain.IssueKey, sp *StoryPlan) {
	if !p.cfg.Phases.Has(PhaseComments) {
		return
	}
	for i, text := range story.Comments {
		sp.Operations = append(sp.Operations, Operation{
			ID:        opID(story.ID, KindAddComment, i+1),
			Kind:      KindAddComment,
			StoryID:   story.ID,
			RemoteKey: key,
			Payload:   Payload{Comment: text},
		})
	}
}

// FindTransition returns the transition reaching the desired status, or nil.
func FindTransition(transitions []tracker.Transition, desired string) *tracker.Transition {
	for i := range transitions {
		if statusEqual(transitions[i].To, desired) {
			return &transitions[i]
		}
	}
	return nil
}

func statusEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func subtaskDiffers(st *domain.Subtask, remote *tracker.RemoteIssue) bool {
	return st.Title != remote.Summary ||
		(st.Description != "" && st.Description != remote.Description) ||
		(st.StoryPoints != 0 && st.StoryPoints != remote.StoryPoints)
}

// RenderDescription produces the full description text pushed to the
// tracker: the story narrative plus its acceptance criteria.
func RenderDescription(story *domain.Story) string {
	var b strings.Builder
	b.WriteString(story.Description.Render())
	if len(story.AcceptanceCriteria) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range story.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(ac)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func opID(id domain.StoryID, kind Kind, seq int) string {
	if seq > 0 {
		return fmt.Sprintf("%s/%s/%d", id, kind, seq)
	}
	return fmt.Sprintf("%s/%s", id, kind)
}
