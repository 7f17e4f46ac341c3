// Package match resolves local stories and subtasks to remote issues using
// key-based and fuzzy-title matching.
package match

import (
	"sort"
	"strings"
	"unicode"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

// DefaultThreshold is the minimum normalized title similarity accepted as a
// fuzzy match. Configurable; tests treat it as a parameter.
const DefaultThreshold = 0.8

// Config controls matching behavior.
type Config struct {
	// Threshold is the minimum similarity score (0..1) for a fuzzy match.
	Threshold float64
}

// DefaultConfig returns the standard matcher configuration.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold}
}

// Outcome discriminates the result of matching one story.
type Outcome int

const (
	// NoMatch means no remote candidate matched; a create is needed.
	NoMatch Outcome = iota
	// ExactKey means the story's recorded remote key exists remotely.
	ExactKey
	// FuzzyTitle means a title-similarity match above the threshold.
	FuzzyTitle
)

// String returns the string representation of an outcome.
func (o Outcome) String() string {
	switch o {
	case ExactKey:
		return "exact_key"
	case FuzzyTitle:
		return "fuzzy_title"
	default:
		return "no_match"
	}
}

// Result is the outcome of matching one story against the candidate pool.
type Result struct {
	Outcome Outcome
	Key     domain.IssueKey
	Score   float64 // similarity score for fuzzy matches
	Issue   *tracker.RemoteIssue
}

// Matcher assigns remote issues to stories. A remote issue claimed by one
// story leaves the pool, so no issue is ever matched twice in a run.
type Matcher struct {
	cfg     Config
	claimed map[domain.IssueKey]bool
}

// New creates a Matcher. A zero threshold gets the default.
func New(cfg Config) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Matcher{cfg: cfg, claimed: make(map[domain.IssueKey]bool)}
}

// Match resolves a story to zero-or-one remote issue from candidates.
// Key matches win outright; otherwise the highest-scoring unclaimed
// candidate above the threshold is taken, ties broken by earliest remote
// creation time and then key order for determinism.
func (m *Matcher) Match(story *domain.Story, candidates []tracker.RemoteIssue) Result {
	// Recorded remote key takes priority: no comparison needed.
	if story.RemoteKey != "" {
		for i := range candidates {
			c := &candidates[i]
			if c.Key == story.RemoteKey && !m.claimed[c.Key] {
				m.claimed[c.Key] = true
				return Result{Outcome: ExactKey, Key: c.Key, Score: 1, Issue: c}
			}
		}
		logger.Warn("match: story %s records remote key %s but it is not among the epic children",
			story.ID, story.RemoteKey)
	}

	best := m.bestByTitle(story.Title, candidates)
	if best == nil {
		return Result{Outcome: NoMatch}
	}

	m.claimed[best.issue.Key] = true
	return Result{Outcome: FuzzyTitle, Key: best.issue.Key, Score: best.score, Issue: best.issue}
}

// MatchSubtask resolves a local subtask against the remote sub-issues of its
// parent, position first, then the same title rule as story matching.
func (m *Matcher) MatchSubtask(st *domain.Subtask, position int, remote []tracker.RemoteIssue) Result {
	if st.RemoteKey != "" {
		for i := range remote {
			c := &remote[i]
			if c.Key == st.RemoteKey && !m.claimed[c.Key] {
				m.claimed[c.Key] = true
				return Result{Outcome: ExactKey, Key: c.Key, Score: 1, Issue: c}
			}
		}
	}

	// Position heuristic: same slot with a plausibly similar title.
	if position >= 0 && position < len(remote) {
		c := &remote[position]
		if !m.claimed[c.Key] {
			if score := Similarity(st.Title, c.Summary); score >= m.cfg.Threshold {
				m.claimed[c.Key] = true
				return Result{Outcome: FuzzyTitle, Key: c.Key, Score: score, Issue: c}
			}
		}
	}

	best := m.bestByTitle(st.Title, remote)
	if best == nil {
		return Result{Outcome: NoMatch}
	}

	m.claimed[best.issue.Key] = true
	return Result{Outcome: FuzzyTitle, Key: best.issue.Key, Score: best.score, Issue: best.issue}
}

type scored struct {
	issue *tracker.RemoteIssue
	score float64
}

func (m *Matcher) bestByTitle(title string, candidates []tracker.RemoteIssue) *scored {
	var matches []scored
	for i := range candidates {
		c := &candidates[i]
		if m.claimed[c.Key] {
			continue
		}
		score := Similarity(title, c.Summary)
		if score >= m.cfg.Threshold {
			matches = append(matches, scored{issue: c, score: score})
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if !matches[i].issue.CreatedAt.Equal(matches[j].issue.CreatedAt) {
			return matches[i].issue.CreatedAt.Before(matches[j].issue.CreatedAt)
		}
		return matches[i].issue.Key < matches[j].issue.Key
	})
	return &matches[0]
}

// Normalize lowercases a title, collapses whitespace, and strips punctuation
// so comparison ignores formatting noise.
func Normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// Punctuation is dropped entirely.
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Similarity returns a normalized 0..1 similarity score between two titles:
// 1 minus the Levenshtein distance over the longer normalized length.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	longer := len(na)
	if len(nb) > longer {
		longer = len(nb)
	}
	return 1 - float64(levenshtein(na, nb))/float64(longer)
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming form.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			ins := curr[j-1] + 1
			del := prev[j] + 1
			sub := prev[j-1] + cost
			min := ins
			if del < min {
				min = del
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
