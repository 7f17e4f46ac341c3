package plan

import (
	"fmt"
	"strings"
)

// Phase selects which classes of operations a run generates.
type Phase string

const (
	PhaseDescriptions Phase = "descriptions"
	PhaseSubtasks     Phase = "subtasks"
	PhaseComments     Phase = "comments"
	PhaseStatuses     Phase = "statuses"
)

// PhaseSet is the set of enabled phases. The empty set means all phases.
type PhaseSet map[Phase]bool

// AllPhases returns a set with every phase enabled.
func AllPhases() PhaseSet {
	return PhaseSet{PhaseDescriptions: true, PhaseSubtasks: true, PhaseComments: true, PhaseStatuses: true}
}

// ParsePhases parses a comma-separated phase list. "all" or an empty string
// yields every phase.
func ParsePhases(s string) (PhaseSet, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return AllPhases(), nil
	}

	set := PhaseSet{}
	for _, part := range strings.Split(s, ",") {
		switch Phase(strings.TrimSpace(part)) {
		case PhaseDescriptions:
			set[PhaseDescriptions] = true
		case PhaseSubtasks:
			set[PhaseSubtasks] = true
		case PhaseComments:
			set[PhaseComments] = true
		case PhaseStatuses:
			set[PhaseStatuses] = true
		default:
			return nil, fmt.Errorf("unknown phase %q: valid phases are descriptions, subtasks, comments, statuses, all", part)
		}
	}
	return set, nil
}

// Has reports whether a phase is enabled. An empty set enables everything.
func (ps PhaseSet) Has(p Phase) bool {
	if len(ps) == 0 {
		return true
	}
	return ps[p]
}

// PhaseOf maps an operation kind to the phase that generates it. Creates
// belong to descriptions: a new story's issue is its description.
func PhaseOf(kind Kind) Phase {
	switch kind {
	case KindCreateIssue, KindUpdateDescription:
		return PhaseDescriptions
	case KindCreateSubtask, KindUpdateSubtask:
		return PhaseSubtasks
	case KindAddComment:
		return PhaseComments
	case KindUpdateStatus:
		return PhaseStatuses
	default:
		return PhaseDescriptions
	}
}
