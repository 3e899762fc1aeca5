package domain

import "strings"

// AllPausedGroup is the reserved paused-group marker meaning "future groups
// are paused by default".
const AllPausedGroup = "<ALL_PAUSED>"

// MatchOp selects how a GroupMatcher compares group names.
type MatchOp int

const (
	MatchEquals MatchOp = iota
	MatchStartsWith
	MatchEndsWith
	MatchContains
	MatchAnything
)

// GroupMatcher selects job or trigger groups by name.
type GroupMatcher struct {
	Op    MatchOp
	Value string
}

func GroupEquals(group string) GroupMatcher {
	return GroupMatcher{Op: MatchEquals, Value: group}
}

func GroupStartsWith(prefix string) GroupMatcher {
	return GroupMatcher{Op: MatchStartsWith, Value: prefix}
}

func GroupEndsWith(suffix string) GroupMatcher {
	return GroupMatcher{Op: MatchEndsWith, Value: suffix}
}

func GroupContains(sub string) GroupMatcher {
	return GroupMatcher{Op: MatchContains, Value: sub}
}

func AnyGroup() GroupMatcher {
	return GroupMatcher{Op: MatchAnything}
}

// Matches reports whether the matcher selects the given group name.
func (m GroupMatcher) Matches(group string) bool {
	switch m.Op {
	case MatchEquals:
		return group == m.Value
	case MatchStartsWith:
		return strings.HasPrefix(group, m.Value)
	case MatchEndsWith:
		return strings.HasSuffix(group, m.Value)
	case MatchContains:
		return strings.Contains(group, m.Value)
	default:
		return true
	}
}
