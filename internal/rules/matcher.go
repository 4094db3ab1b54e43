package rules

import "sort"

// Match returns the active rules that accept p, best first: priority
// descending, then creation order ascending. The input slice is not modified.
func Match(p Profile, candidates []Rule) []Rule {
	matched := make([]Rule, 0, len(candidates))
	for i := range candidates {
		if candidates[i].Matches(p) {
			matched = append(matched, candidates[i])
		}
	}
	Sort(matched)
	return matched
}

// Select returns the winning rule for p.
func Select(p Profile, candidates []Rule) (Rule, bool) {
	matched := Match(p, candidates)
	if len(matched) == 0 {
		return Rule{}, false
	}
	return matched[0], true
}

// Sort orders rules by priority descending, then sequence, creation time and id ascending.
func Sort(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
