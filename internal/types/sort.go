package types

import (
	"sort"
	"strconv"
	"strings"
)

// CompareBugIDs orders source bug identifiers. Purely numeric identifiers
// compare numerically; anything else falls back to byte order, with numeric
// identifiers sorting first.
func CompareBugIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// SortBugs sorts bugs in ascending identifier order.
func SortBugs(bugs []SourceBug) {
	sort.SliceStable(bugs, func(i, j int) bool {
		return CompareBugIDs(bugs[i].ID, bugs[j].ID) < 0
	})
}
