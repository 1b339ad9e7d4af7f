package risk

import (
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

// SortedStrings returns the members of s in ascending order. A nil set yields nil.
func SortedStrings(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// SortedRoles returns the members of s in ascending order.
func SortedRoles(s mapset.Set[Role]) []Role {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LevelFor buckets a score value using the given medium and high thresholds.
func LevelFor(value, medium, high float64) RiskLevel {
	switch {
	case value >= high:
		return LevelHigh
	case value >= medium:
		return LevelMedium
	default:
		return LevelLow
	}
}
