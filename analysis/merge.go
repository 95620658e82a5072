package analysis

import (
	"strings"

	"golang.org/x/text/width"
)

// noneMarkers are scalar values the model uses to say "nothing mentioned".
var noneMarkers = map[string]struct{}{
	"":     {},
	"无":    {},
	"暂无":   {},
	"none": {},
	"n/a":  {},
	"null": {},
	"-":    {},
}

// IsNone reports whether s carries no information (empty or a none marker).
// Full-width forms fold to their narrow equivalents before comparison.
func IsNone(s string) bool {
	s = strings.ToLower(width.Fold.String(trim(s)))
	_, ok := noneMarkers[s]
	return ok
}

// Merge folds partial into acc and returns the new accumulated result.
// Lists keep first-seen order and skip duplicates; scalars take the partial value
// unless it is a none marker. Neither argument is modified.
func Merge(acc, partial Result) Result {
	return Result{
		HotWords:        mergeList(acc.HotWords, partial.HotWords),
		Mood:            mergeScalar(acc.Mood, partial.Mood),
		HealthNotes:     mergeList(acc.HealthNotes, partial.HealthNotes),
		EconomicSummary: mergeScalar(acc.EconomicSummary, partial.EconomicSummary),
		ShoppingNeeds:   mergeList(acc.ShoppingNeeds, partial.ShoppingNeeds),
	}
}

func mergeList(acc, add []string) []string {
	out := make([]string, 0, len(acc)+len(add))
	seen := make(map[string]struct{}, len(acc)+len(add))
	for _, s := range acc {
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range add {
		s = trim(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func mergeScalar(acc, next string) string {
	if IsNone(next) {
		return acc
	}
	return trim(next)
}

func trim(s string) string { return strings.TrimSpace(s) }
