// Package retention decides which tags a policy rule would delete.
package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/registry"
)

// Evaluate returns the names of tags that rule marks for deletion, sorted
// by name. tags is not modified. A nil or unknown rule selects nothing.
//
// NumberOfTags(n) keeps the n newest tags by creation time, ties broken by
// name ascending. CreationDate(d) deletes tags created strictly before now-d.
func Evaluate(rule policy.Rule, tags []registry.Tag, now time.Time) []string {
	switch r := rule.(type) {
	case policy.NumberOfTags:
		return keepNewest(r.Count, tags)
	case policy.CreationDate:
		return olderThan(now.Add(-r.Period.Duration()), tags)
	default:
		// Deleting nothing is the only safe answer for a rule we cannot read.
		logging.Global().Named("retention").Warnf("unknown rule, selecting no tags", map[string]any{
			"rule": fmt.Sprintf("%T", rule),
		})
		return nil
	}
}

func keepNewest(n int, tags []registry.Tag) []string {
	if len(tags) <= n {
		return nil
	}
	sorted := make([]registry.Tag, len(tags))
	copy(sorted, tags)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].Name < sorted[j].Name
	})

	out := make([]string, 0, len(sorted)-n)
	for _, t := range sorted[n:] {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

func olderThan(cutoff time.Time, tags []registry.Tag) []string {
	var out []string
	for _, t := range tags {
		if t.CreatedAt.Before(cutoff) {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Union merges delete sets into one sorted set without duplicates.
func Union(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, name := range set {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
