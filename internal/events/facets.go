package events

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"whatson/internal/model"
)

// DefaultCollation is the language used to order facet values.
var DefaultCollation = language.BritishEnglish

// DistinctCategories returns the set of non-empty categories in events,
// ordered for display with DefaultCollation.
func DistinctCategories(events []model.Event) []string {
	return DistinctCategoriesIn(events, DefaultCollation)
}

// DistinctCategoriesIn is DistinctCategories with an explicit collation
// language. Values are compared case-sensitively for uniqueness; values
// the collator considers equal fall back to byte order.
func DistinctCategoriesIn(events []model.Event, tag language.Tag) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ev := range events {
		if ev.Category == "" {
			continue
		}
		if _, ok := seen[ev.Category]; ok {
			continue
		}
		seen[ev.Category] = struct{}{}
		out = append(out, ev.Category)
	}

	// Collators carry scratch buffers and are not safe to share.
	c := collate.New(tag)
	sort.SliceStable(out, func(i, j int) bool {
		if n := c.CompareString(out[i], out[j]); n != 0 {
			return n < 0
		}
		return out[i] < out[j]
	})
	return out
}
