package events

import (
	"reflect"
	"testing"

	"golang.org/x/text/collate"

	"whatson/internal/model"
)

func cats(names ...string) []model.Event {
	out := make([]model.Event, 0, len(names))
	for _, n := range names {
		out = append(out, model.Event{Category: n})
	}
	return out
}

func TestDistinctCategories(t *testing.T) {
	got := DistinctCategories(cats("Theatre", "Family", "", "Quiz", "Family", "Theatre"))
	want := []string{"Family", "Quiz", "Theatre"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DistinctCategories() = %v, want %v", got, want)
	}
}

func TestDistinctCategoriesLocaleOrder(t *testing.T) {
	// Byte order would put "Éire Nights" after every ASCII value.
	got := DistinctCategories(cats("Folk", "Éire Nights", "Dance"))
	want := []string{"Dance", "Éire Nights", "Folk"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DistinctCategories() = %v, want %v", got, want)
	}
}

func TestDistinctCategoriesSortedAndUnique(t *testing.T) {
	in := cats("music", "Music", "Live Music", "Quiz", "quiz", "Markets", "Music", "Traditional Music", "live music")
	got := DistinctCategories(in)

	seen := map[string]bool{}
	for _, c := range got {
		if seen[c] {
			t.Fatalf("duplicate %q in %v", c, got)
		}
		seen[c] = true
	}
	if len(got) != 7 {
		t.Fatalf("got %d categories, want 7 (case-sensitive set): %v", len(got), got)
	}

	c := collate.New(DefaultCollation)
	for i := 1; i < len(got); i++ {
		if c.CompareString(got[i-1], got[i]) > 0 {
			t.Errorf("%q sorted before %q", got[i-1], got[i])
		}
	}

	again := DistinctCategories(in)
	if !reflect.DeepEqual(got, again) {
		t.Errorf("ordering not stable: %v vs %v", got, again)
	}
}

func TestDistinctCategoriesEmpty(t *testing.T) {
	if got := DistinctCategories(nil); len(got) != 0 {
		t.Errorf("DistinctCategories(nil) = %v, want empty", got)
	}
}
