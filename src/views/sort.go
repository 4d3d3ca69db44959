package views

import (
	"sort"
	"strings"

	"brainengine/src/models"
)

// ApplySort returns a sorted copy of rows. The sort is stable, nulls and
// empty values go last in either direction, and creation sequence breaks
// remaining ties.
func ApplySort(db *models.Database, rows []Row, sorts []models.SortSpec) []Row {
	out := append([]Row(nil), rows...)
	if len(sorts) == 0 {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, spec := range sorts {
			c := compareForSort(propertyOf(db, spec.PropertyID), out[i].Value(spec.PropertyID), out[j].Value(spec.PropertyID), spec.Direction)
			if c != 0 {
				return c < 0
			}
		}
		return out[i].seq() < out[j].seq()
	})
	return out
}

// compareForSort orders two cells for one sort key, direction applied.
func compareForSort(prop *models.Property, a, b models.Value, dir models.SortDirection) int {
	aEmpty, bEmpty := a.IsEmpty(), b.IsEmpty()
	switch {
	case aEmpty && bEmpty:
		return 0
	case aEmpty:
		return 1
	case bEmpty:
		return -1
	}

	c := compareValues(prop, a, b)
	if dir == models.SortDescending {
		c = -c
	}
	return c
}

// compareValues orders two non-empty cells. Select style properties order by
// option position, lists by their first element.
func compareValues(prop *models.Property, a, b models.Value) int {
	if prop != nil && prop.Type.HasOptions() {
		ai, bi := optionRank(prop, a), optionRank(prop, b)
		if ai != bi {
			return cmpInt(ai, bi)
		}
	}
	if a.Kind == models.KindList {
		a = a.List[0]
	}
	if b.Kind == models.KindList {
		b = b.List[0]
	}
	if c, ok := a.Compare(b); ok {
		return c
	}
	// mixed kinds fall back to their display form
	return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
}

func optionRank(prop *models.Property, v models.Value) int {
	items := v.Items()
	if len(items) == 0 {
		return len(prop.Config.Options)
	}
	idx := prop.OptionIndex(items[0].String())
	if idx < 0 {
		return len(prop.Config.Options)
	}
	return idx
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
