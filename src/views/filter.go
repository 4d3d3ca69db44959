package views

import (
	"strconv"
	"strings"
	"time"

	"brainengine/src/models"
)

// ApplyFilters keeps the rows matching the filter tree, preserving input
// order. A nil or empty group matches every row.
func ApplyFilters(db *models.Database, rows []Row, filters *models.FilterGroup) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if filters == nil || MatchGroup(db, row, filters) {
			out = append(out, row)
		}
	}
	return out
}

// MatchGroup evaluates a filter group against one row.
func MatchGroup(db *models.Database, row Row, group *models.FilterGroup) bool {
	// If there are no conditions, default to true
	if len(group.Conditions) == 0 {
		return true
	}

	matchAny := group.Operator == models.LogicOr
	for _, node := range group.Conditions {
		var matched bool
		switch {
		case node.Group != nil:
			matched = MatchGroup(db, row, node.Group)
		case node.Condition != nil:
			matched = MatchCondition(db, row, *node.Condition)
		default:
			matched = true
		}
		// short circuit
		if matchAny && matched {
			return true
		}
		if !matchAny && !matched {
			return false
		}
	}
	return !matchAny
}

// MatchCondition evaluates a single leaf against one row.
func MatchCondition(db *models.Database, row Row, cond models.FilterCondition) bool {
	prop := propertyOf(db, cond.PropertyID)
	cell := row.Value(cond.PropertyID)
	want := cond.Value
	if prop != nil && prop.Type.HasOptions() {
		want = optionIDs(prop, want)
	}
	if prop != nil && prop.Type == models.PropertyTypeCheckbox && cell.IsNull() {
		cell = models.Bool(false)
	}

	switch cond.Operator {
	case models.OpIsEmpty:
		return cell.IsEmpty()
	case models.OpIsNotEmpty:
		return !cell.IsEmpty()
	case models.OpEquals:
		return equalsCell(cell, want)
	case models.OpNotEquals:
		return !equalsCell(cell, want)
	case models.OpContains:
		return containsCell(cell, want)
	case models.OpNotContains:
		return !containsCell(cell, want)
	case models.OpStartsWith:
		return !cell.IsNull() && strings.HasPrefix(strings.ToLower(cell.String()), strings.ToLower(want.String()))
	case models.OpEndsWith:
		return !cell.IsNull() && strings.HasSuffix(strings.ToLower(cell.String()), strings.ToLower(want.String()))
	case models.OpGreaterThan, models.OpAfter:
		c, ok := compareCell(cell, want)
		return ok && c > 0
	case models.OpLessThan, models.OpBefore:
		c, ok := compareCell(cell, want)
		return ok && c < 0
	case models.OpGreaterThanOrEqual, models.OpOnOrAfter:
		c, ok := compareCell(cell, want)
		return ok && c >= 0
	case models.OpLessThanOrEqual, models.OpOnOrBefore:
		c, ok := compareCell(cell, want)
		return ok && c <= 0
	}
	return false
}

// optionIDs maps option names in a condition value to option ids.
func optionIDs(prop *models.Property, v models.Value) models.Value {
	mapOne := func(item models.Value) models.Value {
		if item.Kind != models.KindString {
			return item
		}
		if opt, ok := prop.Option(item.Str); ok {
			return models.String(opt.ID)
		}
		return item
	}
	if v.Kind == models.KindList {
		out := make([]models.Value, len(v.List))
		for i, item := range v.List {
			out[i] = mapOne(item)
		}
		return models.List(out...)
	}
	return mapOne(v)
}

func equalsCell(cell, want models.Value) bool {
	if cell.Kind == models.KindList {
		// list cells equal a scalar when they hold it
		if want.Kind != models.KindList {
			return containsCell(cell, want)
		}
		return cell.Equal(want)
	}
	if cell.IsNull() || want.IsNull() {
		return cell.IsNull() && want.IsNull()
	}
	if cell.Kind == models.KindDate {
		other, ok := asTime(want)
		if !ok {
			return false
		}
		return sameDay(cell.Time, other)
	}
	c, ok := compareCell(cell, want)
	return ok && c == 0
}

func containsCell(cell, want models.Value) bool {
	switch cell.Kind {
	case models.KindNull:
		return false
	case models.KindList:
		for _, item := range cell.List {
			for _, w := range want.Items() {
				if item.Equal(w) || strings.EqualFold(item.String(), w.String()) {
					return true
				}
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(cell.String()), strings.ToLower(want.String()))
}

// compareCell orders a cell against a condition value, converting the
// condition value to the cell's kind. Nulls never compare.
func compareCell(cell, want models.Value) (int, bool) {
	if cell.IsNull() || want.IsNull() {
		return 0, false
	}
	switch cell.Kind {
	case models.KindNumber:
		f, ok := asNumber(want)
		if !ok {
			return 0, false
		}
		return cell.Compare(models.Number(f))
	case models.KindDate:
		t, ok := asTime(want)
		if !ok {
			return 0, false
		}
		return cell.Compare(models.Date(t))
	case models.KindBool:
		b, ok := asBool(want)
		if !ok {
			return 0, false
		}
		return cell.Compare(models.Bool(b))
	case models.KindString:
		return cell.Compare(models.String(want.String()))
	}
	return 0, false
}

func asNumber(v models.Value) (float64, bool) {
	switch v.Kind {
	case models.KindNumber:
		return v.Num, true
	case models.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	}
	return 0, false
}

func asTime(v models.Value) (time.Time, bool) {
	switch v.Kind {
	case models.KindDate:
		return v.Time, true
	case models.KindString:
		return models.ParseTime(v.Str)
	}
	return time.Time{}, false
}

func asBool(v models.Value) (bool, bool) {
	switch v.Kind {
	case models.KindBool:
		return v.Bool, true
	case models.KindString:
		b, err := strconv.ParseBool(v.Str)
		return b, err == nil
	}
	return false, false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
