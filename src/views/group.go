package views

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"brainengine/src/models"
)

// UngroupedKey is the key of the bucket holding rows with no value.
const UngroupedKey = ""

// ApplyGroup buckets rows by the group property. Rows keep their input order
// inside each bucket. A multi-valued cell places the row in every bucket it
// names. Order: keys listed in GroupOrder first, then option order for
// select style properties or value order otherwise, the ungrouped bucket last.
// Buckets without rows are dropped when HideEmpty is set.
func ApplyGroup(db *models.Database, rows []Row, cfg *models.GroupConfig) []Group {
	prop := propertyOf(db, cfg.PropertyID)

	buckets := make(map[string]*Group)
	var known []string
	add := func(key, label string, value models.Value) *Group {
		if g, ok := buckets[key]; ok {
			return g
		}
		g := &Group{Key: key, Label: label, Value: value, Rows: []Row{}}
		buckets[key] = g
		known = append(known, key)
		return g
	}

	// declared buckets exist even before any row lands in them
	if prop != nil {
		switch {
		case prop.Type.HasOptions():
			for _, opt := range prop.Config.Options {
				add(opt.ID, opt.Name, models.String(opt.ID))
			}
		case prop.Type == models.PropertyTypeCheckbox:
			add("false", "false", models.Bool(false))
			add("true", "true", models.Bool(true))
		}
	}

	for _, row := range rows {
		for _, kv := range groupKeys(prop, row.Value(cfg.PropertyID), cfg.DateGrouping) {
			g := add(kv.key, kv.label, kv.value)
			g.Rows = append(g.Rows, row)
		}
	}

	ordered := orderKeys(prop, buckets, known, cfg)
	out := make([]Group, 0, len(ordered))
	for _, key := range ordered {
		g := buckets[key]
		if cfg.HideEmpty && len(g.Rows) == 0 {
			continue
		}
		out = append(out, *g)
	}
	return out
}

type groupKey struct {
	key   string
	label string
	value models.Value
}

func groupKeys(prop *models.Property, v models.Value, bucket models.DateGrouping) []groupKey {
	if prop != nil && prop.Type == models.PropertyTypeCheckbox {
		b := v.Truthy()
		return []groupKey{{key: fmt.Sprint(b), label: fmt.Sprint(b), value: models.Bool(b)}}
	}
	if v.IsEmpty() {
		return []groupKey{ungrouped(prop)}
	}

	var keys []groupKey
	seen := make(map[string]bool)
	for _, item := range v.Items() {
		if item.IsEmpty() {
			continue
		}
		k := keyFor(prop, item, bucket)
		if !seen[k.key] {
			seen[k.key] = true
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return []groupKey{ungrouped(prop)}
	}
	return keys
}

func ungrouped(prop *models.Property) groupKey {
	label := "No value"
	if prop != nil {
		label = "No " + prop.Name
	}
	return groupKey{key: UngroupedKey, label: label, value: models.Null()}
}

func keyFor(prop *models.Property, item models.Value, bucket models.DateGrouping) groupKey {
	if prop != nil && prop.Type.HasOptions() {
		id := item.String()
		label := id
		if opt, ok := prop.Option(id); ok {
			id, label = opt.ID, opt.Name
		}
		return groupKey{key: id, label: label, value: models.String(id)}
	}
	if item.Kind == models.KindDate {
		start := truncateDate(item.Time, bucket)
		key := dateKey(start, bucket)
		return groupKey{key: key, label: key, value: models.Date(start)}
	}
	s := item.String()
	return groupKey{key: s, label: s, value: item}
}

func truncateDate(t time.Time, bucket models.DateGrouping) time.Time {
	y, m, d := t.UTC().Date()
	switch bucket {
	case models.GroupByYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	case models.GroupByMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case models.GroupByWeek:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		// weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time, bucket models.DateGrouping) string {
	switch bucket {
	case models.GroupByYear:
		return t.Format("2006")
	case models.GroupByMonth:
		return t.Format("2006-01")
	case models.GroupByWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	}
	return t.Format("2006-01-02")
}

func orderKeys(prop *models.Property, buckets map[string]*Group, known []string, cfg *models.GroupConfig) []string {
	out := make([]string, 0, len(known))
	placed := make(map[string]bool)

	for _, key := range cfg.GroupOrder {
		if _, ok := buckets[key]; ok && !placed[key] && key != UngroupedKey {
			placed[key] = true
			out = append(out, key)
		}
	}

	var rest []string
	for _, key := range known {
		if !placed[key] && key != UngroupedKey {
			rest = append(rest, key)
		}
	}

	optionOrdered := prop != nil && (prop.Type.HasOptions() || prop.Type == models.PropertyTypeCheckbox)
	if !optionOrdered {
		sort.SliceStable(rest, func(i, j int) bool {
			a, b := buckets[rest[i]].Value, buckets[rest[j]].Value
			c, ok := a.Compare(b)
			if !ok {
				c = strings.Compare(a.String(), b.String())
			}
			if cfg.Direction == models.SortDescending {
				return c > 0
			}
			return c < 0
		})
	} else {
		// options and unknown option ids keep first-seen order
		sort.SliceStable(rest, func(i, j int) bool {
			return keyRank(prop, rest[i]) < keyRank(prop, rest[j])
		})
		if cfg.Direction == models.SortDescending {
			for i, j := 0, len(rest)-1; i < j; i, j = i+1, j-1 {
				rest[i], rest[j] = rest[j], rest[i]
			}
		}
	}
	out = append(out, rest...)

	if _, ok := buckets[UngroupedKey]; ok {
		out = append(out, UngroupedKey)
	} else if !cfg.HideEmpty && prop != nil && prop.Type != models.PropertyTypeCheckbox {
		g := ungrouped(prop)
		buckets[UngroupedKey] = &Group{Key: g.key, Label: g.label, Value: g.value, Rows: []Row{}}
		out = append(out, UngroupedKey)
	}
	return out
}

func keyRank(prop *models.Property, key string) int {
	if prop.Type == models.PropertyTypeCheckbox {
		if key == "true" {
			return 1
		}
		return 0
	}
	if idx := prop.OptionIndex(key); idx >= 0 {
		return idx
	}
	return len(prop.Config.Options)
}
