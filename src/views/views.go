// Package views runs saved view descriptors over in-memory rows. Everything
// here is pure: no storage access, no clocks, no logging.
package views

import (
	"brainengine/src/apperr"
	"brainengine/src/models"
)

// Row is a record paired with its resolved values. Values holds computed
// properties (formulas, rollups, system properties) and shadows the record's
// stored map.
type Row struct {
	Record *models.Record          `json:"record"`
	Values map[string]models.Value `json:"values,omitempty"`
}

// Value returns the resolved value of a property for the row.
func (r Row) Value(propertyID string) models.Value {
	if v, ok := r.Values[propertyID]; ok {
		return v
	}
	if r.Record == nil {
		return models.Null()
	}
	return r.Record.Get(propertyID)
}

func (r Row) seq() int64 {
	if r.Record == nil {
		return 0
	}
	return r.Record.Seq
}

// Group is one bucket of a grouped view.
type Group struct {
	Key   string       `json:"key"`
	Label string       `json:"label"`
	Value models.Value `json:"value"`
	Rows  []Row        `json:"rows"`
}

// Projection is the result of running a view.
type Projection struct {
	Rows   []Row   `json:"rows"`
	Groups []Group `json:"groups,omitempty"`
	// Total counts the rows that passed the filters.
	Total    int              `json:"total"`
	Warnings []apperr.Warning `json:"warnings,omitempty"`
}

// RowsFromRecords wraps records with no precomputed values.
func RowsFromRecords(records []*models.Record) []Row {
	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = Row{Record: rec}
	}
	return rows
}

// Apply runs filter, sort and group in that order. db supplies property types
// and option lists; view.Group nil leaves Groups empty.
func Apply(db *models.Database, view *models.View, rows []Row) Projection {
	filtered := ApplyFilters(db, rows, view.Filters)
	sorted := ApplySort(db, filtered, view.Sorts)
	projection := Projection{Rows: sorted, Total: len(sorted)}
	if view.Group != nil {
		projection.Groups = ApplyGroup(db, sorted, view.Group)
	}
	return projection
}

func propertyOf(db *models.Database, id string) *models.Property {
	if db == nil {
		return nil
	}
	p, ok := db.Property(id)
	if !ok {
		return nil
	}
	return p
}
