package engine

import (
	"context"

	"brainengine/src/apperr"
	"brainengine/src/models"
	"brainengine/src/views"
)

// ApplyView runs a saved view over records, or over every record of the
// view's database when records is nil.
func (e *Engine) ApplyView(ctx context.Context, databaseID, viewID string, records []*models.Record) (*views.Projection, error) {
	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("apply_view", err)
	}
	view, ok := db.View(viewID)
	if !ok {
		return nil, apperr.Op("apply_view", apperr.NotFound("view %q not found", viewID))
	}
	p, err := e.project(ctx, db, view, records)
	return p, apperr.Op("apply_view", err)
}

// QueryView runs an unsaved view. It is validated like a saved one.
func (e *Engine) QueryView(ctx context.Context, databaseID string, view models.View, records []*models.Record) (*views.Projection, error) {
	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("query_view", err)
	}
	if view.Type == "" {
		view.Type = models.ViewTable
	}
	if view.Name == "" {
		view.Name = "query"
	}
	if err := views.ValidateView(db, &view); err != nil {
		return nil, apperr.Op("query_view", err)
	}
	p, err := e.project(ctx, db, &view, records)
	return p, apperr.Op("query_view", err)
}

func (e *Engine) project(ctx context.Context, db *models.Database, view *models.View, records []*models.Record) (*views.Projection, error) {
	if records == nil {
		var err error
		if records, err = e.store.ListRecords(ctx, db.DatabaseID); err != nil {
			return nil, err
		}
	}
	rows, warnings, err := e.resolveRows(ctx, db, records)
	if err != nil {
		return nil, err
	}
	p := views.Apply(db, view, rows)
	p.Warnings = warnings
	return &p, nil
}

// resolveRows computes the derived values of every record so filters,
// sorts and groups can read them. Evaluation errors fail the whole view;
// rollup fallbacks come back as warnings.
func (e *Engine) resolveRows(ctx context.Context, db *models.Database, records []*models.Record) ([]views.Row, []apperr.Warning, error) {
	s := e.newSession(ctx)
	for _, rec := range records {
		if rec.DatabaseID != db.DatabaseID {
			return nil, nil, apperr.Validation("record %q is not in database %q", rec.ID, db.Name)
		}
		s.records[rec.ID] = rec
	}

	rows := views.RowsFromRecords(records)
	for i := range rows {
		rec := rows[i].Record
		rows[i].Values = make(map[string]models.Value)
		for j := range db.Properties {
			prop := &db.Properties[j]
			if !prop.Type.IsComputed() {
				continue
			}
			v, err := s.value(db, rec, prop)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				e.logger.Debugw("Computed value failed in view", "record", rec.ID, "property", prop.ID, "error", err)
				return nil, nil, err
			}
			rows[i].Values[prop.ID] = v
		}
	}
	return rows, s.warnings, nil
}
