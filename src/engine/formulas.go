package engine

import (
	"context"

	"brainengine/src/apperr"
	"brainengine/src/formula"
	"brainengine/src/models"
)

// FormulaResult is an evaluated formula with its warnings.
type FormulaResult struct {
	Value     models.Value     `json:"value"`
	Warnings  []apperr.Warning `json:"warnings"`
	FromCache bool             `json:"fromCache"`
}

// EvaluateFormula evaluates a formula property of a record. Variables are
// bound to $name references; results with variables are never cached.
func (e *Engine) EvaluateFormula(ctx context.Context, recordID, propertyID string, vars map[string]models.Value) (*FormulaResult, error) {
	s := e.newSession(ctx)
	rec, err := s.record(recordID)
	if err != nil {
		return nil, apperr.Op("evaluate_formula", err)
	}
	db, err := s.database(rec.DatabaseID)
	if err != nil {
		return nil, apperr.Op("evaluate_formula", err)
	}
	prop, ok := db.ResolveProperty(propertyID)
	if !ok {
		return nil, apperr.Op("evaluate_formula", apperr.NotFound("property %q not found", propertyID))
	}
	if prop.Type != models.PropertyTypeFormula {
		return nil, apperr.Op("evaluate_formula", apperr.Validation("property %q is not a formula", prop.Name))
	}
	v, fromCache, err := s.formula(db, rec, prop, vars)
	if err != nil {
		return nil, apperr.Op("evaluate_formula", err)
	}
	return &FormulaResult{Value: v, Warnings: nonNilWarnings(s.warnings), FromCache: fromCache}, nil
}

// EvaluateExpression previews an expression against a record of a database,
// or against an empty record when recordID is empty. Nothing is cached.
func (e *Engine) EvaluateExpression(ctx context.Context, databaseID, recordID, expression string, vars map[string]models.Value) (*FormulaResult, error) {
	s := e.newSession(ctx)
	s.useCache = false
	db, err := s.database(databaseID)
	if err != nil {
		return nil, apperr.Op("evaluate_expression", err)
	}
	rec := &models.Record{ID: "", DatabaseID: databaseID, Properties: map[string]models.Value{}}
	if recordID != "" {
		if rec, err = s.record(recordID); err != nil {
			return nil, apperr.Op("evaluate_expression", err)
		}
		if rec.DatabaseID != databaseID {
			return nil, apperr.Op("evaluate_expression", apperr.NotFound("record %q not found in database %q", recordID, databaseID))
		}
	}
	v, err := s.expression(db, rec, expression, vars)
	if err != nil {
		return nil, apperr.Op("evaluate_expression", err)
	}
	return &FormulaResult{Value: v, Warnings: nonNilWarnings(s.warnings)}, nil
}

// ValidateFormula statically checks an expression against a database. When
// propertyID names an existing formula the report also flags a dependency
// cycle the expression would introduce.
func (e *Engine) ValidateFormula(ctx context.Context, databaseID, expression, propertyID string) (*formula.Validation, error) {
	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("validate_formula", err)
	}
	report := formula.Validate(expression, e.schemaFor(ctx, db))
	if propertyID != "" && report.IsValid {
		if err := checkFormulaCycle(db, propertyID, report.Dependencies); err != nil {
			report.Errors = append(report.Errors, err.Error())
			report.IsValid = false
		}
	}
	return &report, nil
}

// schema adapts a database to formula.Schema.
type schema struct {
	ctx context.Context
	e   *Engine
	db  *models.Database
}

func (e *Engine) schemaFor(ctx context.Context, db *models.Database) formula.Schema {
	return &schema{ctx: ctx, e: e, db: db}
}

func propertyInfo(p *models.Property) formula.PropertyInfo {
	info := formula.PropertyInfo{ID: p.ID, Name: p.Name, Type: p.Type}
	if p.Config.Formula != nil {
		info.ReturnType = p.Config.Formula.ReturnType
	}
	return info
}

func (s *schema) LookupProperty(ref string) (formula.PropertyInfo, bool) {
	p, ok := s.db.ResolveProperty(ref)
	if !ok {
		return formula.PropertyInfo{}, false
	}
	return propertyInfo(p), true
}

func (s *schema) LookupRelated(relationRef, propertyRef string) (formula.PropertyInfo, formula.PropertyInfo, error) {
	rel, err := relationProperty(s.db, relationRef)
	if err != nil {
		return formula.PropertyInfo{}, formula.PropertyInfo{}, err
	}
	target, err := s.e.loadDatabase(s.ctx, rel.Config.Relation.TargetDatabaseID)
	if err != nil {
		return formula.PropertyInfo{}, formula.PropertyInfo{}, err
	}
	p, ok := target.ResolveProperty(propertyRef)
	if !ok {
		return formula.PropertyInfo{}, formula.PropertyInfo{}, apperr.NotFound("property %q not found on %q", propertyRef, target.Name)
	}
	return propertyInfo(rel), propertyInfo(p), nil
}

// dependents returns the computed properties of db whose value may change
// when any property in changed does, following formulas transitively.
func dependents(db *models.Database, changed map[string]bool) map[string]bool {
	out := make(map[string]bool)
	hit := func(id string) bool { return changed[id] || out[id] }
	for grew := true; grew; {
		grew = false
		for _, p := range db.Properties {
			if out[p.ID] {
				continue
			}
			reads := false
			switch {
			case p.Config.Formula != nil:
				for _, dep := range p.Config.Formula.Dependencies {
					reads = reads || hit(dep)
				}
				for _, dep := range p.Config.Formula.RelationDependencies {
					reads = reads || hit(dep)
				}
			case p.Config.Rollup != nil:
				reads = hit(p.Config.Rollup.RelationPropertyID)
			}
			if reads {
				out[p.ID] = true
				grew = true
			}
		}
	}
	return out
}

// readersThrough returns the computed properties of db that read values of
// linked records through relation property rel, limited to those reading
// a property in changed.
func readersThrough(db *models.Database, rel string, changed map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range db.Properties {
		switch {
		case p.Config.Rollup != nil:
			r := p.Config.Rollup
			if r.RelationPropertyID == rel && r.TargetPropertyID != "" && changed[r.TargetPropertyID] {
				out[p.ID] = true
			}
		case p.Config.Formula != nil:
			// related() reads are tracked per relation only
			if containsString(p.Config.Formula.RelationDependencies, rel) {
				out[p.ID] = true
			}
		}
	}
	return out
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// invalidate drops the cached values a committed change set made stale: the
// entries of deleted records, the dependents of changed properties, and the
// rollups and related() formulas of records linked to a changed record.
func (e *Engine) invalidate(ctx context.Context, cs *changeSet) {
	for _, id := range cs.deletes {
		if _, err := e.store.DeleteFormulaCache(ctx, id, nil); err != nil {
			e.logger.Warnw("Failed to drop cache of deleted record", "record", id, "error", err)
		}
	}

	incoming, err := cs.incomingRelations()
	if err != nil {
		e.logger.Warnw("Failed to load relations for cache invalidation", "error", err)
		return
	}

	type pending struct {
		rec   *models.Record
		props map[string]bool
	}
	var queue []pending
	for id, props := range cs.changed {
		if !cs.deleted[id] {
			queue = append(queue, pending{rec: cs.records[id], props: props})
		}
	}

	done := make(map[string]bool)
	limit := e.settings.MaxCascadeRecords
	for steps := 0; len(queue) > 0 && steps < limit; steps++ {
		item := queue[0]
		queue = queue[1:]
		db, err := cs.database(item.rec.DatabaseID)
		if err != nil {
			continue
		}

		stale := dependents(db, item.props)
		for id := range item.props {
			stale[id] = true
		}
		if _, err := e.store.DeleteFormulaCache(ctx, item.rec.ID, setKeys(stale)); err != nil {
			e.logger.Warnw("Failed to invalidate formula cache", "record", item.rec.ID, "error", err)
		}

		for _, ref := range incoming[item.rec.DatabaseID] {
			readers := readersThrough(ref.db, ref.prop.ID, stale)
			if len(readers) == 0 {
				continue
			}
			holders, err := e.store.FindReferencing(ctx, ref.db.DatabaseID, ref.prop.ID, item.rec.ID)
			if err != nil {
				e.logger.Warnw("Failed to find referencing records", "record", item.rec.ID, "error", err)
				continue
			}
			for _, h := range holders {
				fresh := make(map[string]bool)
				for id := range readers {
					if key := h.ID + "/" + id; !done[key] {
						done[key] = true
						fresh[id] = true
					}
				}
				if len(fresh) > 0 {
					queue = append(queue, pending{rec: h, props: fresh})
				}
			}
		}
	}
}

// dropPropertyCache drops every cached value of a property whose definition
// changed, and of the formulas and rollups reading it.
func (e *Engine) dropPropertyCache(ctx context.Context, db *models.Database, propertyID string) {
	stale := dependents(db, map[string]bool{propertyID: true})
	stale[propertyID] = true

	if dbs, err := e.store.ListDatabases(ctx); err == nil {
		for _, other := range dbs {
			for _, p := range other.Properties {
				if r := p.Config.Rollup; r != nil && r.TargetPropertyID != "" && stale[r.TargetPropertyID] {
					stale[p.ID] = true
				}
			}
		}
	}
	for id := range stale {
		if n, err := e.store.DeleteFormulaCacheByProperty(ctx, id); err != nil {
			e.logger.Warnw("Failed to drop property cache", "property", id, "error", err)
		} else if n > 0 {
			e.logger.Debugw("Dropped cached values", "property", id, "entries", n)
		}
	}
}
