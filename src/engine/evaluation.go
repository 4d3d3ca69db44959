package engine

import (
	"context"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/formula"
	"brainengine/src/helpers"
	"brainengine/src/models"
)

// evalSession resolves property values for one read operation. It tracks
// the (record, property) pairs being computed so re-entering one fails with
// a CircularDependency error instead of recursing.
type evalSession struct {
	e        *Engine
	ctx      context.Context
	now      time.Time
	records  map[string]*models.Record
	dbs      map[string]*models.Database
	active   map[string]bool
	depth    int
	warnings []apperr.Warning
	seen     map[apperr.Warning]bool
	useCache bool
}

func (e *Engine) newSession(ctx context.Context) *evalSession {
	return &evalSession{
		e:        e,
		ctx:      ctx,
		now:      e.now(),
		records:  make(map[string]*models.Record),
		dbs:      make(map[string]*models.Database),
		active:   make(map[string]bool),
		seen:     make(map[apperr.Warning]bool),
		useCache: true,
	}
}

func (s *evalSession) database(databaseID string) (*models.Database, error) {
	if db, ok := s.dbs[databaseID]; ok {
		return db, nil
	}
	db, err := s.e.loadDatabase(s.ctx, databaseID)
	if err != nil {
		return nil, err
	}
	s.dbs[databaseID] = db
	return db, nil
}

func (s *evalSession) record(recordID string) (*models.Record, error) {
	if rec, ok := s.records[recordID]; ok {
		return rec, nil
	}
	rec, err := s.e.loadRecord(s.ctx, recordID)
	if err != nil {
		return nil, err
	}
	s.records[recordID] = rec
	return rec, nil
}

func (s *evalSession) warn(warnings ...apperr.Warning) {
	for _, w := range warnings {
		if !s.seen[w] {
			s.seen[w] = true
			s.warnings = append(s.warnings, w)
		}
	}
}

// enter pushes (rec, prop) on the active stack.
func (s *evalSession) enter(rec *models.Record, prop *models.Property) (func(), error) {
	key := rec.ID + "/" + prop.ID
	if s.active[key] {
		return nil, apperr.CircularDependency("property %q of record %q depends on itself", prop.Name, rec.ID)
	}
	if s.depth >= s.e.settings.MaxEvalDepth {
		return nil, apperr.Exhausted("evaluation nested deeper than %d levels", s.e.settings.MaxEvalDepth)
	}
	s.active[key] = true
	s.depth++
	return func() {
		delete(s.active, key)
		s.depth--
	}, nil
}

// value returns the value of prop on rec, computing derived properties.
func (s *evalSession) value(db *models.Database, rec *models.Record, prop *models.Property) (models.Value, error) {
	switch prop.Type {
	case models.PropertyTypeCreatedTime:
		if rec.CreatedAt.IsZero() {
			return models.Null(), nil
		}
		return models.Date(rec.CreatedAt), nil
	case models.PropertyTypeLastEditedTime:
		if rec.UpdatedAt.IsZero() {
			return models.Null(), nil
		}
		return models.Date(rec.UpdatedAt), nil
	case models.PropertyTypeCreatedBy:
		if rec.CreatedBy == "" {
			return models.Null(), nil
		}
		return models.String(rec.CreatedBy), nil
	case models.PropertyTypeLastEditedBy:
		if rec.LastEditedBy == "" {
			return models.Null(), nil
		}
		return models.String(rec.LastEditedBy), nil
	case models.PropertyTypeFormula:
		v, _, err := s.formula(db, rec, prop, nil)
		return v, err
	case models.PropertyTypeRollup:
		v, _, err := s.rollup(db, rec, prop)
		return v, err
	}
	return rec.Get(prop.ID), nil
}

func (s *evalSession) ttl(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return s.e.settings.FormulaCacheTTL
}

// cached returns a stored value computed from the record's current version.
func (s *evalSession) cached(key models.CacheKey, rec *models.Record) (models.Value, bool) {
	if !s.useCache || rec.Version == 0 {
		return models.Null(), false
	}
	entry, err := s.e.store.GetFormulaCache(s.ctx, key)
	if err != nil {
		s.e.logger.Warnw("Failed to read formula cache", "key", key.String(), "error", err)
		return models.Null(), false
	}
	if entry == nil || entry.Version != rec.Version || entry.Expired(s.now) {
		return models.Null(), false
	}
	return entry.Value, true
}

func (s *evalSession) remember(key models.CacheKey, rec *models.Record, prop *models.Property, expression string, v models.Value, deps []string, ttl time.Duration) {
	if !s.useCache || rec.Version == 0 || ttl <= 0 {
		return
	}
	entry := &models.FormulaCacheEntry{
		CacheKey:     key,
		PropertyName: prop.Name,
		Expression:   expression,
		Value:        v,
		Dependencies: deps,
		CalculatedAt: s.now,
		ExpiresAt:    s.now.Add(ttl),
		Version:      rec.Version,
	}
	if err := s.e.store.PutFormulaCache(s.ctx, entry); err != nil {
		s.e.logger.Warnw("Failed to write formula cache", "key", key.String(), "error", err)
	}
}

// formula evaluates a formula property. Results computed without variables
// are cached against the record version.
func (s *evalSession) formula(db *models.Database, rec *models.Record, prop *models.Property, vars map[string]models.Value) (models.Value, bool, error) {
	cfg := prop.Config.Formula
	if cfg == nil {
		return models.Null(), false, apperr.Validation("formula %q has no expression", prop.Name)
	}
	leave, err := s.enter(rec, prop)
	if err != nil {
		return models.Null(), false, err
	}
	defer leave()

	key := models.CacheKey{RecordID: rec.ID, PropertyID: prop.ID, ExpressionHash: helpers.HashExpression(cfg.Expression)}
	if len(vars) == 0 {
		if v, ok := s.cached(key, rec); ok {
			return v, true, nil
		}
	}

	v, err := s.expression(db, rec, cfg.Expression, vars)
	if err != nil {
		return models.Null(), false, err
	}
	if len(vars) == 0 {
		s.remember(key, rec, prop, cfg.Expression, v, cfg.Dependencies, s.ttl(cfg.CacheTTLSeconds))
	}
	return v, false, nil
}

// expression evaluates expr against rec.
func (s *evalSession) expression(db *models.Database, rec *models.Record, expr string, vars map[string]models.Value) (models.Value, error) {
	node, err := s.e.compile(expr)
	if err != nil {
		return models.Null(), err
	}
	res, err := formula.Evaluate(node, formula.Context{
		Resolver:  &recordResolver{s: s, db: db, rec: rec},
		Variables: vars,
		Now:       s.now,
		MaxSteps:  s.e.settings.MaxEvalSteps,
	})
	if err != nil {
		return models.Null(), err
	}
	s.warn(res.Warnings...)
	return res.Value, nil
}

// compile parses expr, reusing trees of expressions seen before.
func (e *Engine) compile(expr string) (formula.Node, error) {
	hash := helpers.HashExpression(expr)
	if node, ok := e.compiled.Get(hash); ok {
		return node, nil
	}
	node, err := formula.Parse(expr)
	if err != nil {
		return nil, apperr.Validation("invalid expression: %v", err)
	}
	e.compiled.Put(hash, node)
	return node, nil
}

// recordResolver feeds a record's values to the formula evaluator.
type recordResolver struct {
	s   *evalSession
	db  *models.Database
	rec *models.Record
}

func (r *recordResolver) PropertyValue(ref string) (models.Value, error) {
	prop, ok := r.db.ResolveProperty(ref)
	if !ok {
		return models.Null(), apperr.Validation("unknown property %q", ref)
	}
	return r.s.value(r.db, r.rec, prop)
}

func (r *recordResolver) RelatedValues(relationRef, propertyRef string) ([]models.Value, error) {
	rel, err := relationProperty(r.db, relationRef)
	if err != nil {
		return nil, err
	}
	target, err := r.s.database(rel.Config.Relation.TargetDatabaseID)
	if err != nil {
		return nil, err
	}
	prop, ok := target.ResolveProperty(propertyRef)
	if !ok {
		return nil, apperr.Validation("unknown property %q on %q", propertyRef, target.Name)
	}
	var out []models.Value
	for _, id := range r.rec.RelationIDs(rel.ID) {
		related, err := r.s.record(id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := r.s.value(target, related, prop)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
