package directors

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/formula"
	"brainengine/src/helpers"
	"brainengine/src/models"
)

// DatabaseService manages database schemas: properties and saved views.
// Databases and properties may be referenced by id or by name.
type DatabaseService struct {
	engine *engine.Engine
	logger *zap.SugaredLogger
}

func NewDatabaseService(e *engine.Engine, logger *zap.SugaredLogger) *DatabaseService {
	return &DatabaseService{engine: e, logger: logger}
}

func (s *DatabaseService) AddDatabase(ctx context.Context, name, description, actorID string) (*models.Database, error) {
	if _, err := s.GetDatabaseByName(ctx, name); err == nil {
		return nil, apperr.Conflict("database %q already exists", strings.TrimSpace(name))
	}
	return s.engine.CreateDatabase(ctx, name, description, actorID)
}

func (s *DatabaseService) ListDatabases(ctx context.Context) ([]*models.Database, error) {
	return s.engine.ListDatabases(ctx)
}

// GetDatabaseByName finds a database by case-insensitive name.
func (s *DatabaseService) GetDatabaseByName(ctx context.Context, name string) (*models.Database, error) {
	name = helpers.StripQuotes(name)
	dbs, err := s.engine.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	for _, db := range dbs {
		if strings.EqualFold(db.Name, name) {
			return db, nil
		}
	}
	return nil, apperr.NotFound("database %q not found", name)
}

// Resolve finds a database by id or name. Refs that are not UUIDs are
// tried as names first.
func (s *DatabaseService) Resolve(ctx context.Context, ref string) (*models.Database, error) {
	if !helpers.IsUUID(ref) {
		if db, err := s.GetDatabaseByName(ctx, ref); err == nil {
			return db, nil
		}
	}
	db, err := s.engine.GetDatabase(ctx, ref)
	if err == nil || !apperr.IsNotFound(err) {
		return db, err
	}
	return s.GetDatabaseByName(ctx, ref)
}

// ResolveProperty finds a property of the database named by dbRef.
func (s *DatabaseService) ResolveProperty(ctx context.Context, dbRef, propRef string) (*models.Database, *models.Property, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, nil, err
	}
	prop, ok := db.ResolveProperty(propRef)
	if !ok {
		return nil, nil, apperr.NotFound("property %q not found in %q", propRef, db.Name)
	}
	return db, prop, nil
}

func (s *DatabaseService) UpdateDatabase(ctx context.Context, dbRef string, patch engine.DatabasePatch, actorID string) (*models.Database, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	return s.engine.UpdateDatabase(ctx, db.DatabaseID, patch, actorID)
}

func (s *DatabaseService) SetArchived(ctx context.Context, dbRef string, archived bool, actorID string) (*models.Database, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	if archived {
		return s.engine.ArchiveDatabase(ctx, db.DatabaseID, actorID)
	}
	return s.engine.RestoreDatabase(ctx, db.DatabaseID, actorID)
}

func (s *DatabaseService) DeleteDatabase(ctx context.Context, dbRef string) error {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return err
	}
	return s.engine.DeleteDatabase(ctx, db.DatabaseID)
}

// DefineProperty adds a property. A relation target may name its database.
func (s *DatabaseService) DefineProperty(ctx context.Context, dbRef string, spec engine.PropertySpec, actorID string) (*models.Property, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	if rel := spec.Config.Relation; rel != nil && rel.TargetDatabaseID != "" {
		target, err := s.Resolve(ctx, rel.TargetDatabaseID)
		if err != nil {
			return nil, err
		}
		rel.TargetDatabaseID = target.DatabaseID
	}
	return s.engine.DefineProperty(ctx, db.DatabaseID, spec, actorID)
}

func (s *DatabaseService) UpdateProperty(ctx context.Context, dbRef, propRef string, patch engine.PropertyPatch, actorID string) (*models.Property, error) {
	db, prop, err := s.ResolveProperty(ctx, dbRef, propRef)
	if err != nil {
		return nil, err
	}
	return s.engine.UpdateProperty(ctx, db.DatabaseID, prop.ID, patch, actorID)
}

func (s *DatabaseService) RemoveProperty(ctx context.Context, dbRef, propRef, actorID string) error {
	db, prop, err := s.ResolveProperty(ctx, dbRef, propRef)
	if err != nil {
		return err
	}
	return s.engine.RemoveProperty(ctx, db.DatabaseID, prop.ID, actorID)
}

func (s *DatabaseService) ReorderProperties(ctx context.Context, dbRef string, propRefs []string, actorID string) (*models.Database, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(propRefs))
	for i, ref := range propRefs {
		prop, ok := db.ResolveProperty(ref)
		if !ok {
			return nil, apperr.NotFound("property %q not found in %q", ref, db.Name)
		}
		ids[i] = prop.ID
	}
	return s.engine.ReorderProperties(ctx, db.DatabaseID, ids, actorID)
}

// SaveView stores a view. Property references inside the view may be names.
func (s *DatabaseService) SaveView(ctx context.Context, dbRef string, view models.View, actorID string) (*models.View, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	resolveViewRefs(db, &view)
	return s.engine.SaveView(ctx, db.DatabaseID, view, actorID)
}

func (s *DatabaseService) RemoveView(ctx context.Context, dbRef, viewRef, actorID string) error {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return err
	}
	view, err := findView(db, viewRef)
	if err != nil {
		return err
	}
	return s.engine.RemoveView(ctx, db.DatabaseID, view.ID, actorID)
}

func (s *DatabaseService) ValidateFormula(ctx context.Context, dbRef, expression, propRef string) (*formula.Validation, error) {
	db, err := s.Resolve(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	propID := ""
	if propRef != "" {
		prop, ok := db.ResolveProperty(propRef)
		if !ok {
			return nil, apperr.NotFound("property %q not found in %q", propRef, db.Name)
		}
		propID = prop.ID
	}
	return s.engine.ValidateFormula(ctx, db.DatabaseID, expression, propID)
}

// findView finds a saved view by id or case-insensitive name.
func findView(db *models.Database, ref string) (*models.View, error) {
	if v, ok := db.View(ref); ok {
		return v, nil
	}
	for i := range db.Views {
		if strings.EqualFold(db.Views[i].Name, ref) {
			return &db.Views[i], nil
		}
	}
	return nil, apperr.NotFound("view %q not found in %q", ref, db.Name)
}

// resolveViewRefs rewrites property names used in a view to property ids.
// Unknown references are left for view validation to reject.
func resolveViewRefs(db *models.Database, view *models.View) {
	resolve := func(ref string) string {
		if p, ok := db.ResolveProperty(ref); ok {
			return p.ID
		}
		return ref
	}
	var walk func(g *models.FilterGroup)
	walk = func(g *models.FilterGroup) {
		for _, node := range g.Conditions {
			if node.Condition != nil {
				node.Condition.PropertyID = resolve(node.Condition.PropertyID)
			}
			if node.Group != nil {
				walk(node.Group)
			}
		}
	}
	if view.Filters != nil {
		walk(view.Filters)
	}
	for i := range view.Sorts {
		view.Sorts[i].PropertyID = resolve(view.Sorts[i].PropertyID)
	}
	if view.Group != nil {
		view.Group.PropertyID = resolve(view.Group.PropertyID)
	}
	for i, id := range view.Config.VisibleProperties {
		view.Config.VisibleProperties[i] = resolve(id)
	}
}
