package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"brainengine/src/apperr"
	"brainengine/src/formula"
	"brainengine/src/models"
	"brainengine/src/views"
)

// maxNumberPrecision bounds NumberConfig.Precision.
const maxNumberPrecision = 10

// PropertySpec describes a property to add to a database.
type PropertySpec struct {
	Name        string                `json:"name"`
	Type        models.PropertyType   `json:"type"`
	Description string                `json:"description,omitempty"`
	Config      models.PropertyConfig `json:"config"`
}

// PropertyPatch changes an existing property. Nil fields are left alone.
// The property type cannot change.
type PropertyPatch struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Config      *models.PropertyConfig `json:"config,omitempty"`
}

type DatabasePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

// CreateDatabase creates a database with its title and timestamp properties.
func (e *Engine) CreateDatabase(ctx context.Context, name, description, actorID string) (*models.Database, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Op("create_database", apperr.Validation("database name is required"))
	}
	db := e.dbFactory.NewDatabase(name, description, actorID, e.now())
	if err := e.store.CreateDatabase(ctx, db); err != nil {
		return nil, apperr.Op("create_database", err)
	}
	e.logger.Infow("Created database", "database", db.DatabaseID, "name", db.Name)
	return db, nil
}

func (e *Engine) GetDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	db, err := e.loadDatabase(ctx, databaseID)
	return db, apperr.Op("get_database", err)
}

func (e *Engine) ListDatabases(ctx context.Context) ([]*models.Database, error) {
	dbs, err := e.store.ListDatabases(ctx)
	return dbs, apperr.Op("list_databases", err)
}

func (e *Engine) UpdateDatabase(ctx context.Context, databaseID string, patch DatabasePatch, actorID string) (*models.Database, error) {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("update_database", err)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, apperr.Op("update_database", apperr.Validation("database name is required"))
		}
		db.Name = name
	}
	if patch.Description != nil {
		db.Description = *patch.Description
	}
	if patch.Icon != nil {
		db.Icon = *patch.Icon
	}
	if err := e.saveDatabase(ctx, db, actorID); err != nil {
		return nil, apperr.Op("update_database", err)
	}
	return db, nil
}

// ArchiveDatabase soft-archives a database. Its records stay readable.
func (e *Engine) ArchiveDatabase(ctx context.Context, databaseID, actorID string) (*models.Database, error) {
	return e.setArchived(ctx, databaseID, actorID, true)
}

func (e *Engine) RestoreDatabase(ctx context.Context, databaseID, actorID string) (*models.Database, error) {
	return e.setArchived(ctx, databaseID, actorID, false)
}

func (e *Engine) setArchived(ctx context.Context, databaseID, actorID string, archived bool) (*models.Database, error) {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("archive_database", err)
	}
	if archived {
		db.Archive(e.now())
	} else {
		db.Restore()
	}
	if err := e.saveDatabase(ctx, db, actorID); err != nil {
		return nil, apperr.Op("archive_database", err)
	}
	return db, nil
}

// DeleteDatabase removes an empty database that no other database relates to.
func (e *Engine) DeleteDatabase(ctx context.Context, databaseID string) error {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	if _, err := e.loadDatabase(ctx, databaseID); err != nil {
		return apperr.Op("delete_database", err)
	}
	records, err := e.store.ListRecords(ctx, databaseID)
	if err != nil {
		return apperr.Op("delete_database", err)
	}
	if len(records) > 0 {
		return apperr.Op("delete_database", apperr.Conflict("database still holds %d records", len(records)))
	}
	dbs, err := e.store.ListDatabases(ctx)
	if err != nil {
		return apperr.Op("delete_database", err)
	}
	for _, other := range dbs {
		if other.DatabaseID == databaseID {
			continue
		}
		for _, p := range other.PropertiesOfType(models.PropertyTypeRelation) {
			if p.Config.Relation != nil && p.Config.Relation.TargetDatabaseID == databaseID {
				return apperr.Op("delete_database", apperr.Conflict("relation %q of database %q targets this database", p.Name, other.Name))
			}
		}
	}
	if err := e.store.DeleteDatabase(ctx, databaseID); err != nil {
		return apperr.Op("delete_database", err)
	}
	e.logger.Infow("Deleted database", "database", databaseID)
	return nil
}

func (e *Engine) saveDatabase(ctx context.Context, db *models.Database, actorID string) error {
	db.Touch(e.now())
	if actorID != "" {
		db.Edit(actorID)
	}
	return e.store.UpdateDatabase(ctx, db)
}

// saveSchemaPair saves db and then other when it is a different database. A
// failed second save puts db back to before so no half-paired relation stays.
func (e *Engine) saveSchemaPair(ctx context.Context, db, before, other *models.Database, actorID string) error {
	if err := e.saveDatabase(ctx, db, actorID); err != nil {
		return err
	}
	if other == nil || other.DatabaseID == db.DatabaseID {
		return nil
	}
	if err := e.saveDatabase(ctx, other, actorID); err != nil {
		if rerr := e.store.UpdateDatabase(ctx, before); rerr != nil {
			e.logger.Warnw("Failed to roll back schema change", "database", db.DatabaseID, "error", rerr)
		}
		return err
	}
	return nil
}

// DefineProperty adds a property to a database. A symmetric relation without
// a TargetPropertyID creates its paired property on the target database.
func (e *Engine) DefineProperty(ctx context.Context, databaseID string, spec PropertySpec, actorID string) (*models.Property, error) {
	keys := []string{schemaLock(databaseID)}
	if spec.Config.Relation != nil && spec.Config.Relation.TargetDatabaseID != "" {
		keys = append(keys, schemaLock(spec.Config.Relation.TargetDatabaseID))
	}
	unlock := e.locks.LockAll(keys...)
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("define_property", err)
	}
	before := db.Clone()

	name := strings.TrimSpace(spec.Name)
	if err := checkPropertyName(db, name, ""); err != nil {
		return nil, apperr.Op("define_property", err)
	}
	if !spec.Type.Valid() {
		return nil, apperr.Op("define_property", apperr.Validation("unknown property type %q", spec.Type))
	}

	prop := e.dbFactory.NewProperty(name, spec.Type)
	prop.Description = spec.Description
	prop.Order = db.NextOrder()

	other, err := e.prepareConfig(ctx, db, &prop, spec.Config, nil)
	if err != nil {
		return nil, apperr.Op("define_property", err)
	}
	db.Properties = append(db.Properties, prop)

	if err := e.saveSchemaPair(ctx, db, before, other, actorID); err != nil {
		return nil, apperr.Op("define_property", err)
	}
	e.logger.Infow("Defined property", "database", databaseID, "property", prop.ID, "name", prop.Name, "type", prop.Type)
	saved, _ := db.Property(prop.ID)
	return saved, nil
}

// UpdateProperty renames a property or replaces its configuration.
func (e *Engine) UpdateProperty(ctx context.Context, databaseID, propertyID string, patch PropertyPatch, actorID string) (*models.Property, error) {
	peek, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("update_property", err)
	}
	keys := []string{schemaLock(databaseID)}
	if p, ok := peek.Property(propertyID); ok && p.Config.Relation != nil {
		keys = append(keys, schemaLock(p.Config.Relation.TargetDatabaseID))
	}
	unlock := e.locks.LockAll(keys...)
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("update_property", err)
	}
	before := db.Clone()
	prop, ok := db.Property(propertyID)
	if !ok {
		return nil, apperr.Op("update_property", apperr.NotFound("property %q not found", propertyID))
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if err := checkPropertyName(db, name, prop.ID); err != nil {
			return nil, apperr.Op("update_property", err)
		}
		prop.Name = name
	}
	if patch.Description != nil {
		prop.Description = *patch.Description
	}

	var other *models.Database
	configChanged := false
	if patch.Config != nil {
		previous := prop.Config
		if other, err = e.prepareConfig(ctx, db, prop, *patch.Config, &previous); err != nil {
			return nil, apperr.Op("update_property", err)
		}
		configChanged = prop.Type.IsComputed()
	}

	if err := e.saveSchemaPair(ctx, db, before, other, actorID); err != nil {
		return nil, apperr.Op("update_property", err)
	}
	if configChanged {
		e.dropPropertyCache(ctx, db, prop.ID)
	}
	saved, _ := db.Property(propertyID)
	return saved, nil
}

// RemoveProperty deletes a property. System properties and properties that
// formulas or rollups still read cannot be removed. Views lose any filter,
// sort or grouping on the property.
func (e *Engine) RemoveProperty(ctx context.Context, databaseID, propertyID, actorID string) error {
	peek, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return apperr.Op("remove_property", err)
	}
	keys := []string{schemaLock(databaseID)}
	if p, ok := peek.Property(propertyID); ok && p.Config.Relation != nil {
		keys = append(keys, schemaLock(p.Config.Relation.TargetDatabaseID))
	}
	unlock := e.locks.LockAll(keys...)
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return apperr.Op("remove_property", err)
	}
	before := db.Clone()
	prop, ok := db.Property(propertyID)
	if !ok {
		return apperr.Op("remove_property", apperr.NotFound("property %q not found", propertyID))
	}
	if prop.IsSystem {
		return apperr.Op("remove_property", apperr.Validation("system property %q cannot be removed", prop.Name))
	}

	all, err := e.store.ListDatabases(ctx)
	if err != nil {
		return apperr.Op("remove_property", err)
	}
	if err := checkUnreferenced(all, db, prop); err != nil {
		return apperr.Op("remove_property", err)
	}

	var other *models.Database
	if rel := prop.Config.Relation; rel != nil && rel.TargetPropertyID != "" && rel.TargetPropertyID != prop.ID {
		if rel.TargetDatabaseID == db.DatabaseID {
			other = db
		} else if other, err = e.loadDatabase(ctx, rel.TargetDatabaseID); err != nil && !apperr.IsNotFound(err) {
			return apperr.Op("remove_property", err)
		}
		if other != nil {
			if pair, ok := other.Property(rel.TargetPropertyID); ok {
				if err := checkUnreferenced(all, other, pair); err != nil {
					return apperr.Op("remove_property", err)
				}
				removeProperty(other, pair.ID)
			}
		}
	}

	removed := prop.ID
	removeProperty(db, removed)

	if err := e.saveSchemaPair(ctx, db, before, other, actorID); err != nil {
		return apperr.Op("remove_property", err)
	}
	if _, err := e.store.DeleteFormulaCacheByProperty(ctx, removed); err != nil {
		e.logger.Warnw("Failed to drop cached values of removed property", "property", removed, "error", err)
	}
	e.logger.Infow("Removed property", "database", databaseID, "property", removed)
	return nil
}

// ReorderProperties sets display order. Listed properties come first in the
// given order; the rest keep their relative order after them.
func (e *Engine) ReorderProperties(ctx context.Context, databaseID string, propertyIDs []string, actorID string) (*models.Database, error) {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("reorder_properties", err)
	}
	listed := make(map[string]bool, len(propertyIDs))
	for _, id := range propertyIDs {
		if listed[id] {
			return nil, apperr.Op("reorder_properties", apperr.Validation("property %q listed twice", id))
		}
		if _, ok := db.Property(id); !ok {
			return nil, apperr.Op("reorder_properties", apperr.NotFound("property %q not found", id))
		}
		listed[id] = true
	}

	rest := make([]*models.Property, 0, len(db.Properties))
	for i := range db.Properties {
		if !listed[db.Properties[i].ID] {
			rest = append(rest, &db.Properties[i])
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Order < rest[j].Order })

	for i, id := range propertyIDs {
		p, _ := db.Property(id)
		p.Order = i
	}
	for i, p := range rest {
		p.Order = len(propertyIDs) + i
	}
	if err := e.saveDatabase(ctx, db, actorID); err != nil {
		return nil, apperr.Op("reorder_properties", err)
	}
	return db, nil
}

// SaveView validates and stores a view, replacing any view with the same id.
func (e *Engine) SaveView(ctx context.Context, databaseID string, view models.View, actorID string) (*models.View, error) {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("save_view", err)
	}
	if view.ID == "" {
		view.ID = e.dbFactory.NewView(databaseID, view.Name, view.Type).ID
	}
	if view.Type == "" {
		view.Type = models.ViewTable
	}
	view.DatabaseID = databaseID
	if err := views.ValidateView(db, &view); err != nil {
		return nil, apperr.Op("save_view", err)
	}

	if existing, ok := db.View(view.ID); ok {
		*existing = view
	} else {
		db.Views = append(db.Views, view)
	}
	if err := e.saveDatabase(ctx, db, actorID); err != nil {
		return nil, apperr.Op("save_view", err)
	}
	saved, _ := db.View(view.ID)
	return saved, nil
}

func (e *Engine) RemoveView(ctx context.Context, databaseID, viewID, actorID string) error {
	unlock := e.locks.Lock(schemaLock(databaseID))
	defer unlock()

	db, err := e.loadDatabase(ctx, databaseID)
	if err != nil {
		return apperr.Op("remove_view", err)
	}
	kept := db.Views[:0]
	found := false
	for _, v := range db.Views {
		if v.ID == viewID {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return apperr.Op("remove_view", apperr.NotFound("view %q not found", viewID))
	}
	db.Views = kept
	return apperr.Op("remove_view", e.saveDatabase(ctx, db, actorID))
}

func checkPropertyName(db *models.Database, name, selfID string) error {
	if name == "" {
		return apperr.Validation("property name is required")
	}
	if existing, ok := db.PropertyByName(name); ok && existing.ID != selfID {
		return apperr.Validation("property %q already exists", name)
	}
	return nil
}

// uniquePropertyName returns base, or base with a numeric suffix when taken.
func uniquePropertyName(db *models.Database, base string) string {
	name := base
	for i := 2; ; i++ {
		if _, taken := db.PropertyByName(name); !taken {
			return name
		}
		name = fmt.Sprintf("%s (%d)", base, i)
	}
}

// prepareConfig validates cfg for prop and stores the normalized form on
// prop. previous is the config being replaced, nil for a new property. It
// returns a database that was modified on the way, which the caller must save
// unless it is db itself.
func (e *Engine) prepareConfig(ctx context.Context, db *models.Database, prop *models.Property, cfg models.PropertyConfig, previous *models.PropertyConfig) (*models.Database, error) {
	prop.Config = models.PropertyConfig{}
	switch {
	case prop.Type.HasOptions():
		options, err := e.normalizeOptions(cfg.Options)
		if err != nil {
			return nil, err
		}
		prop.Config.Options = options
	case prop.Type == models.PropertyTypeNumber:
		if n := cfg.Number; n != nil {
			if n.Precision != nil && (*n.Precision < 0 || *n.Precision > maxNumberPrecision) {
				return nil, apperr.Validation("number precision must be between 0 and %d", maxNumberPrecision)
			}
			c := *n
			prop.Config.Number = &c
		}
	case prop.Type == models.PropertyTypeRelation:
		if cfg.Relation == nil {
			return nil, apperr.Validation("relation property %q needs a relation config", prop.Name)
		}
		if previous == nil || previous.Relation == nil {
			return e.prepareRelation(ctx, db, prop, *cfg.Relation)
		}
		return e.updateRelation(ctx, db, prop, *previous.Relation, *cfg.Relation)
	case prop.Type == models.PropertyTypeRollup:
		if cfg.Rollup == nil {
			return nil, apperr.Validation("rollup property %q needs a rollup config", prop.Name)
		}
		rollup, err := e.prepareRollup(ctx, db, *cfg.Rollup)
		if err != nil {
			return nil, err
		}
		prop.Config.Rollup = rollup
	case prop.Type == models.PropertyTypeFormula:
		if cfg.Formula == nil {
			return nil, apperr.Validation("formula property %q needs a formula config", prop.Name)
		}
		f, err := e.prepareFormula(ctx, db, prop, *cfg.Formula)
		if err != nil {
			return nil, err
		}
		prop.Config.Formula = f
	}
	return nil, nil
}

func (e *Engine) normalizeOptions(options []models.SelectOption) ([]models.SelectOption, error) {
	out := make([]models.SelectOption, 0, len(options))
	ids := make(map[string]bool, len(options))
	names := make(map[string]bool, len(options))
	for _, opt := range options {
		opt.Name = strings.TrimSpace(opt.Name)
		if opt.Name == "" {
			return nil, apperr.Validation("option name is required")
		}
		if opt.ID == "" {
			opt.ID = e.dbFactory.NewProperty(opt.Name, "").ID
		}
		key := strings.ToLower(opt.Name)
		if names[key] {
			return nil, apperr.Validation("duplicate option %q", opt.Name)
		}
		if ids[opt.ID] {
			return nil, apperr.Validation("duplicate option id %q", opt.ID)
		}
		names[key] = true
		ids[opt.ID] = true
		out = append(out, opt)
	}
	return out, nil
}

func validRelationType(t models.RelationType) bool {
	switch t {
	case models.RelationOneToOne, models.RelationOneToMany, models.RelationManyToOne, models.RelationManyToMany:
		return true
	}
	return false
}

func normalizePolicies(cfg *models.RelationConfig) error {
	if cfg.OnSourceDelete == "" {
		cfg.OnSourceDelete = models.DeleteSetNull
	}
	if cfg.OnTargetDelete == "" {
		cfg.OnTargetDelete = models.DeleteSetNull
	}
	if !cfg.OnSourceDelete.Valid() {
		return apperr.Validation("unknown delete policy %q", cfg.OnSourceDelete)
	}
	if !cfg.OnTargetDelete.Valid() {
		return apperr.Validation("unknown delete policy %q", cfg.OnTargetDelete)
	}
	return nil
}

func (e *Engine) prepareRelation(ctx context.Context, db *models.Database, prop *models.Property, cfg models.RelationConfig) (*models.Database, error) {
	if cfg.TargetDatabaseID == "" {
		return nil, apperr.Validation("relation %q needs a target database", prop.Name)
	}
	if err := normalizePolicies(&cfg); err != nil {
		return nil, err
	}

	target := db
	if cfg.TargetDatabaseID != db.DatabaseID {
		var err error
		if target, err = e.loadDatabase(ctx, cfg.TargetDatabaseID); err != nil {
			return nil, err
		}
	}

	switch {
	case cfg.TargetPropertyID != "":
		pair, ok := target.Property(cfg.TargetPropertyID)
		if !ok || pair.Type != models.PropertyTypeRelation || pair.Config.Relation == nil {
			return nil, apperr.Validation("paired property %q is not a relation on the target database", cfg.TargetPropertyID)
		}
		pc := pair.Config.Relation
		if pc.TargetDatabaseID != db.DatabaseID {
			return nil, apperr.Validation("paired property %q does not point back at this database", pair.Name)
		}
		if pc.TargetPropertyID != "" && pc.TargetPropertyID != prop.ID {
			return nil, apperr.Validation("paired property %q is already paired", pair.Name)
		}
		if cfg.RelationType == "" {
			cfg.RelationType = pc.RelationType.Inverse()
		}
		if cfg.RelationType != pc.RelationType.Inverse() {
			return nil, apperr.Validation("relation type %s does not mirror paired type %s", cfg.RelationType, pc.RelationType)
		}
		pc.TargetPropertyID = prop.ID
		pc.IsSymmetric = true
		cfg.IsSymmetric = true
		prop.Config.Relation = &cfg
		return target, nil

	case cfg.IsSymmetric && target == db:
		if cfg.RelationType == "" {
			cfg.RelationType = models.RelationManyToMany
		}
		if cfg.RelationType != cfg.RelationType.Inverse() {
			return nil, apperr.Validation("a self relation paired with itself must be one_to_one or many_to_many")
		}
		cfg.TargetPropertyID = prop.ID
		prop.Config.Relation = &cfg
		return nil, nil

	case cfg.IsSymmetric:
		if cfg.RelationType == "" {
			cfg.RelationType = models.RelationManyToMany
		}
		if !validRelationType(cfg.RelationType) {
			return nil, apperr.Validation("unknown relation type %q", cfg.RelationType)
		}
		pair := e.dbFactory.NewProperty(uniquePropertyName(target, db.Name), models.PropertyTypeRelation)
		pair.Order = target.NextOrder()
		pair.Config.Relation = &models.RelationConfig{
			TargetDatabaseID: db.DatabaseID,
			TargetPropertyID: prop.ID,
			RelationType:     cfg.RelationType.Inverse(),
			IsSymmetric:      true,
			OnSourceDelete:   cfg.OnTargetDelete,
			OnTargetDelete:   cfg.OnSourceDelete,
		}
		target.Properties = append(target.Properties, pair)
		cfg.TargetPropertyID = pair.ID
		prop.Config.Relation = &cfg
		return target, nil
	}

	if cfg.RelationType == "" {
		cfg.RelationType = models.RelationManyToMany
	}
	if !validRelationType(cfg.RelationType) {
		return nil, apperr.Validation("unknown relation type %q", cfg.RelationType)
	}
	prop.Config.Relation = &cfg
	return nil, nil
}

// updateRelation accepts new delete policies only. The target and pairing of
// a relation are fixed once defined.
func (e *Engine) updateRelation(ctx context.Context, db *models.Database, prop *models.Property, current, cfg models.RelationConfig) (*models.Database, error) {
	if cfg.TargetDatabaseID != "" && cfg.TargetDatabaseID != current.TargetDatabaseID {
		return nil, apperr.Validation("relation target cannot change")
	}
	if cfg.RelationType != "" && cfg.RelationType != current.RelationType {
		return nil, apperr.Validation("relation type cannot change")
	}
	if err := normalizePolicies(&cfg); err != nil {
		return nil, err
	}
	current.OnSourceDelete = cfg.OnSourceDelete
	current.OnTargetDelete = cfg.OnTargetDelete
	prop.Config.Relation = &current

	if current.TargetPropertyID == "" || current.TargetPropertyID == prop.ID {
		return nil, nil
	}
	target := db
	if current.TargetDatabaseID != db.DatabaseID {
		var err error
		if target, err = e.loadDatabase(ctx, current.TargetDatabaseID); err != nil {
			return nil, err
		}
	}
	if pair, ok := target.Property(current.TargetPropertyID); ok && pair.Config.Relation != nil {
		pair.Config.Relation.OnSourceDelete = current.OnTargetDelete
		pair.Config.Relation.OnTargetDelete = current.OnSourceDelete
	}
	return target, nil
}

func (e *Engine) prepareRollup(ctx context.Context, db *models.Database, cfg models.RollupConfig) (*models.RollupConfig, error) {
	rel, ok := db.ResolveProperty(cfg.RelationPropertyID)
	if !ok || rel.Type != models.PropertyTypeRelation || rel.Config.Relation == nil {
		return nil, apperr.Validation("rollup relation %q is not a relation property of this database", cfg.RelationPropertyID)
	}
	cfg.RelationPropertyID = rel.ID
	if !validRollupFunction(cfg.RollupFunction) {
		return nil, apperr.Validation("unknown rollup function %q", cfg.RollupFunction)
	}
	switch cfg.ErrorHandling {
	case "":
		cfg.ErrorHandling = models.ErrorHandlingReturnNull
	case models.ErrorHandlingThrow, models.ErrorHandlingReturnNull, models.ErrorHandlingReturnDefault:
	default:
		return nil, apperr.Validation("unknown rollup error handling %q", cfg.ErrorHandling)
	}
	if cfg.CacheTTLSeconds < 0 {
		return nil, apperr.Validation("rollup cache ttl must not be negative")
	}

	if cfg.TargetPropertyID == "" {
		if cfg.RollupFunction != models.RollupCount {
			return nil, apperr.Validation("rollup function %s needs a target property", cfg.RollupFunction)
		}
		return &cfg, nil
	}
	target := db
	if rel.Config.Relation.TargetDatabaseID != db.DatabaseID {
		var err error
		if target, err = e.loadDatabase(ctx, rel.Config.Relation.TargetDatabaseID); err != nil {
			return nil, err
		}
	}
	tp, ok := target.ResolveProperty(cfg.TargetPropertyID)
	if !ok {
		return nil, apperr.Validation("rollup target property %q not found on %q", cfg.TargetPropertyID, target.Name)
	}
	cfg.TargetPropertyID = tp.ID
	return &cfg, nil
}

func (e *Engine) prepareFormula(ctx context.Context, db *models.Database, prop *models.Property, cfg models.FormulaConfig) (*models.FormulaConfig, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, apperr.Validation("formula %q needs an expression", prop.Name)
	}
	if cfg.CacheTTLSeconds < 0 {
		return nil, apperr.Validation("formula cache ttl must not be negative")
	}
	report := formula.Validate(cfg.Expression, e.schemaFor(ctx, db))
	if !report.IsValid {
		return nil, apperr.Validation("invalid formula %q: %s", prop.Name, strings.Join(report.Errors, "; "))
	}
	cfg.Dependencies = report.Dependencies
	cfg.RelationDependencies = report.RelationDependencies
	cfg.ReturnType = report.ReturnType
	if err := checkFormulaCycle(db, prop.ID, cfg.Dependencies); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkFormulaCycle reports a CircularDependency error when giving
// propertyID the dependencies deps would let it reach itself through other
// formulas of the same database.
func checkFormulaCycle(db *models.Database, propertyID string, deps []string) error {
	edges := func(id string) []string {
		if id == propertyID {
			return deps
		}
		p, ok := db.Property(id)
		if !ok || p.Type != models.PropertyTypeFormula || p.Config.Formula == nil {
			return nil
		}
		return p.Config.Formula.Dependencies
	}
	name := func(id string) string {
		if p, ok := db.Property(id); ok {
			return p.Name
		}
		return id
	}

	visited := make(map[string]bool)
	var path []string
	var visit func(id string) bool
	visit = func(id string) bool {
		path = append(path, id)
		for _, next := range edges(id) {
			if next == propertyID {
				path = append(path, next)
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if !visit(propertyID) {
		return nil
	}
	names := make([]string, len(path))
	for i, id := range path {
		names[i] = name(id)
	}
	return apperr.CircularDependency("formula dependency cycle: %s", strings.Join(names, " -> "))
}

// checkUnreferenced fails when a formula or rollup in any database still
// reads prop of db.
func checkUnreferenced(all []*models.Database, db *models.Database, prop *models.Property) error {
	for _, other := range all {
		if other.DatabaseID == db.DatabaseID {
			other = db
		}
		for _, p := range other.Properties {
			if p.ID == prop.ID {
				continue
			}
			if f := p.Config.Formula; f != nil && other.DatabaseID == db.DatabaseID {
				if containsString(f.Dependencies, prop.ID) || containsString(f.RelationDependencies, prop.ID) {
					return apperr.Conflict("formula %q reads property %q", p.Name, prop.Name)
				}
			}
			if r := p.Config.Rollup; r != nil {
				if other.DatabaseID == db.DatabaseID && r.RelationPropertyID == prop.ID {
					return apperr.Conflict("rollup %q aggregates through %q", p.Name, prop.Name)
				}
				if r.TargetPropertyID == prop.ID {
					return apperr.Conflict("rollup %q of %q aggregates %q", p.Name, other.Name, prop.Name)
				}
			}
		}
	}
	return nil
}

// removeProperty drops a property and every view reference to it.
func removeProperty(db *models.Database, propertyID string) {
	kept := db.Properties[:0]
	for _, p := range db.Properties {
		if p.ID != propertyID {
			kept = append(kept, p)
		}
	}
	db.Properties = kept

	for i := range db.Views {
		v := &db.Views[i]
		if v.Filters != nil {
			v.Filters = stripFilter(v.Filters, propertyID)
		}
		sorts := v.Sorts[:0]
		for _, s := range v.Sorts {
			if s.PropertyID != propertyID {
				sorts = append(sorts, s)
			}
		}
		v.Sorts = sorts
		if v.Group != nil && v.Group.PropertyID == propertyID {
			v.Group = nil
		}
		visible := v.Config.VisibleProperties[:0]
		for _, id := range v.Config.VisibleProperties {
			if id != propertyID {
				visible = append(visible, id)
			}
		}
		v.Config.VisibleProperties = visible
	}
}

func stripFilter(group *models.FilterGroup, propertyID string) *models.FilterGroup {
	out := &models.FilterGroup{Operator: group.Operator}
	for _, node := range group.Conditions {
		switch {
		case node.Condition != nil:
			if node.Condition.PropertyID != propertyID {
				out.Conditions = append(out.Conditions, node)
			}
		case node.Group != nil:
			if nested := stripFilter(node.Group, propertyID); len(nested.Conditions) > 0 {
				out.Conditions = append(out.Conditions, models.Nested(*nested))
			}
		}
	}
	if len(out.Conditions) == 0 {
		return nil
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
