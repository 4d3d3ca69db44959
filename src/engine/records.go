package engine

import (
	"context"
	"sort"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// applyInput coerces input through the schema of db and writes it to rec.
// Keys may be property ids or names.
func (cs *changeSet) applyInput(db *models.Database, rec *models.Record, input map[string]any) error {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if rec.Properties == nil {
		rec.Properties = make(map[string]models.Value)
	}

	for _, key := range keys {
		prop, ok := db.ResolveProperty(key)
		if !ok {
			return apperr.Validation("unknown property %q", key)
		}
		v, err := CoerceValue(prop, input[key])
		if err != nil {
			return err
		}
		if prop.Type == models.PropertyTypeRelation {
			if prop.Config.Relation == nil {
				return apperr.Validation("relation %q has no config", prop.Name)
			}
			if err := cs.setRelation(prop, rec, v.Strings()); err != nil {
				return err
			}
			continue
		}
		if rec.Get(prop.ID).Equal(v) {
			continue
		}
		if v.IsNull() {
			delete(rec.Properties, prop.ID)
		} else {
			rec.Properties[prop.ID] = v
		}
		cs.touch(rec, prop.ID)
	}
	return nil
}

// CreateRecord inserts a record into a database. Relation values must name
// records of the relation's target database; dual relations update the
// targets in the same batch.
func (e *Engine) CreateRecord(ctx context.Context, databaseID string, input map[string]any, actorID string) (*models.Record, error) {
	var created *models.Record
	_, err := e.write(ctx, "create_record", actorID, func(cs *changeSet) error {
		db, err := cs.database(databaseID)
		if err != nil {
			return err
		}
		rec := e.recFactory.NewRecord(databaseID, actorID, e.now())
		cs.insert(rec)
		if err := cs.applyInput(db, rec, input); err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, apperr.Op("create_record", err)
	}
	e.logger.Debugw("Created record", "database", databaseID, "record", created.ID)
	return created, nil
}

// UpdateRecord applies a patch to a record. A positive expectedVersion must
// match the stored version or the update fails with a Conflict error.
func (e *Engine) UpdateRecord(ctx context.Context, recordID string, patch map[string]any, actorID string, expectedVersion int64) (*models.Record, error) {
	var updated *models.Record
	_, err := e.write(ctx, "update_record", actorID, func(cs *changeSet) error {
		rec, err := cs.record(recordID)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && rec.Version != expectedVersion {
			return apperr.Conflict("record %s is at version %d, expected %d", recordID, rec.Version, expectedVersion)
		}
		db, err := cs.database(rec.DatabaseID)
		if err != nil {
			return err
		}
		if err := cs.applyInput(db, rec, patch); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, apperr.Op("update_record", err)
	}
	return updated, nil
}

// GetRecord loads a record. With withRelations set the relations cache is
// filled with the ids and titles of linked records.
func (e *Engine) GetRecord(ctx context.Context, recordID string, withRelations bool) (*models.Record, error) {
	rec, err := e.loadRecord(ctx, recordID)
	if err != nil {
		return nil, apperr.Op("get_record", err)
	}
	if !withRelations {
		return rec, nil
	}
	db, err := e.loadDatabase(ctx, rec.DatabaseID)
	if err != nil {
		return nil, apperr.Op("get_record", err)
	}
	if err := e.fillRelationsCache(ctx, db, rec); err != nil {
		return nil, apperr.Op("get_record", err)
	}
	return rec, nil
}

func (e *Engine) fillRelationsCache(ctx context.Context, db *models.Database, rec *models.Record) error {
	targets := make(map[string]*models.Database)
	rec.RelationsCache = make(map[string]models.RelationCacheEntry)
	for _, prop := range db.PropertiesOfType(models.PropertyTypeRelation) {
		ids := rec.RelationIDs(prop.ID)
		entry := models.RelationCacheEntry{TargetIDs: []string{}, Titles: make(map[string]string, len(ids))}
		for _, id := range ids {
			related, err := e.loadRecord(ctx, id)
			if apperr.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			tdb, ok := targets[related.DatabaseID]
			if !ok {
				if tdb, err = e.loadDatabase(ctx, related.DatabaseID); err != nil {
					return err
				}
				targets[related.DatabaseID] = tdb
			}
			entry.TargetIDs = append(entry.TargetIDs, id)
			entry.Titles[id] = RecordTitle(tdb, related)
		}
		rec.RelationsCache[prop.ID] = entry
	}
	return nil
}

// ListRecords returns the records of a database in creation order.
func (e *Engine) ListRecords(ctx context.Context, databaseID string) ([]*models.Record, error) {
	if _, err := e.loadDatabase(ctx, databaseID); err != nil {
		return nil, apperr.Op("list_records", err)
	}
	records, err := e.store.ListRecords(ctx, databaseID)
	if err != nil {
		return nil, apperr.Op("list_records", err)
	}
	return records, nil
}
