package engine

import (
	"context"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// relationProperty resolves a relation property of db by id or name.
func relationProperty(db *models.Database, ref string) (*models.Property, error) {
	prop, ok := db.ResolveProperty(ref)
	if !ok {
		return nil, apperr.NotFound("property %q not found in %q", ref, db.Name)
	}
	if prop.Type != models.PropertyTypeRelation || prop.Config.Relation == nil {
		return nil, apperr.Validation("property %q is not a relation", prop.Name)
	}
	return prop, nil
}

// pairOf returns the paired property of a dual relation, or nil.
func (cs *changeSet) pairOf(prop *models.Property) (*models.Property, error) {
	cfg := prop.Config.Relation
	if cfg == nil || cfg.TargetPropertyID == "" {
		return nil, nil
	}
	db, err := cs.database(cfg.TargetDatabaseID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	pair, ok := db.Property(cfg.TargetPropertyID)
	if !ok {
		return nil, nil
	}
	return pair, nil
}

// link stores targetID on the relation property of source and mirrors the
// reference on the paired property. Single valued sides drop the reference
// they held before, repairing its inverse.
func (cs *changeSet) link(prop *models.Property, source *models.Record, targetID string) error {
	cfg := prop.Config.Relation
	target, err := cs.record(targetID)
	if err != nil {
		return err
	}
	if target.DatabaseID != cfg.TargetDatabaseID {
		return apperr.TypeMismatch("record %q is not in the target database of %q", targetID, prop.Name)
	}

	if cfg.RelationType.SingleValued() {
		for _, old := range source.RelationIDs(prop.ID) {
			if old != targetID {
				if err := cs.unlink(prop, source, old); err != nil {
					return err
				}
			}
		}
	}
	if source.AddRelation(prop.ID, targetID) {
		cs.touch(source, prop.ID)
	}

	pair, err := cs.pairOf(prop)
	if err != nil || pair == nil {
		return err
	}
	if pair.Config.Relation.RelationType.SingleValued() {
		for _, old := range target.RelationIDs(pair.ID) {
			if old == source.ID {
				continue
			}
			if target.RemoveRelation(pair.ID, old) {
				cs.touch(target, pair.ID)
			}
			holder, err := cs.record(old)
			if apperr.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if holder.RemoveRelation(prop.ID, target.ID) {
				cs.touch(holder, prop.ID)
			}
		}
	}
	if target.AddRelation(pair.ID, source.ID) {
		cs.touch(target, pair.ID)
	}
	return nil
}

// unlink removes targetID from source and the inverse reference from the
// target. A missing target is not an error.
func (cs *changeSet) unlink(prop *models.Property, source *models.Record, targetID string) error {
	if source.RemoveRelation(prop.ID, targetID) {
		cs.touch(source, prop.ID)
	}
	pair, err := cs.pairOf(prop)
	if err != nil || pair == nil {
		return err
	}
	target, err := cs.record(targetID)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.RemoveRelation(pair.ID, source.ID) {
		cs.touch(target, pair.ID)
	}
	return nil
}

// setRelation makes the relation property of rec hold exactly ids, linking
// and unlinking the difference.
func (cs *changeSet) setRelation(prop *models.Property, rec *models.Record, ids []string) error {
	cfg := prop.Config.Relation
	if cfg.RelationType.SingleValued() && len(ids) > 1 {
		return apperr.Validation("relation %q holds at most one record", prop.Name)
	}
	for _, id := range ids {
		target, err := cs.record(id)
		if apperr.IsNotFound(err) {
			return apperr.InvalidRelation("record %q referenced by %q does not exist", id, prop.Name)
		}
		if err != nil {
			return err
		}
		if target.DatabaseID != cfg.TargetDatabaseID {
			return apperr.InvalidRelation("record %q is not in the target database of %q", id, prop.Name)
		}
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, old := range rec.RelationIDs(prop.ID) {
		if !wanted[old] {
			if err := cs.unlink(prop, rec, old); err != nil {
				return err
			}
		}
	}
	for _, id := range ids {
		if err := cs.link(prop, rec, id); err != nil {
			return err
		}
	}

	current := rec.RelationIDs(prop.ID)
	same := len(current) == len(ids)
	for i := 0; same && i < len(ids); i++ {
		same = current[i] == ids[i]
	}
	if !same {
		rec.SetRelation(prop.ID, ids)
		cs.touch(rec, prop.ID)
	}
	return nil
}

func edgeFor(prop *models.Property, sourceID, targetID string) models.RelationEdge {
	edge := models.RelationEdge{
		SourceRecordID:   sourceID,
		SourcePropertyID: prop.ID,
		TargetRecordID:   targetID,
	}
	if prop.Config.Relation != nil {
		edge.TargetPropertyID = prop.Config.Relation.TargetPropertyID
	}
	return edge
}

// Connect links source to target through a relation property of the
// source's database. Connecting an existing edge changes nothing.
func (e *Engine) Connect(ctx context.Context, sourceID, targetID, relationPropertyID, actorID string) (models.RelationEdge, error) {
	var edge models.RelationEdge
	_, err := e.write(ctx, "connect", actorID, func(cs *changeSet) error {
		source, err := cs.record(sourceID)
		if err != nil {
			return err
		}
		db, err := cs.database(source.DatabaseID)
		if err != nil {
			return err
		}
		prop, err := relationProperty(db, relationPropertyID)
		if err != nil {
			return err
		}
		if err := cs.link(prop, source, targetID); err != nil {
			return err
		}
		edge = edgeFor(prop, sourceID, targetID)
		return nil
	})
	if err != nil {
		return models.RelationEdge{}, apperr.Op("connect", err)
	}
	e.logger.Debugw("Connected records", "source", sourceID, "target", targetID, "property", edge.SourcePropertyID)
	return edge, nil
}

// Disconnect removes an edge and its inverse. It is a no-op when the records
// are not connected.
func (e *Engine) Disconnect(ctx context.Context, sourceID, targetID, relationPropertyID, actorID string) error {
	_, err := e.write(ctx, "disconnect", actorID, func(cs *changeSet) error {
		source, err := cs.record(sourceID)
		if err != nil {
			return err
		}
		db, err := cs.database(source.DatabaseID)
		if err != nil {
			return err
		}
		prop, err := relationProperty(db, relationPropertyID)
		if err != nil {
			return err
		}
		return cs.unlink(prop, source, targetID)
	})
	return apperr.Op("disconnect", err)
}

// RelatedRecords returns the records linked through a relation property, in
// stored order. Dangling ids are skipped.
func (e *Engine) RelatedRecords(ctx context.Context, recordID, relationPropertyID string) ([]*models.Record, error) {
	rec, err := e.loadRecord(ctx, recordID)
	if err != nil {
		return nil, apperr.Op("related_records", err)
	}
	db, err := e.loadDatabase(ctx, rec.DatabaseID)
	if err != nil {
		return nil, apperr.Op("related_records", err)
	}
	prop, err := relationProperty(db, relationPropertyID)
	if err != nil {
		return nil, apperr.Op("related_records", err)
	}
	out := []*models.Record{}
	for _, id := range rec.RelationIDs(prop.ID) {
		related, err := e.loadRecord(ctx, id)
		if apperr.IsNotFound(err) {
			e.logger.Warnw("Skipping dangling relation", "record", recordID, "property", prop.ID, "target", id)
			continue
		}
		if err != nil {
			return nil, apperr.Op("related_records", err)
		}
		out = append(out, related)
	}
	return out, nil
}
