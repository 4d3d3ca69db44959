package engine

import (
	"context"
	"fmt"
	"strings"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// DeleteResult lists the records a delete removed and the records whose
// references to them were cleared.
type DeleteResult struct {
	Deleted []string `json:"deleted"`
	Updated []string `json:"updated"`
}

type incomingRef struct {
	db   *models.Database
	prop *models.Property
}

type restriction struct {
	holder, target string
	prop           string
}

// referenceScan is one FindReferencing call the delete plan relied on.
type referenceScan struct {
	ref    incomingRef
	target string
}

// incomingRelations maps a database id to every relation property that
// points at it.
func (cs *changeSet) incomingRelations() (map[string][]incomingRef, error) {
	dbs, err := cs.databases()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]incomingRef)
	for _, db := range dbs {
		for _, p := range db.PropertiesOfType(models.PropertyTypeRelation) {
			if p.Config.Relation == nil {
				continue
			}
			target := p.Config.Relation.TargetDatabaseID
			out[target] = append(out[target], incomingRef{db: db, prop: p})
		}
	}
	return out, nil
}

// planDelete walks every edge touching rootID and applies the delete
// policies: cascade adds the other record to the delete set, set_null clears
// the reference and restrict aborts unless the other record is deleted too.
// The walk keeps a visited set so cycles terminate, and fails once more
// than limit records would be deleted.
func (cs *changeSet) planDelete(rootID string, limit int) error {
	root, err := cs.record(rootID)
	if err != nil {
		return err
	}
	incoming, err := cs.incomingRelations()
	if err != nil {
		return err
	}

	visited := map[string]bool{root.ID: true}
	order := []string{root.ID}
	queue := []*models.Record{root}
	enqueue := func(id string) error {
		if visited[id] {
			return nil
		}
		rec, err := cs.record(id)
		if apperr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		visited[id] = true
		if len(visited) > limit {
			return apperr.Exhausted("cascade delete would remove more than %d records", limit)
		}
		order = append(order, id)
		queue = append(queue, rec)
		return nil
	}

	type repair struct {
		holder *models.Record
		propID string
		ref    string
	}
	var repairs []repair
	var restrictions []restriction
	var scans []referenceScan

	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]
		db, err := cs.database(x.DatabaseID)
		if err != nil {
			return err
		}

		// references x holds
		for _, p := range db.PropertiesOfType(models.PropertyTypeRelation) {
			cfg := p.Config.Relation
			if cfg == nil {
				continue
			}
			for _, t := range x.RelationIDs(p.ID) {
				switch cfg.OnTargetDelete {
				case models.DeleteCascade:
					if err := enqueue(t); err != nil {
						return err
					}
				case models.DeleteRestrict:
					restrictions = append(restrictions, restriction{holder: x.ID, target: t, prop: p.Name})
				}
				// set_null: an inverse reference on t is cleared below
				// through the paired property
			}
		}

		// references to x held elsewhere
		for _, ref := range incoming[x.DatabaseID] {
			holders, err := cs.e.store.FindReferencing(cs.ctx, ref.db.DatabaseID, ref.prop.ID, x.ID)
			if err != nil {
				return err
			}
			scans = append(scans, referenceScan{ref: ref, target: x.ID})
			for _, h := range holders {
				h = cs.adopt(h)
				switch ref.prop.Config.Relation.OnSourceDelete {
				case models.DeleteCascade:
					if err := enqueue(h.ID); err != nil {
						return err
					}
				case models.DeleteRestrict:
					restrictions = append(restrictions, restriction{holder: h.ID, target: x.ID, prop: ref.prop.Name})
				default:
					repairs = append(repairs, repair{holder: h, propID: ref.prop.ID, ref: x.ID})
				}
			}
		}
	}

	var blocked []string
	for _, r := range restrictions {
		if visited[r.holder] && visited[r.target] {
			continue
		}
		blocked = append(blocked, fmt.Sprintf("%s -> %s via %q", r.holder, r.target, r.prop))
	}
	if len(blocked) > 0 {
		return apperr.Conflict("delete restricted by %s", strings.Join(blocked, ", "))
	}

	for _, r := range repairs {
		if visited[r.holder.ID] {
			continue
		}
		if r.holder.RemoveRelation(r.propID, r.ref) {
			cs.touch(r.holder, r.propID)
		}
	}
	for _, id := range order {
		cs.remove(id)
	}
	cs.guards = append(cs.guards, func() error { return cs.checkNoNewHolders(scans) })
	return nil
}

// checkNoNewHolders repeats the reference scans of a delete plan. A holder
// the plan never saw was linked after planning, so the plan is stale.
func (cs *changeSet) checkNoNewHolders(scans []referenceScan) error {
	for _, sc := range scans {
		holders, err := cs.e.store.FindReferencing(cs.ctx, sc.ref.db.DatabaseID, sc.ref.prop.ID, sc.target)
		if err != nil {
			return err
		}
		for _, h := range holders {
			if _, seen := cs.records[h.ID]; !seen {
				return &apperr.Error{
					Kind: apperr.KindConflict,
					Msg:  fmt.Sprintf("record %s was linked to %s while its delete was planned", h.ID, sc.target),
					Err:  ErrStaleVersion,
				}
			}
		}
	}
	return nil
}

// DeleteRecord deletes a record and applies the delete policies of every
// relation touching it. The whole cascade lands as one batch.
func (e *Engine) DeleteRecord(ctx context.Context, recordID, actorID string) (*DeleteResult, error) {
	cs, err := e.write(ctx, "delete_record", actorID, func(cs *changeSet) error {
		return cs.planDelete(recordID, e.settings.MaxCascadeRecords)
	})
	if err != nil {
		return nil, apperr.Op("delete_record", err)
	}
	result := &DeleteResult{Deleted: cs.deletes, Updated: cs.updatedIDs()}
	if result.Updated == nil {
		result.Updated = []string{}
	}
	e.logger.Infow("Deleted record", "record", recordID, "deleted", len(result.Deleted), "updated", len(result.Updated))
	return result, nil
}
