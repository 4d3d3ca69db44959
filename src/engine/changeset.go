package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// changeSet collects the record mutations of one operation so they can be
// committed as a single batch. Records are loaded once and edited in place.
type changeSet struct {
	e   *Engine
	ctx context.Context

	records map[string]*models.Record
	loaded  map[string]int64 // version as read from the store

	inserts  []*models.Record
	inserted map[string]bool
	deletes  []string
	deleted  map[string]bool

	changed map[string]map[string]bool // record id -> property ids
	order   []string                   // first-change order of existing records

	dbs    map[string]*models.Database
	allDBs []*models.Database

	// guards re-check planning assumptions while the batch is locked
	guards []func() error
}

func newChangeSet(ctx context.Context, e *Engine) *changeSet {
	return &changeSet{
		e:        e,
		ctx:      ctx,
		records:  make(map[string]*models.Record),
		loaded:   make(map[string]int64),
		inserted: make(map[string]bool),
		deleted:  make(map[string]bool),
		changed:  make(map[string]map[string]bool),
		dbs:      make(map[string]*models.Database),
	}
}

func (cs *changeSet) database(databaseID string) (*models.Database, error) {
	if db, ok := cs.dbs[databaseID]; ok {
		return db, nil
	}
	db, err := cs.e.loadDatabase(cs.ctx, databaseID)
	if err != nil {
		return nil, err
	}
	cs.dbs[databaseID] = db
	return db, nil
}

func (cs *changeSet) databases() ([]*models.Database, error) {
	if cs.allDBs != nil {
		return cs.allDBs, nil
	}
	dbs, err := cs.e.store.ListDatabases(cs.ctx)
	if err != nil {
		return nil, err
	}
	for i, db := range dbs {
		if known, ok := cs.dbs[db.DatabaseID]; ok {
			dbs[i] = known
		} else {
			cs.dbs[db.DatabaseID] = db
		}
	}
	cs.allDBs = dbs
	return dbs, nil
}

// record returns the working copy of a record, loading it on first use.
func (cs *changeSet) record(recordID string) (*models.Record, error) {
	if rec, ok := cs.records[recordID]; ok {
		if cs.deleted[recordID] {
			return nil, apperr.NotFound("record %q not found", recordID)
		}
		return rec, nil
	}
	rec, err := cs.e.loadRecord(cs.ctx, recordID)
	if err != nil {
		return nil, err
	}
	return cs.adopt(rec), nil
}

// adopt registers a record read elsewhere, keeping an existing working copy.
func (cs *changeSet) adopt(rec *models.Record) *models.Record {
	if known, ok := cs.records[rec.ID]; ok {
		return known
	}
	rec = rec.Clone()
	cs.records[rec.ID] = rec
	cs.loaded[rec.ID] = rec.Version
	return rec
}

func (cs *changeSet) insert(rec *models.Record) {
	cs.records[rec.ID] = rec
	cs.inserted[rec.ID] = true
	cs.inserts = append(cs.inserts, rec)
}

// touch marks a property of rec as changed.
func (cs *changeSet) touch(rec *models.Record, propertyID string) {
	props, ok := cs.changed[rec.ID]
	if !ok {
		props = make(map[string]bool)
		cs.changed[rec.ID] = props
		if !cs.inserted[rec.ID] {
			cs.order = append(cs.order, rec.ID)
		}
	}
	props[propertyID] = true
}

func (cs *changeSet) remove(recordID string) {
	if cs.deleted[recordID] {
		return
	}
	cs.deleted[recordID] = true
	cs.deletes = append(cs.deletes, recordID)
}

// updatedIDs lists existing records the batch rewrites.
func (cs *changeSet) updatedIDs() []string {
	var ids []string
	for _, id := range cs.order {
		if !cs.deleted[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// batch bumps every changed record and builds the batch to commit.
func (cs *changeSet) batch(actorID string, now time.Time) *RecordBatch {
	b := &RecordBatch{}
	for _, rec := range cs.inserts {
		if !cs.deleted[rec.ID] {
			b.Inserts = append(b.Inserts, rec)
		}
	}
	for _, id := range cs.updatedIDs() {
		rec := cs.records[id]
		rec.Bump(actorID, now)
		b.Updates = append(b.Updates, RecordUpdate{Record: rec, ExpectedVersion: cs.loaded[id]})
	}
	for _, id := range cs.deletes {
		if cs.inserted[id] {
			continue
		}
		b.Deletes = append(b.Deletes, RecordDelete{RecordID: id, ExpectedVersion: cs.loaded[id]})
	}
	for id, version := range cs.loaded {
		if cs.changed[id] == nil && !cs.deleted[id] {
			b.Checks = append(b.Checks, RecordCheck{RecordID: id, ExpectedVersion: version})
		}
	}
	sort.Slice(b.Checks, func(i, j int) bool { return b.Checks[i].RecordID < b.Checks[j].RecordID })
	return b
}

// verify runs with the batch locked. Every record the plan read but does not
// write must still be at the version it was read at.
func (cs *changeSet) verify(b *RecordBatch) error {
	for _, c := range b.Checks {
		rec, err := cs.e.store.GetRecord(cs.ctx, c.RecordID)
		if apperr.IsNotFound(err) {
			return VersionConflict(c.RecordID, c.ExpectedVersion, 0)
		}
		if err != nil {
			return err
		}
		if rec.Version != c.ExpectedVersion {
			return VersionConflict(c.RecordID, c.ExpectedVersion, rec.Version)
		}
	}
	for _, guard := range cs.guards {
		if err := guard(); err != nil {
			return err
		}
	}
	return nil
}

// write plans and commits an operation, re-planning when a concurrent writer
// bumped one of the records in between. The records a batch touches or read
// are locked while it is verified and applied.
func (e *Engine) write(ctx context.Context, op, actorID string, plan func(cs *changeSet) error) (*changeSet, error) {
	var lastErr error
	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		cs := newChangeSet(ctx, e)
		if err := plan(cs); err != nil {
			return nil, err
		}
		batch := cs.batch(actorID, e.now())
		if batch.Empty() {
			return cs, nil
		}

		keys := batch.RecordIDs()
		for i, id := range keys {
			keys[i] = recordLock(id)
		}
		unlock := e.locks.LockAll(keys...)
		err := cs.verify(batch)
		if err == nil {
			err = e.commit(ctx, batch)
		}
		unlock()

		if err == nil {
			e.invalidate(ctx, cs)
			return cs, nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			return nil, err
		}
		lastErr = err
		e.logger.Debugw("Re-planning batch after version conflict", "op", op, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}
