// Package storetest is the behaviour every engine.Store must share. Each
// backend's tests run it against a fresh store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/assert"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/models"
)

// Opener returns an empty store. The suite closes it.
type Opener func(t *testing.T) engine.Store

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the full store contract.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s engine.Store)
	}{
		{"DatabaseLifecycle", testDatabaseLifecycle},
		{"ListDatabasesInCreationOrder", testListDatabasesOrder},
		{"BatchAssignsSequence", testBatchAssignsSequence},
		{"BatchIsAllOrNothing", testBatchAllOrNothing},
		{"StaleVersionRejected", testStaleVersion},
		{"FindReferencing", testFindReferencing},
		{"DeleteDatabaseDropsRecords", testDeleteDatabaseDropsRecords},
		{"FormulaCache", testFormulaCache},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

// Database returns a minimal database created at epoch plus offset.
func Database(id string, offset time.Duration) *models.Database {
	db := &models.Database{
		DatabaseID: id,
		Name:       id,
		Properties: []models.Property{{ID: id + "-title", Name: "Name", Type: models.PropertyTypeText, IsSystem: true}},
		Views:      []models.View{},
	}
	db.Touch(epoch.Add(offset))
	return db
}

// Record returns a version 1 record with the given values.
func Record(id, databaseID string, props map[string]models.Value) *models.Record {
	if props == nil {
		props = map[string]models.Value{}
	}
	rec := &models.Record{ID: id, DatabaseID: databaseID, Properties: props, Version: 1}
	rec.Touch(epoch)
	return rec
}

func insert(t *testing.T, s engine.Store, recs ...*models.Record) {
	t.Helper()
	err := s.ApplyBatch(context.Background(), &engine.RecordBatch{ID: "seed", Inserts: recs})
	assert.NilError(t, err)
}

func recordIDs(recs []*models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func testDatabaseLifecycle(t *testing.T, s engine.Store) {
	ctx := context.Background()
	db := Database("tasks", 0)
	assert.NilError(t, s.CreateDatabase(ctx, db))
	assert.Assert(t, errors.Is(s.CreateDatabase(ctx, db), apperr.ErrConflict))

	got, err := s.GetDatabase(ctx, "tasks")
	assert.NilError(t, err)
	assert.Equal(t, got.Name, "tasks")
	assert.Equal(t, len(got.Properties), 1)

	got.Name = "Renamed"
	got.Properties = append(got.Properties, models.Property{ID: "points", Name: "Points", Type: models.PropertyTypeNumber, Order: 1})
	assert.NilError(t, s.UpdateDatabase(ctx, got))

	again, err := s.GetDatabase(ctx, "tasks")
	assert.NilError(t, err)
	assert.Equal(t, again.Name, "Renamed")
	assert.Equal(t, len(again.Properties), 2)

	_, err = s.GetDatabase(ctx, "missing")
	assert.Assert(t, apperr.IsNotFound(err))
	assert.Assert(t, apperr.IsNotFound(s.UpdateDatabase(ctx, Database("missing", 0))))
	assert.Assert(t, apperr.IsNotFound(s.DeleteDatabase(ctx, "missing")))
}

func testListDatabasesOrder(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("b", time.Minute)))
	assert.NilError(t, s.CreateDatabase(ctx, Database("a", 2*time.Minute)))
	assert.NilError(t, s.CreateDatabase(ctx, Database("c", 0)))

	dbs, err := s.ListDatabases(ctx)
	assert.NilError(t, err)
	var ids []string
	for _, db := range dbs {
		ids = append(ids, db.DatabaseID)
	}
	assert.DeepEqual(t, ids, []string{"c", "b", "a"})
}

func testBatchAssignsSequence(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("tasks", 0)))

	first := Record("r-z", "tasks", map[string]models.Value{"tasks-title": models.String("first")})
	second := Record("r-a", "tasks", nil)
	insert(t, s, first, second)
	assert.Assert(t, first.Seq > 0)
	assert.Assert(t, second.Seq > first.Seq)

	third := Record("r-m", "tasks", nil)
	insert(t, s, third)
	assert.Assert(t, third.Seq > second.Seq)

	recs, err := s.ListRecords(ctx, "tasks")
	assert.NilError(t, err)
	assert.DeepEqual(t, recordIDs(recs), []string{"r-z", "r-a", "r-m"})

	got, err := s.GetRecord(ctx, "r-z")
	assert.NilError(t, err)
	assert.Equal(t, got.Get("tasks-title").Str, "first")
	assert.Equal(t, got.Seq, first.Seq)

	_, err = s.ListRecords(ctx, "missing")
	assert.Assert(t, apperr.IsNotFound(err))
}

func testBatchAllOrNothing(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("tasks", 0)))
	insert(t, s, Record("keep", "tasks", nil))

	err := s.ApplyBatch(ctx, &engine.RecordBatch{
		ID:      "bad",
		Inserts: []*models.Record{Record("new", "tasks", nil)},
		Deletes: []engine.RecordDelete{{RecordID: "keep"}, {RecordID: "ghost"}},
	})
	assert.Assert(t, apperr.IsNotFound(err))

	_, err = s.GetRecord(ctx, "new")
	assert.Assert(t, apperr.IsNotFound(err))
	_, err = s.GetRecord(ctx, "keep")
	assert.NilError(t, err)

	err = s.ApplyBatch(ctx, &engine.RecordBatch{ID: "dup", Inserts: []*models.Record{Record("keep", "tasks", nil)}})
	assert.Assert(t, errors.Is(err, apperr.ErrConflict))
}

func testStaleVersion(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("tasks", 0)))
	insert(t, s, Record("r1", "tasks", nil))

	rec, err := s.GetRecord(ctx, "r1")
	assert.NilError(t, err)
	rec.Properties["tasks-title"] = models.String("v2")
	rec.Version = 2
	err = s.ApplyBatch(ctx, &engine.RecordBatch{ID: "u1", Updates: []engine.RecordUpdate{{Record: rec, ExpectedVersion: 1}}})
	assert.NilError(t, err)

	rec.Version = 3
	err = s.ApplyBatch(ctx, &engine.RecordBatch{ID: "u2", Updates: []engine.RecordUpdate{{Record: rec, ExpectedVersion: 1}}})
	assert.Assert(t, errors.Is(err, engine.ErrStaleVersion))
	assert.Assert(t, errors.Is(err, apperr.ErrConflict))

	err = s.ApplyBatch(ctx, &engine.RecordBatch{ID: "d1", Deletes: []engine.RecordDelete{{RecordID: "r1", ExpectedVersion: 1}}})
	assert.Assert(t, errors.Is(err, engine.ErrStaleVersion))

	got, err := s.GetRecord(ctx, "r1")
	assert.NilError(t, err)
	assert.Equal(t, got.Version, int64(2))
	assert.Equal(t, got.Get("tasks-title").Str, "v2")
}

func testFindReferencing(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("tasks", 0)))
	assert.NilError(t, s.CreateDatabase(ctx, Database("projects", time.Second)))
	insert(t, s,
		Record("p1", "projects", nil),
		Record("p2", "projects", nil),
		Record("t1", "tasks", map[string]models.Value{"project": models.StringList([]string{"p1"})}),
		Record("t2", "tasks", map[string]models.Value{"project": models.StringList([]string{"p2", "p1"})}),
		Record("t3", "tasks", map[string]models.Value{"other": models.StringList([]string{"p1"})}),
	)

	got, err := s.FindReferencing(ctx, "tasks", "project", "p1")
	assert.NilError(t, err)
	assert.DeepEqual(t, recordIDs(got), []string{"t1", "t2"})

	t1, err := s.GetRecord(ctx, "t1")
	assert.NilError(t, err)
	t1.SetRelation("project", []string{"p2"})
	t1.Version = 2
	err = s.ApplyBatch(ctx, &engine.RecordBatch{ID: "move", Updates: []engine.RecordUpdate{{Record: t1, ExpectedVersion: 1}}})
	assert.NilError(t, err)

	got, err = s.FindReferencing(ctx, "tasks", "project", "p1")
	assert.NilError(t, err)
	assert.DeepEqual(t, recordIDs(got), []string{"t2"})

	got, err = s.FindReferencing(ctx, "projects", "project", "p1")
	assert.NilError(t, err)
	assert.Equal(t, len(got), 0)
}

func testDeleteDatabaseDropsRecords(t *testing.T, s engine.Store) {
	ctx := context.Background()
	assert.NilError(t, s.CreateDatabase(ctx, Database("tasks", 0)))
	insert(t, s, Record("r1", "tasks", nil))

	assert.NilError(t, s.DeleteDatabase(ctx, "tasks"))
	_, err := s.GetRecord(ctx, "r1")
	assert.Assert(t, apperr.IsNotFound(err))
	_, err = s.GetDatabase(ctx, "tasks")
	assert.Assert(t, apperr.IsNotFound(err))
}

func testFormulaCache(t *testing.T, s engine.Store) {
	ctx := context.Background()
	entry := func(rec, prop string, v models.Value) *models.FormulaCacheEntry {
		return &models.FormulaCacheEntry{
			CacheKey:     models.CacheKey{RecordID: rec, PropertyID: prop, ExpressionHash: "h"},
			Value:        v,
			CalculatedAt: epoch,
			ExpiresAt:    epoch.Add(time.Hour),
			Version:      1,
		}
	}

	miss, err := s.GetFormulaCache(ctx, models.CacheKey{RecordID: "r1", PropertyID: "f", ExpressionHash: "h"})
	assert.NilError(t, err)
	assert.Assert(t, miss == nil)

	assert.NilError(t, s.PutFormulaCache(ctx, entry("r1", "f", models.Number(1))))
	assert.NilError(t, s.PutFormulaCache(ctx, entry("r1", "f", models.Number(2))))
	assert.NilError(t, s.PutFormulaCache(ctx, entry("r1", "g", models.String("x"))))
	assert.NilError(t, s.PutFormulaCache(ctx, entry("r2", "f", models.Bool(true))))

	hit, err := s.GetFormulaCache(ctx, models.CacheKey{RecordID: "r1", PropertyID: "f", ExpressionHash: "h"})
	assert.NilError(t, err)
	assert.Assert(t, hit != nil)
	assert.Assert(t, hit.Value.Equal(models.Number(2)))
	assert.Equal(t, hit.Version, int64(1))

	n, err := s.DeleteFormulaCache(ctx, "r1", []string{"g"})
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	n, err = s.DeleteFormulaCacheByProperty(ctx, "f")
	assert.NilError(t, err)
	assert.Equal(t, n, 2)

	n, err = s.DeleteFormulaCache(ctx, "r1", nil)
	assert.NilError(t, err)
	assert.Equal(t, n, 0)
}
