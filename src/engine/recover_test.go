package engine_test

import (
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"brainengine/src/engine"
	"brainengine/src/models"
)

func newJournal(t *testing.T) *engine.Journal {
	t.Helper()
	j, err := engine.NewJournal(filepath.Join(t.TempDir(), "brain"), 0)
	assert.NilError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalPending(t *testing.T) {
	j := newJournal(t)
	rec := &models.Record{ID: "r1", DatabaseID: "db", Version: 1, Properties: map[string]models.Value{
		"p": models.List(models.Number(1), models.String("x")),
	}}

	assert.NilError(t, j.Begin(&engine.RecordBatch{ID: "b1", Inserts: []*models.Record{rec}}))
	assert.NilError(t, j.Begin(&engine.RecordBatch{ID: "b2", Deletes: []engine.RecordDelete{{RecordID: "r0", ExpectedVersion: 3}}}))
	assert.NilError(t, j.Begin(&engine.RecordBatch{ID: "b3"}))
	assert.NilError(t, j.Commit("b2"))
	assert.NilError(t, j.Abort("b3"))

	pending, err := j.Pending()
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].ID, "b1")
	got := pending[0].Inserts[0]
	assert.Equal(t, got.ID, "r1")
	assert.Assert(t, got.Get("p").Equal(rec.Get("p")))

	assert.NilError(t, j.Commit("b1"))
	pending, err = j.Pending()
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 0)
}

func TestRecoverReplaysInterruptedBatch(t *testing.T) {
	j := newJournal(t)
	f := newFixture(t, engine.WithJournal(j))
	db := f.database("Tasks")
	title := db.Properties[0].ID

	kept := f.record(db.DatabaseID, map[string]any{"Name": "kept"})
	moved := f.record(db.DatabaseID, map[string]any{"Name": "before"})
	report, err := f.e.Recover(f.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Pending, 0)

	// a batch that was journaled but never reached the store
	fresh := &models.Record{ID: "fresh", DatabaseID: db.DatabaseID, Version: 1, Properties: map[string]models.Value{title: models.String("fresh")}}
	update := moved.Clone()
	update.Properties[title] = models.String("after")
	update.Version = 2
	stale := kept.Clone()
	stale.Version = 5
	assert.NilError(t, j.Begin(&engine.RecordBatch{
		ID:      "interrupted",
		Inserts: []*models.Record{fresh},
		Updates: []engine.RecordUpdate{
			{Record: update, ExpectedVersion: 1},
			{Record: stale, ExpectedVersion: 4},
		},
	}))

	report, err = f.e.Recover(f.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Pending, 1)
	assert.Equal(t, report.Replayed, 1)
	assert.Equal(t, report.Skipped, 1)

	assert.Equal(t, f.get("fresh").Get(title).Str, "fresh")
	assert.Equal(t, f.get(moved.ID).Get(title).Str, "after")
	assert.Equal(t, f.get(kept.ID).Version, int64(1))

	report, err = f.e.Recover(f.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Pending, 0)
}

func TestRecoverWithoutJournal(t *testing.T) {
	f := newFixture(t)
	report, err := f.e.Recover(f.ctx)
	assert.NilError(t, err)
	assert.Equal(t, *report, engine.RecoveryReport{})
}
