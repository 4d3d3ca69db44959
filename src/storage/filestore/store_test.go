package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/helpers"
	"brainengine/src/models"
	"brainengine/src/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		s, err := Open(t.TempDir(), 64, zaptest.NewLogger(t).Sugar())
		assert.NilError(t, err)
		return s
	})
}

func TestStoreReloadsDataFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t).Sugar()

	s, err := Open(dir, 64, logger)
	assert.NilError(t, err)
	assert.NilError(t, s.CreateDatabase(ctx, storetest.Database("tasks", 0)))
	assert.NilError(t, s.CreateDatabase(ctx, storetest.Database("gone", 0)))
	batch := &engine.RecordBatch{ID: "b", Inserts: []*models.Record{
		storetest.Record("r1", "tasks", map[string]models.Value{"n": models.Number(4)}),
		storetest.Record("r2", "tasks", nil),
	}}
	assert.NilError(t, s.ApplyBatch(ctx, batch))
	assert.NilError(t, s.ApplyBatch(ctx, &engine.RecordBatch{ID: "d", Deletes: []engine.RecordDelete{{RecordID: "r2"}}}))
	assert.NilError(t, s.DeleteDatabase(ctx, "gone"))
	assert.Assert(t, helpers.FileExists(filepath.Join(dir, "tasks"+DataFileExt), logger))
	assert.Assert(t, !helpers.FileExists(filepath.Join(dir, "gone"+DataFileExt), logger))
	assert.NilError(t, s.Close())

	s, err = Open(dir, 64, logger)
	assert.NilError(t, err)
	defer s.Close()

	recs, err := s.ListRecords(ctx, "tasks")
	assert.NilError(t, err)
	assert.Equal(t, len(recs), 1)
	assert.Equal(t, recs[0].Get("n").Num, float64(4))

	_, err = s.GetRecord(ctx, "r2")
	assert.Assert(t, apperr.IsNotFound(err))
	_, err = s.GetDatabase(ctx, "gone")
	assert.Assert(t, apperr.IsNotFound(err))
}

func TestStoreLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t).Sugar()
	s, err := Open(dir, 64, logger)
	assert.NilError(t, err)

	_, err = Open(dir, 64, logger)
	assert.ErrorContains(t, err, "in use")

	assert.NilError(t, s.Close())
	again, err := Open(dir, 64, logger)
	assert.NilError(t, err)
	assert.NilError(t, again.Close())
}

func TestStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "junk"+DataFileExt), []byte("not bson"), 0644))
	s, err := Open(dir, 64, zaptest.NewLogger(t).Sugar())
	assert.NilError(t, err)
	defer s.Close()

	dbs, err := s.ListDatabases(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(dbs), 0)
}
