package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"brainengine/src/engine"
	"brainengine/src/models"
	"brainengine/src/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		s, err := Open(":memory:", zaptest.NewLogger(t).Sugar())
		assert.NilError(t, err)
		return s
	})
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "brain.db")
	logger := zaptest.NewLogger(t).Sugar()

	s, err := Open(path, logger)
	assert.NilError(t, err)
	assert.NilError(t, s.CreateDatabase(ctx, storetest.Database("tasks", 0)))
	rec := storetest.Record("r1", "tasks", map[string]models.Value{"rel": models.StringList([]string{"x"})})
	assert.NilError(t, s.ApplyBatch(ctx, &engine.RecordBatch{ID: "b", Inserts: []*models.Record{rec}}))
	assert.NilError(t, s.Close())

	s, err = Open(path, logger)
	assert.NilError(t, err)
	defer s.Close()
	got, err := s.GetRecord(ctx, "r1")
	assert.NilError(t, err)
	assert.DeepEqual(t, got.RelationIDs("rel"), []string{"x"})

	refs, err := s.FindReferencing(ctx, "tasks", "rel", "x")
	assert.NilError(t, err)
	assert.Equal(t, len(refs), 1)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", zaptest.NewLogger(t).Sugar())
	assert.NilError(t, err)
	defer s.Close()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	put := func(prop string, expires time.Time) {
		assert.NilError(t, s.PutFormulaCache(ctx, &models.FormulaCacheEntry{
			CacheKey:  models.CacheKey{RecordID: "r1", PropertyID: prop, ExpressionHash: "h"},
			Value:     models.Number(1),
			ExpiresAt: expires,
		}))
	}
	put("old", now.Add(-time.Minute))
	put("fresh", now.Add(time.Minute))
	put("forever", time.Time{})

	n, err := s.PurgeExpired(ctx, now)
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	left, err := s.DeleteFormulaCache(ctx, "r1", nil)
	assert.NilError(t, err)
	assert.Equal(t, left, 2)
}
