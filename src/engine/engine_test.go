package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"brainengine/src/engine"
	"brainengine/src/models"
	"brainengine/src/settings"
	"brainengine/src/storage/memory"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	e     *engine.Engine
	store *memory.Store
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store := memory.New(256, logger)
	args := settings.Defaults()
	opts = append([]engine.Option{engine.WithClock(func() time.Time { return testNow })}, opts...)
	e := engine.New(store, args, logger, opts...)
	t.Cleanup(func() { e.Close() })
	return &fixture{t: t, ctx: context.Background(), e: e, store: store}
}

// hookedStore wraps the memory store so a test can run a write in the
// middle of another operation, or make schema saves fail.
type hookedStore struct {
	*memory.Store

	mu               sync.Mutex
	afterGet         map[string]func()
	afterReferencing func()
	failUpdate       string
}

var errDiskFull = errors.New("disk full")

func newHookedFixture(t *testing.T) (*fixture, *hookedStore) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store := &hookedStore{Store: memory.New(256, logger), afterGet: make(map[string]func())}
	e := engine.New(store, settings.Defaults(), logger, engine.WithClock(func() time.Time { return testNow }))
	t.Cleanup(func() { e.Close() })
	return &fixture{t: t, ctx: context.Background(), e: e, store: store.Store}, store
}

// onGet runs fn once, right after the next read of recordID.
func (s *hookedStore) onGet(recordID string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterGet[recordID] = fn
}

// onReferencing runs fn once, right after the next reference scan.
func (s *hookedStore) onReferencing(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterReferencing = fn
}

func (s *hookedStore) failUpdatesOf(databaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = databaseID
}

func (s *hookedStore) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	rec, err := s.Store.GetRecord(ctx, recordID)
	s.mu.Lock()
	fn := s.afterGet[recordID]
	delete(s.afterGet, recordID)
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return rec, err
}

func (s *hookedStore) FindReferencing(ctx context.Context, databaseID, propertyID, targetID string) ([]*models.Record, error) {
	recs, err := s.Store.FindReferencing(ctx, databaseID, propertyID, targetID)
	s.mu.Lock()
	fn := s.afterReferencing
	s.afterReferencing = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return recs, err
}

func (s *hookedStore) UpdateDatabase(ctx context.Context, db *models.Database) error {
	s.mu.Lock()
	fail := s.failUpdate != "" && s.failUpdate == db.DatabaseID
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.Store.UpdateDatabase(ctx, db)
}

func (f *fixture) database(name string) *models.Database {
	f.t.Helper()
	db, err := f.e.CreateDatabase(f.ctx, name, "", "tester")
	assert.NilError(f.t, err)
	return db
}

func (f *fixture) property(dbID string, spec engine.PropertySpec) *models.Property {
	f.t.Helper()
	p, err := f.e.DefineProperty(f.ctx, dbID, spec, "tester")
	assert.NilError(f.t, err)
	return p
}

func (f *fixture) relation(dbID, name, targetID string, cfg models.RelationConfig) *models.Property {
	f.t.Helper()
	cfg.TargetDatabaseID = targetID
	return f.property(dbID, engine.PropertySpec{Name: name, Type: models.PropertyTypeRelation, Config: models.PropertyConfig{Relation: &cfg}})
}

func (f *fixture) formula(dbID, name, expr string) *models.Property {
	f.t.Helper()
	return f.property(dbID, engine.PropertySpec{Name: name, Type: models.PropertyTypeFormula, Config: models.PropertyConfig{
		Formula: &models.FormulaConfig{Expression: expr},
	}})
}

func (f *fixture) rollup(dbID, name string, cfg models.RollupConfig) *models.Property {
	f.t.Helper()
	return f.property(dbID, engine.PropertySpec{Name: name, Type: models.PropertyTypeRollup, Config: models.PropertyConfig{Rollup: &cfg}})
}

func (f *fixture) record(dbID string, input map[string]any) *models.Record {
	f.t.Helper()
	rec, err := f.e.CreateRecord(f.ctx, dbID, input, "tester")
	assert.NilError(f.t, err)
	return rec
}

func (f *fixture) get(id string) *models.Record {
	f.t.Helper()
	rec, err := f.e.GetRecord(f.ctx, id, false)
	assert.NilError(f.t, err)
	return rec
}

func (f *fixture) exists(id string) bool {
	_, err := f.store.GetRecord(f.ctx, id)
	return err == nil
}

// propertyNamed looks a property up on the stored schema.
func (f *fixture) propertyNamed(dbID, name string) *models.Property {
	f.t.Helper()
	db, err := f.e.GetDatabase(f.ctx, dbID)
	assert.NilError(f.t, err)
	p, ok := db.PropertyByName(name)
	assert.Assert(f.t, ok, "no property %q", name)
	return p
}

// projectsAndTasks builds Projects and Tasks joined by a dual relation.
// Tasks.Project holds one project; Projects.Tasks is its pair.
func projectsAndTasks(f *fixture, cfg models.RelationConfig) (projects, tasks *models.Database, project, pair *models.Property) {
	projects = f.database("Projects")
	tasks = f.database("Tasks")
	cfg.IsSymmetric = true
	cfg.RelationType = models.RelationManyToOne
	project = f.relation(tasks.DatabaseID, "Project", projects.DatabaseID, cfg)
	pair = f.propertyNamed(projects.DatabaseID, "Tasks")
	return projects, tasks, project, pair
}

func TestCreateDatabaseHasSystemProperties(t *testing.T) {
	f := newFixture(t)
	db := f.database("  Reading list ")
	assert.Equal(t, db.Name, "Reading list")
	assert.Equal(t, len(db.Properties), 3)
	assert.Equal(t, db.Properties[0].Name, engine.TitlePropertyName)
	assert.Assert(t, db.Properties[0].IsSystem)
	assert.Equal(t, db.Properties[1].Type, models.PropertyTypeCreatedTime)
	assert.Equal(t, db.Properties[2].Type, models.PropertyTypeLastEditedTime)
	assert.Assert(t, db.CreatedAt.Equal(testNow))
	assert.Equal(t, db.CreatedBy, "tester")

	_, err := f.e.CreateDatabase(f.ctx, " ", "", "tester")
	assert.ErrorContains(t, err, "name is required")
}
