package engine_test

import (
	"errors"
	"testing"

	"gotest.tools/assert"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

func TestCreateRecordMirrorsRelation(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, pair := projectsAndTasks(f, models.RelationConfig{})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy", "Project": p.ID})

	assert.DeepEqual(t, f.get(task.ID).RelationIDs(project.ID), []string{p.ID})
	assert.DeepEqual(t, f.get(p.ID).RelationIDs(pair.ID), []string{task.ID})
	assert.Equal(t, f.get(p.ID).Version, int64(2))

	_, err := f.e.CreateRecord(f.ctx, tasks.DatabaseID, map[string]any{"Project": "missing"}, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrInvalidRelation))

	_, err = f.e.CreateRecord(f.ctx, tasks.DatabaseID, map[string]any{"Project": task.ID}, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrInvalidRelation))

	_, err = f.e.CreateRecord(f.ctx, tasks.DatabaseID, map[string]any{"Owner": "x"}, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrValidation))
}

func TestSingleValuedRelationMovesReference(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, pair := projectsAndTasks(f, models.RelationConfig{})
	p1 := f.record(projects.DatabaseID, map[string]any{"Name": "One"})
	p2 := f.record(projects.DatabaseID, map[string]any{"Name": "Two"})
	task := f.record(tasks.DatabaseID, map[string]any{"Project": p1.ID})

	_, err := f.e.Connect(f.ctx, task.ID, p2.ID, project.ID, "tester")
	assert.NilError(t, err)

	assert.DeepEqual(t, f.get(task.ID).RelationIDs(project.ID), []string{p2.ID})
	assert.Equal(t, len(f.get(p1.ID).RelationIDs(pair.ID)), 0)
	assert.DeepEqual(t, f.get(p2.ID).RelationIDs(pair.ID), []string{task.ID})
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, pair := projectsAndTasks(f, models.RelationConfig{})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy"})

	edge, err := f.e.Connect(f.ctx, p.ID, task.ID, "Tasks", "tester")
	assert.NilError(t, err)
	assert.Equal(t, edge.SourcePropertyID, pair.ID)
	assert.Equal(t, edge.TargetPropertyID, project.ID)
	version := f.get(p.ID).Version

	_, err = f.e.Connect(f.ctx, p.ID, task.ID, "Tasks", "tester")
	assert.NilError(t, err)
	assert.Equal(t, f.get(p.ID).Version, version)

	related, err := f.e.RelatedRecords(f.ctx, task.ID, "Project")
	assert.NilError(t, err)
	assert.Equal(t, len(related), 1)
	assert.Equal(t, related[0].ID, p.ID)

	withRelations, err := f.e.GetRecord(f.ctx, task.ID, true)
	assert.NilError(t, err)
	assert.Equal(t, withRelations.RelationsCache[project.ID].Titles[p.ID], "Launch")

	assert.NilError(t, f.e.Disconnect(f.ctx, task.ID, p.ID, project.ID, "tester"))
	assert.Equal(t, len(f.get(p.ID).RelationIDs(pair.ID)), 0)
	assert.NilError(t, f.e.Disconnect(f.ctx, task.ID, p.ID, project.ID, "tester"))

	_, err = f.e.Connect(f.ctx, task.ID, p.ID, "Name", "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrValidation))
}

func TestDeleteClearsReferences(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, _ := projectsAndTasks(f, models.RelationConfig{})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	t1 := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})
	t2 := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})

	result, err := f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.NilError(t, err)
	assert.DeepEqual(t, result.Deleted, []string{p.ID})
	assert.Equal(t, len(result.Updated), 2)
	assert.Assert(t, !f.exists(p.ID))
	assert.Equal(t, len(f.get(t1.ID).RelationIDs(project.ID)), 0)
	assert.Equal(t, len(f.get(t2.ID).RelationIDs(project.ID)), 0)

	_, err = f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.Assert(t, apperr.IsNotFound(err))
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{OnSourceDelete: models.DeleteCascade})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	t1 := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})
	t2 := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})
	other := f.record(tasks.DatabaseID, map[string]any{"Name": "unrelated"})

	result, err := f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.NilError(t, err)
	assert.Equal(t, len(result.Deleted), 3)
	assert.Assert(t, !f.exists(t1.ID))
	assert.Assert(t, !f.exists(t2.ID))
	assert.Assert(t, f.exists(other.ID))
}

func TestCascadeThroughCycleTerminates(t *testing.T) {
	f := newFixture(t)
	db := f.database("Notes")
	linked := f.relation(db.DatabaseID, "Linked", db.DatabaseID, models.RelationConfig{
		IsSymmetric:    true,
		OnSourceDelete: models.DeleteCascade,
		OnTargetDelete: models.DeleteCascade,
	})
	a := f.record(db.DatabaseID, map[string]any{"Name": "a"})
	b := f.record(db.DatabaseID, map[string]any{"Name": "b", "Linked": a.ID})
	c := f.record(db.DatabaseID, map[string]any{"Name": "c", "Linked": []string{a.ID, b.ID}})
	d := f.record(db.DatabaseID, map[string]any{"Name": "d"})
	assert.Equal(t, len(f.get(a.ID).RelationIDs(linked.ID)), 2)

	result, err := f.e.DeleteRecord(f.ctx, b.ID, "tester")
	assert.NilError(t, err)
	assert.Equal(t, len(result.Deleted), 3)
	assert.Equal(t, len(result.Updated), 0)
	for _, id := range []string{a.ID, b.ID, c.ID} {
		assert.Assert(t, !f.exists(id), id)
	}
	assert.Assert(t, f.exists(d.ID))
}

func TestRestrictBlocksDelete(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, _ := projectsAndTasks(f, models.RelationConfig{OnSourceDelete: models.DeleteRestrict})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})

	_, err := f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrConflict))
	assert.ErrorContains(t, err, "restricted")
	assert.Assert(t, f.exists(p.ID))
	assert.DeepEqual(t, f.get(task.ID).RelationIDs(project.ID), []string{p.ID})

	// the holder itself may go
	_, err = f.e.DeleteRecord(f.ctx, task.ID, "tester")
	assert.NilError(t, err)
	_, err = f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.NilError(t, err)
}

func TestRestrictLiftedByDisconnect(t *testing.T) {
	f := newFixture(t)
	projects, tasks, project, _ := projectsAndTasks(f, models.RelationConfig{OnSourceDelete: models.DeleteRestrict})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})

	assert.NilError(t, f.e.Disconnect(f.ctx, task.ID, p.ID, project.ID, "tester"))
	_, err := f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.NilError(t, err)
	assert.Assert(t, f.exists(task.ID))
}

func TestRestrictInsideDeleteSetIsAllowed(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{
		OnSourceDelete: models.DeleteRestrict,
		OnTargetDelete: models.DeleteCascade,
	})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})

	// deleting the task cascades to its project; the restrict edge lies
	// entirely inside the delete set
	result, err := f.e.DeleteRecord(f.ctx, task.ID, "tester")
	assert.NilError(t, err)
	assert.Equal(t, len(result.Deleted), 2)
	assert.Assert(t, !f.exists(p.ID))
}

func TestCascadeLimit(t *testing.T) {
	f := newFixture(t)
	f.e.Settings().MaxCascadeRecords = 2
	db := f.database("Notes")
	f.relation(db.DatabaseID, "Linked", db.DatabaseID, models.RelationConfig{
		IsSymmetric:    true,
		OnSourceDelete: models.DeleteCascade,
		OnTargetDelete: models.DeleteCascade,
	})
	a := f.record(db.DatabaseID, map[string]any{"Name": "a"})
	b := f.record(db.DatabaseID, map[string]any{"Linked": a.ID})
	f.record(db.DatabaseID, map[string]any{"Linked": b.ID})

	_, err := f.e.DeleteRecord(f.ctx, a.ID, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrEvaluationExhausted))
	assert.Assert(t, f.exists(a.ID))
}

func TestUpdateRecordVersionCheck(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	rec := f.record(db.DatabaseID, map[string]any{"Name": "draft"})
	assert.Equal(t, rec.Version, int64(1))

	updated, err := f.e.UpdateRecord(f.ctx, rec.ID, map[string]any{"Name": "final"}, "editor", 1)
	assert.NilError(t, err)
	assert.Equal(t, updated.Version, int64(2))
	assert.Equal(t, updated.LastEditedBy, "editor")

	_, err = f.e.UpdateRecord(f.ctx, rec.ID, map[string]any{"Name": "late"}, "editor", 1)
	assert.Assert(t, errors.Is(err, apperr.ErrConflict))
	assert.Equal(t, f.get(rec.ID).Get(db.Properties[0].ID).Str, "final")

	// an unchanged patch does not bump the version
	same, err := f.e.UpdateRecord(f.ctx, rec.ID, map[string]any{"Name": "final"}, "editor", 0)
	assert.NilError(t, err)
	assert.Equal(t, same.Version, int64(2))
}

func TestDeleteReplansWhenHolderLinksMidway(t *testing.T) {
	f, store := newHookedFixture(t)
	projects := f.database("Projects")
	tasks := f.database("Tasks")
	project := f.relation(tasks.DatabaseID, "Project", projects.DatabaseID, models.RelationConfig{
		RelationType:   models.RelationManyToOne,
		OnSourceDelete: models.DeleteRestrict,
	})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy"})

	// the task gets linked after the delete scanned for holders
	store.onReferencing(func() {
		_, err := f.e.Connect(f.ctx, task.ID, p.ID, project.ID, "other")
		assert.NilError(t, err)
	})

	_, err := f.e.DeleteRecord(f.ctx, p.ID, "tester")
	assert.Assert(t, errors.Is(err, apperr.ErrConflict))
	assert.ErrorContains(t, err, "restricted")
	assert.Assert(t, f.exists(p.ID))
	assert.DeepEqual(t, f.get(task.ID).RelationIDs(project.ID), []string{p.ID})
}

func TestConnectReplansWhenTargetDeletedMidway(t *testing.T) {
	f, store := newHookedFixture(t)
	projects := f.database("Projects")
	tasks := f.database("Tasks")
	project := f.relation(tasks.DatabaseID, "Project", projects.DatabaseID, models.RelationConfig{
		RelationType: models.RelationManyToOne,
	})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy"})

	// the target goes away after the connect read it
	store.onGet(p.ID, func() {
		_, err := f.e.DeleteRecord(f.ctx, p.ID, "other")
		assert.NilError(t, err)
	})

	_, err := f.e.Connect(f.ctx, task.ID, p.ID, project.ID, "tester")
	assert.Assert(t, apperr.IsNotFound(err))
	assert.Assert(t, !f.exists(p.ID))
	assert.Equal(t, len(f.get(task.ID).RelationIDs(project.ID)), 0)
}
