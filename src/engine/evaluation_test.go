package engine_test

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/assert"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/models"
)

// pointsFixture adds Points to Tasks and a Total rollup to Projects.
func pointsFixture(t *testing.T, fn models.RollupFunction) (f *fixture, projects, tasks *models.Database, total *models.Property) {
	f = newFixture(t)
	projects, tasks, _, _ = projectsAndTasks(f, models.RelationConfig{})
	f.property(tasks.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	total = f.rollup(projects.DatabaseID, "Total", models.RollupConfig{
		RelationPropertyID: "Tasks",
		TargetPropertyID:   "Points",
		RollupFunction:     fn,
	})
	return f, projects, tasks, total
}

func TestRollupCount(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{})
	count := f.rollup(projects.DatabaseID, "Task count", models.RollupConfig{RelationPropertyID: "Tasks", RollupFunction: models.RollupCount})
	assert.Equal(t, count.Config.Rollup.ErrorHandling, models.ErrorHandlingReturnNull)

	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	res, err := f.e.ComputeRollup(f.ctx, p.ID, count.ID)
	assert.NilError(t, err)
	assert.Assert(t, res.Value.Equal(models.Number(0)))

	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})
	res, err = f.e.ComputeRollup(f.ctx, p.ID, "Task count")
	assert.NilError(t, err)
	assert.Assert(t, res.Value.Equal(models.Number(1)))
	assert.Equal(t, len(res.Warnings), 0)
}

func TestRollupNumeric(t *testing.T) {
	tests := []struct {
		fn   models.RollupFunction
		want models.Value
	}{
		{models.RollupSum, models.Number(9)},
		{models.RollupAverage, models.Number(4.5)},
		{models.RollupMin, models.Number(2)},
		{models.RollupMax, models.Number(7)},
		{models.RollupRange, models.Number(5)},
		{models.RollupCountEmpty, models.Number(1)},
		{models.RollupPercentNotEmpty, models.Number(66.67)},
	}
	for _, tt := range tests {
		t.Run(string(tt.fn), func(t *testing.T) {
			f, projects, tasks, total := pointsFixture(t, tt.fn)
			p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
			f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Points": 2})
			f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Points": "7"})
			f.record(tasks.DatabaseID, map[string]any{"Project": p.ID})

			res, err := f.e.ComputeRollup(f.ctx, p.ID, total.ID)
			assert.NilError(t, err)
			assert.Assert(t, res.Value.Equal(tt.want), "got %v", res.Value)
		})
	}
}

func TestRollupErrorHandling(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{})
	asNull := f.rollup(projects.DatabaseID, "Sum of names", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Name", RollupFunction: models.RollupSum,
	})
	asDefault := f.rollup(projects.DatabaseID, "Sum or zero", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Name", RollupFunction: models.RollupSum,
		ErrorHandling: models.ErrorHandlingReturnDefault, DefaultValue: models.Number(0),
	})
	throws := f.rollup(projects.DatabaseID, "Sum or fail", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Name", RollupFunction: models.RollupSum,
		ErrorHandling: models.ErrorHandlingThrow,
	})

	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy", "Project": p.ID})

	res, err := f.e.ComputeRollup(f.ctx, p.ID, asNull.ID)
	assert.NilError(t, err)
	assert.Assert(t, res.Value.IsNull())
	assert.Equal(t, len(res.Warnings), 1)
	assert.Equal(t, res.Warnings[0].Code, apperr.RollupFallbackWarning)

	res, err = f.e.ComputeRollup(f.ctx, p.ID, asDefault.ID)
	assert.NilError(t, err)
	assert.Assert(t, res.Value.Equal(models.Number(0)))

	_, err = f.e.ComputeRollup(f.ctx, p.ID, throws.ID)
	assert.Assert(t, errors.Is(err, apperr.ErrTypeMismatch))
}

func TestRollupShowsOptionNames(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{})
	f.property(tasks.DatabaseID, engine.PropertySpec{Name: "Status", Type: models.PropertyTypeSelect, Config: models.PropertyConfig{
		Options: []models.SelectOption{{Name: "Todo"}, {Name: "Done"}},
	}})
	statuses := f.rollup(projects.DatabaseID, "Statuses", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Status", RollupFunction: models.RollupShowUnique,
	})

	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Status": "Done"})
	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Status": "Done"})
	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Status": "Todo"})

	res, err := f.e.ComputeRollup(f.ctx, p.ID, statuses.ID)
	assert.NilError(t, err)
	assert.DeepEqual(t, res.Value.Strings(), []string{"Done", "Todo"})
}

func TestRollupCacheInvalidatedThroughRelation(t *testing.T) {
	f, projects, tasks, total := pointsFixture(t, models.RollupSum)
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	task := f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Points": 3})

	res, err := f.e.ComputeRollup(f.ctx, p.ID, total.ID)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)
	assert.Assert(t, res.Value.Equal(models.Number(3)))

	res, err = f.e.ComputeRollup(f.ctx, p.ID, total.ID)
	assert.NilError(t, err)
	assert.Assert(t, res.FromCache)

	// the project record is untouched, the linked task changes
	_, err = f.e.UpdateRecord(f.ctx, task.ID, map[string]any{"Points": 5}, "tester", 0)
	assert.NilError(t, err)

	res, err = f.e.ComputeRollup(f.ctx, p.ID, total.ID)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)
	assert.Assert(t, res.Value.Equal(models.Number(5)))
}

func TestFormulaEvaluation(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	f.property(db.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	double := f.formula(db.DatabaseID, "Double", "{Points} * 2")
	label := f.formula(db.DatabaseID, "Label", `concat({Name}, ": ", {Double})`)
	assert.DeepEqual(t, label.Config.Formula.Dependencies, []string{db.Properties[0].ID, double.ID})

	rec := f.record(db.DatabaseID, map[string]any{"Name": "Write", "Points": 4})
	res, err := f.e.EvaluateFormula(f.ctx, rec.ID, label.ID, nil)
	assert.NilError(t, err)
	assert.Equal(t, res.Value.Str, "Write: 8")

	res, err = f.e.EvaluateFormula(f.ctx, rec.ID, "Double", nil)
	assert.NilError(t, err)
	assert.Assert(t, res.FromCache)

	_, err = f.e.UpdateRecord(f.ctx, rec.ID, map[string]any{"Points": 5}, "tester", 0)
	assert.NilError(t, err)
	res, err = f.e.EvaluateFormula(f.ctx, rec.ID, label.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)
	assert.Equal(t, res.Value.Str, "Write: 10")

	_, err = f.e.UpdateRecord(f.ctx, rec.ID, map[string]any{"Double": 3}, "tester", 0)
	assert.Assert(t, errors.Is(err, apperr.ErrValidation))
}

func TestFormulaCacheExpires(t *testing.T) {
	now := testNow
	f := newFixture(t, engine.WithClock(func() time.Time { return now }))
	db := f.database("Tasks")
	f.property(db.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	double := f.property(db.DatabaseID, engine.PropertySpec{
		Name: "Double", Type: models.PropertyTypeFormula,
		Config: models.PropertyConfig{Formula: &models.FormulaConfig{Expression: "{Points} * 2", CacheTTLSeconds: 60}},
	})
	rec := f.record(db.DatabaseID, map[string]any{"Points": 4})

	res, err := f.e.EvaluateFormula(f.ctx, rec.ID, double.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)

	now = testNow.Add(59 * time.Second)
	res, err = f.e.EvaluateFormula(f.ctx, rec.ID, double.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, res.FromCache)

	now = testNow.Add(61 * time.Second)
	res, err = f.e.EvaluateFormula(f.ctx, rec.ID, double.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)
	assert.Assert(t, res.Value.Equal(models.Number(8)))
}

func TestFormulaCacheDroppedOnExpressionEdit(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	f.property(db.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	calc := f.formula(db.DatabaseID, "Calc", "{Points} * 2")
	rec := f.record(db.DatabaseID, map[string]any{"Points": 4})

	_, err := f.e.EvaluateFormula(f.ctx, rec.ID, calc.ID, nil)
	assert.NilError(t, err)
	res, err := f.e.EvaluateFormula(f.ctx, rec.ID, calc.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, res.FromCache)

	_, err = f.e.UpdateProperty(f.ctx, db.DatabaseID, calc.ID, engine.PropertyPatch{
		Config: &models.PropertyConfig{Formula: &models.FormulaConfig{Expression: "{Points} * 3"}},
	}, "tester")
	assert.NilError(t, err)

	res, err = f.e.EvaluateFormula(f.ctx, rec.ID, calc.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, !res.FromCache)
	assert.Assert(t, res.Value.Equal(models.Number(12)))
}

func TestFormulaVariablesAreNotCached(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	f.property(db.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	bonus := f.formula(db.DatabaseID, "Bonus", "{Points} + $extra")
	rec := f.record(db.DatabaseID, map[string]any{"Points": 1})

	for _, extra := range []float64{1, 2} {
		res, err := f.e.EvaluateFormula(f.ctx, rec.ID, bonus.ID, map[string]models.Value{"extra": models.Number(extra)})
		assert.NilError(t, err)
		assert.Assert(t, !res.FromCache)
		assert.Assert(t, res.Value.Equal(models.Number(1+extra)))
	}
}

func TestFormulaUsesEngineClock(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	stamp := f.formula(db.DatabaseID, "Stamp", `formatDate(now(), "YYYY-MM-DD")`)
	rec := f.record(db.DatabaseID, nil)

	res, err := f.e.EvaluateFormula(f.ctx, rec.ID, stamp.ID, nil)
	assert.NilError(t, err)
	assert.Equal(t, res.Value.Str, "2024-06-01")

	preview, err := f.e.EvaluateExpression(f.ctx, db.DatabaseID, "", "year(now()) + 1", nil)
	assert.NilError(t, err)
	assert.Assert(t, preview.Value.Equal(models.Number(2025)))
}

func TestFormulaOverRelatedRecords(t *testing.T) {
	f, projects, tasks, _ := pointsFixture(t, models.RollupSum)
	open := f.formula(projects.DatabaseID, "Open points", `sum(related("Tasks", "Points")) - {Total}`)
	assert.DeepEqual(t, open.Config.Formula.RelationDependencies, []string{f.propertyNamed(projects.DatabaseID, "Tasks").ID})

	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Points": 2})
	f.record(tasks.DatabaseID, map[string]any{"Project": p.ID, "Points": 3})

	res, err := f.e.EvaluateFormula(f.ctx, p.ID, open.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, res.Value.Equal(models.Number(0)))
}

func TestRuntimeCycleThroughRollup(t *testing.T) {
	f := newFixture(t)
	db := f.database("Notes")
	f.relation(db.DatabaseID, "Linked", db.DatabaseID, models.RelationConfig{IsSymmetric: true})
	score := f.formula(db.DatabaseID, "Score", "1")
	f.rollup(db.DatabaseID, "Linked score", models.RollupConfig{
		RelationPropertyID: "Linked", TargetPropertyID: "Score", RollupFunction: models.RollupSum,
	})

	// formula -> rollup -> formula is only visible once records are linked
	_, err := f.e.UpdateProperty(f.ctx, db.DatabaseID, score.ID, engine.PropertyPatch{
		Config: &models.PropertyConfig{Formula: &models.FormulaConfig{Expression: "{Linked score} + 1"}},
	}, "tester")
	assert.NilError(t, err)

	a := f.record(db.DatabaseID, map[string]any{"Name": "a"})
	res, err := f.e.EvaluateFormula(f.ctx, a.ID, score.ID, nil)
	assert.NilError(t, err)
	assert.Assert(t, res.Value.Equal(models.Number(1)))

	f.record(db.DatabaseID, map[string]any{"Name": "b", "Linked": a.ID})
	_, err = f.e.EvaluateFormula(f.ctx, a.ID, score.ID, nil)
	assert.Assert(t, errors.Is(err, apperr.ErrCircularDependency))

	_, err = f.e.QueryView(f.ctx, db.DatabaseID, models.View{Sorts: []models.SortSpec{{PropertyID: score.ID}}}, nil)
	assert.Assert(t, errors.Is(err, apperr.ErrCircularDependency), "got %v", err)
}

func TestViewReportsRollupFailures(t *testing.T) {
	f := newFixture(t)
	projects, tasks, _, _ := projectsAndTasks(f, models.RelationConfig{})
	f.rollup(projects.DatabaseID, "Sum of names", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Name", RollupFunction: models.RollupSum,
	})
	p := f.record(projects.DatabaseID, map[string]any{"Name": "Launch"})
	f.record(tasks.DatabaseID, map[string]any{"Name": "Write copy", "Project": p.ID})

	proj, err := f.e.QueryView(f.ctx, projects.DatabaseID, models.View{}, nil)
	assert.NilError(t, err)
	assert.Equal(t, proj.Total, 1)
	assert.Equal(t, len(proj.Warnings), 1)
	assert.Equal(t, proj.Warnings[0].Code, apperr.RollupFallbackWarning)

	f.rollup(projects.DatabaseID, "Sum or fail", models.RollupConfig{
		RelationPropertyID: "Tasks", TargetPropertyID: "Name", RollupFunction: models.RollupSum,
		ErrorHandling: models.ErrorHandlingThrow,
	})
	_, err = f.e.QueryView(f.ctx, projects.DatabaseID, models.View{}, nil)
	assert.Assert(t, errors.Is(err, apperr.ErrTypeMismatch), "got %v", err)
}

func TestEvaluationDepthLimit(t *testing.T) {
	f := newFixture(t)
	f.e.Settings().MaxEvalDepth = 2
	db := f.database("Tasks")
	f.formula(db.DatabaseID, "A", "1")
	f.formula(db.DatabaseID, "B", "{A} + 1")
	c := f.formula(db.DatabaseID, "C", "{B} + 1")
	rec := f.record(db.DatabaseID, nil)

	_, err := f.e.EvaluateFormula(f.ctx, rec.ID, c.ID, nil)
	assert.Assert(t, errors.Is(err, apperr.ErrEvaluationExhausted))
}

func TestViewsOverComputedValues(t *testing.T) {
	f := newFixture(t)
	db := f.database("Tasks")
	points := f.property(db.DatabaseID, engine.PropertySpec{Name: "Points", Type: models.PropertyTypeNumber})
	double := f.formula(db.DatabaseID, "Double", "{Points} * 2")
	for i, name := range []string{"low", "high", "mid", "none"} {
		input := map[string]any{"Name": name}
		if name != "none" {
			input["Points"] = []int{1, 9, 4}[i]
		}
		f.record(db.DatabaseID, input)
	}

	view, err := f.e.SaveView(f.ctx, db.DatabaseID, models.View{
		Name: "Big",
		Filters: &models.FilterGroup{Operator: models.LogicAnd, Conditions: []models.FilterNode{
			models.Leaf(models.FilterCondition{PropertyID: double.ID, Operator: models.OpGreaterThan, Value: models.Number(4)}),
		}},
		Sorts: []models.SortSpec{{PropertyID: points.ID, Direction: models.SortDescending}},
	}, "tester")
	assert.NilError(t, err)

	p, err := f.e.ApplyView(f.ctx, db.DatabaseID, view.ID, nil)
	assert.NilError(t, err)
	assert.Equal(t, p.Total, 2)
	assert.Equal(t, len(p.Rows), 2)
	assert.Equal(t, engine.RecordTitle(db, p.Rows[0].Record), "high")
	assert.Equal(t, engine.RecordTitle(db, p.Rows[1].Record), "mid")
	assert.Assert(t, p.Rows[0].Values[double.ID].Equal(models.Number(18)))

	all, err := f.e.ListRecords(f.ctx, db.DatabaseID)
	assert.NilError(t, err)
	q, err := f.e.QueryView(f.ctx, db.DatabaseID, models.View{
		Sorts: []models.SortSpec{{PropertyID: points.ID}},
	}, all[:3])
	assert.NilError(t, err)
	assert.Equal(t, q.Total, 3)
	assert.Equal(t, engine.RecordTitle(db, q.Rows[0].Record), "low")

	_, err = f.e.QueryView(f.ctx, db.DatabaseID, models.View{
		Sorts: []models.SortSpec{{PropertyID: "nope"}},
	}, nil)
	assert.Assert(t, errors.Is(err, apperr.ErrValidation))

	assert.NilError(t, f.e.RemoveView(f.ctx, db.DatabaseID, view.ID, "tester"))
	_, err = f.e.ApplyView(f.ctx, db.DatabaseID, view.ID, nil)
	assert.Assert(t, apperr.IsNotFound(err))
}
