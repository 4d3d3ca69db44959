package formula

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/models"

	"gotest.tools/assert"
)

type mapResolver struct {
	props   map[string]models.Value
	related map[string][]models.Value
}

func (r mapResolver) PropertyValue(ref string) (models.Value, error) {
	v, ok := r.props[ref]
	if !ok {
		return models.Null(), apperr.NotFound("property %q not found", ref)
	}
	return v, nil
}

func (r mapResolver) RelatedValues(relationRef, propertyRef string) ([]models.Value, error) {
	key := relationRef + "." + propertyRef
	v, ok := r.related[key]
	if !ok {
		return nil, apperr.NotFound("relation %q not found", relationRef)
	}
	return v, nil
}

var fixedNow = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

func testContext() Context {
	return Context{
		Resolver: mapResolver{
			props: map[string]models.Value{
				"Estimate": models.Number(3),
				"Name":     models.String("Write report"),
				"Done":     models.Bool(false),
				"Due":      models.Date(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)),
				"Tags":     models.StringList([]string{"work", "urgent"}),
				"Blank":    models.Null(),
				"Count":    models.String("7"),
			},
			related: map[string][]models.Value{
				"Tasks.Estimate": {models.Number(2), models.Number(5), models.Null()},
			},
		},
		Variables: map[string]models.Value{"rate": models.Number(1.5)},
		Now:       fixedNow,
	}
}

func eval(t *testing.T, expr string) Result {
	t.Helper()
	res, err := EvaluateString(expr, testContext())
	assert.NilError(t, err, "expression %s", expr)
	return res
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"2 ^ 3 ^ 2", 512},
		{"-2 ^ 2", -4},
		{"10 - 4 - 3", 3},
		{"10 % 4 + 1", 3},
		{"8 / 2 / 2", 2},
		{"1e3 + .5", 1000.5},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res := eval(t, tt.expr)
			assert.Equal(t, res.Value.Kind, models.KindNumber)
			assert.Equal(t, res.Value.Num, tt.want)
		})
	}
}

func TestParseLogical(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"true || false && false", true},
		{"1 < 2 == true", true},
		{"not false and true", true},
		{"1 = 1", true},
		{"and(true, 1 > 0)", true},
		{"or(false, {Done})", false},
		{"!{Done}", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res := eval(t, tt.expr)
			assert.Equal(t, res.Value.Kind, models.KindBool)
			assert.Equal(t, res.Value.Bool, tt.want)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{"", "1 +", "(1 + 2", "foo", "prop(Name)", "{Name", "1 # 2", `"open`, "1 2"} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Assert(t, errors.Is(err, apperr.ErrValidation), "got %v", err)
		})
	}

	deep := strings.Repeat("(", 300) + "1" + strings.Repeat(")", 300)
	_, err := Parse(deep)
	assert.ErrorContains(t, err, "nested too deeply")
}

func TestPropertyReferences(t *testing.T) {
	assert.Equal(t, eval(t, `prop("Estimate") * 2`).Value.Num, 6.0)
	assert.Equal(t, eval(t, `{Estimate} * $rate`).Value.Num, 4.5)
	assert.Equal(t, eval(t, `{Name} + "!"`).Value.Str, "Write report!")

	_, err := EvaluateString(`{Missing} + 1`, testContext())
	assert.Assert(t, errors.Is(err, apperr.ErrNotFound))

	_, err = EvaluateString(`$unknown`, testContext())
	assert.Assert(t, errors.Is(err, apperr.ErrValidation))
}

func TestNullPropagation(t *testing.T) {
	assert.Assert(t, eval(t, `{Blank} + 1`).Value.IsNull())
	assert.Assert(t, eval(t, `-{Blank}`).Value.IsNull())
	assert.Equal(t, eval(t, `{Blank} == null`).Value.Bool, true)
	assert.Equal(t, eval(t, `coalesce({Blank}, "fallback")`).Value.Str, "fallback")
}

func TestWarnings(t *testing.T) {
	t.Run("string used as number", func(t *testing.T) {
		res := eval(t, `{Count} * 2`)
		assert.Equal(t, res.Value.Num, 14.0)
		assert.Equal(t, len(res.Warnings), 1)
		assert.Equal(t, res.Warnings[0].Code, apperr.TypeCoercionWarning)
	})

	t.Run("division by zero", func(t *testing.T) {
		res := eval(t, `1 / 0`)
		assert.Assert(t, res.Value.IsNull())
		assert.Equal(t, res.Warnings[0].Code, apperr.DivisionByZeroWarning)
	})

	t.Run("precision loss", func(t *testing.T) {
		res := eval(t, `2 ^ 60`)
		assert.Equal(t, res.Warnings[0].Code, apperr.PrecisionLossWarning)
	})

	t.Run("non numeric text fails", func(t *testing.T) {
		_, err := EvaluateString(`{Name} * 2`, testContext())
		assert.Assert(t, errors.Is(err, apperr.ErrTypeMismatch))
	})
}

func TestFunctions(t *testing.T) {
	tests := []struct {
		expr string
		want models.Value
	}{
		{`abs(-3)`, models.Number(3)},
		{`round(2.346, 2)`, models.Number(2.35)},
		{`round(2.5)`, models.Number(3)},
		{`floor(2.7) + ceil(2.1)`, models.Number(5)},
		{`sqrt(16)`, models.Number(4)},
		{`pow(2, 10)`, models.Number(1024)},
		{`min(4, 2, 8)`, models.Number(2)},
		{`max(4, "9")`, models.Number(9)},
		{`sum(related("Tasks", "Estimate"))`, models.Number(7)},
		{`average(2, 4)`, models.Number(3)},
		{`mod(7, 3)`, models.Number(1)},
		{`sign(-8)`, models.Number(-1)},
		{`concat("a", 1, true)`, models.String("a1true")},
		{`length("héllo")`, models.Number(5)},
		{`upper("abc") + lower("DEF")`, models.String("ABCdef")},
		{`trim("  x  ")`, models.String("x")},
		{`contains({Tags}, "urgent")`, models.Bool(true)},
		{`contains({Name}, "report")`, models.Bool(true)},
		{`startsWith({Name}, "Write")`, models.Bool(true)},
		{`endsWith({Name}, "x")`, models.Bool(false)},
		{`replace("a-b-c", "-", "+")`, models.String("a+b+c")},
		{`slice("abcdef", 1, 3)`, models.String("bc")},
		{`slice("abcdef", -2)`, models.String("ef")},
		{`format(42)`, models.String("42")},
		{`toNumber("12.5")`, models.Number(12.5)},
		{`join({Tags}, "|")`, models.String("work|urgent")},
		{`if({Estimate} > 2, "big", "small")`, models.String("big")},
		{`if(false, 1)`, models.Null()},
		{`empty({Blank})`, models.Bool(true)},
		{`not(true)`, models.Bool(false)},
		{`year({Due}) * 100 + month({Due})`, models.Number(202405)},
		{`day(dateAdd({Due}, 3, "days"))`, models.Number(23)},
		{`month(dateSubtract({Due}, 1, "month"))`, models.Number(4)},
		{`dateBetween({Due}, now(), "days")`, models.Number(9)},
		{`formatDate({Due}, "YYYY/MM/DD")`, models.String("2024/05/20")},
		{`formatDate(now(), "MMM D, YYYY HH:mm")`, models.String("May 10, 2024 09:30")},
		{`count({Tags})`, models.Number(2)},
		{`first({Tags})`, models.String("work")},
		{`last({Tags})`, models.String("urgent")},
		{`at({Tags}, 5)`, models.Null()},
		{`count(related("Tasks", "Estimate"))`, models.Number(3)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res := eval(t, tt.expr)
			assert.Assert(t, res.Value.Equal(tt.want), "got %v (%s), want %v", res.Value, res.Value.Kind, tt.want)
		})
	}
}

func TestShortCircuit(t *testing.T) {
	// the untaken branch reads a missing property and would fail if evaluated
	res := eval(t, `if(true, 1, {Missing})`)
	assert.Equal(t, res.Value.Num, 1.0)
	res = eval(t, `false && {Missing}`)
	assert.Equal(t, res.Value.Bool, false)
}

func TestStepLimit(t *testing.T) {
	ctx := testContext()
	ctx.MaxSteps = 10
	expr := strings.TrimSuffix(strings.Repeat("1 + ", 20), " + ")
	_, err := EvaluateString(expr, ctx)
	assert.Assert(t, errors.Is(err, apperr.ErrEvaluationExhausted))
}

func TestDeterminism(t *testing.T) {
	expr := `concat({Name}, " due ", formatDate({Due}), " in ", dateBetween({Due}, now(), "days"))`
	first := eval(t, expr)
	for i := 0; i < 5; i++ {
		again := eval(t, expr)
		assert.Assert(t, again.Value.Equal(first.Value))
	}
	assert.Equal(t, first.Value.Str, "Write report due 2024-05-20 in 9")
}

type testSchema map[string]PropertyInfo

func (s testSchema) LookupProperty(ref string) (PropertyInfo, bool) {
	info, ok := s[ref]
	return info, ok
}

func (s testSchema) LookupRelated(relationRef, propertyRef string) (PropertyInfo, PropertyInfo, error) {
	rel, ok := s[relationRef]
	if !ok || rel.Type != models.PropertyTypeRelation {
		return PropertyInfo{}, PropertyInfo{}, fmt.Errorf("%q is not a relation property", relationRef)
	}
	return rel, PropertyInfo{ID: "target-" + propertyRef, Name: propertyRef, Type: models.PropertyTypeNumber}, nil
}

func TestValidate(t *testing.T) {
	schema := testSchema{
		"Estimate": {ID: "p-est", Name: "Estimate", Type: models.PropertyTypeNumber},
		"Name":     {ID: "p-name", Name: "Name", Type: models.PropertyTypeText},
		"Due":      {ID: "p-due", Name: "Due", Type: models.PropertyTypeDate},
		"Tasks":    {ID: "p-tasks", Name: "Tasks", Type: models.PropertyTypeRelation},
	}

	t.Run("valid with dependencies", func(t *testing.T) {
		v := Validate(`prop("Estimate") * 2 + sum(related("Tasks", "Estimate"))`, schema)
		assert.Assert(t, v.IsValid, "errors: %v", v.Errors)
		assert.DeepEqual(t, v.Dependencies, []string{"p-est", "p-tasks"})
		assert.DeepEqual(t, v.RelationDependencies, []string{"p-tasks"})
		assert.Equal(t, v.ReturnType, TypeNumber)
		// 8 nodes, two calls, one related()
		assert.Equal(t, v.EstimatedComplexity, 8+2*callWeight+relatedWeight)
	})

	t.Run("return types", func(t *testing.T) {
		assert.Equal(t, Validate(`{Name} + 1`, schema).ReturnType, TypeString)
		assert.Equal(t, Validate(`dateAdd({Due}, 1, "day")`, schema).ReturnType, TypeDate)
		assert.Equal(t, Validate(`{Estimate} > 1`, schema).ReturnType, TypeBoolean)
		assert.Equal(t, Validate(`if(true, "a", "b")`, schema).ReturnType, TypeString)
	})

	t.Run("unknown property", func(t *testing.T) {
		v := Validate(`{Nope} + 1`, schema)
		assert.Assert(t, !v.IsValid)
		assert.ErrorContains(t, errors.New(v.Errors[0]), "unknown property")
	})

	t.Run("unknown function and arity", func(t *testing.T) {
		v := Validate(`frobnicate(1) + abs(1, 2)`, schema)
		assert.Assert(t, !v.IsValid)
		assert.Equal(t, len(v.Errors), 2)
	})

	t.Run("related needs literals", func(t *testing.T) {
		v := Validate(`related({Name}, "Estimate")`, schema)
		assert.Assert(t, !v.IsValid)
	})

	t.Run("related on non relation", func(t *testing.T) {
		v := Validate(`related("Name", "Estimate")`, schema)
		assert.Assert(t, !v.IsValid)
	})

	t.Run("coercion warning", func(t *testing.T) {
		v := Validate(`{Name} * 2`, schema)
		assert.Assert(t, v.IsValid)
		assert.Equal(t, len(v.Warnings), 1)
	})

	t.Run("syntax error", func(t *testing.T) {
		v := Validate(`1 +`, schema)
		assert.Assert(t, !v.IsValid)
		assert.Equal(t, v.EstimatedComplexity, 0)
	})
}

func TestGoLayout(t *testing.T) {
	assert.Equal(t, GoLayout("YYYY-MM-DD"), "2006-01-02")
	assert.Equal(t, GoLayout("MMMM D, YYYY h:mm A"), "January 2, 2006 3:04 PM")
}
