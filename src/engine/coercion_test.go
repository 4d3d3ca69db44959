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

func TestCoerceValue(t *testing.T) {
	precision := 1
	number := &models.Property{Name: "Points", Type: models.PropertyTypeNumber, Config: models.PropertyConfig{
		Number: &models.NumberConfig{Precision: &precision},
	}}
	status := &models.Property{Name: "Status", Type: models.PropertyTypeSelect, Config: models.PropertyConfig{
		Options: []models.SelectOption{{ID: "o1", Name: "Todo"}, {ID: "o2", Name: "Done"}},
	}}
	tags := &models.Property{Name: "Tags", Type: models.PropertyTypeMultiSelect, Config: status.Config}

	tests := []struct {
		name string
		prop *models.Property
		raw  any
		want models.Value
	}{
		{"text", &models.Property{Type: models.PropertyTypeText}, "hello", models.String("hello")},
		{"empty text is null", &models.Property{Type: models.PropertyTypeText}, "", models.Null()},
		{"number from text", number, " 2.25 ", models.Number(2.3)},
		{"number from int", number, 7, models.Number(7)},
		{"checkbox from text", &models.Property{Type: models.PropertyTypeCheckbox}, "true", models.Bool(true)},
		{"date", &models.Property{Type: models.PropertyTypeDate}, "2024-05-20", models.Date(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC))},
		{"select by name", status, "Done", models.String("o2")},
		{"select by id", status, "o1", models.String("o1")},
		{"multi select dedupes", tags, []any{"Todo", "o1", "Done"}, models.StringList([]string{"o1", "o2"})},
		{"relation", &models.Property{Type: models.PropertyTypeRelation}, []string{"a", "", "a", "b"}, models.StringList([]string{"a", "b"})},
		{"email", &models.Property{Type: models.PropertyTypeEmail}, "ada@example.com", models.String("ada@example.com")},
		{"url", &models.Property{Type: models.PropertyTypeURL}, "https://example.com/x", models.String("https://example.com/x")},
		{"nil clears", number, nil, models.Null()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.CoerceValue(tt.prop, tt.raw)
			assert.NilError(t, err)
			assert.Assert(t, got.Equal(tt.want), "got %v", got)
		})
	}
}

func TestCoerceValueRejects(t *testing.T) {
	tests := []struct {
		name string
		prop *models.Property
		raw  any
		kind error
	}{
		{"number from words", &models.Property{Type: models.PropertyTypeNumber}, "many", apperr.ErrTypeMismatch},
		{"checkbox from number", &models.Property{Type: models.PropertyTypeCheckbox}, 1, apperr.ErrTypeMismatch},
		{"bad date", &models.Property{Type: models.PropertyTypeDate}, "someday", apperr.ErrTypeMismatch},
		{"unknown option", &models.Property{Type: models.PropertyTypeSelect}, "Later", apperr.ErrValidation},
		{"bad email", &models.Property{Type: models.PropertyTypeEmail}, "nobody", apperr.ErrValidation},
		{"relative url", &models.Property{Type: models.PropertyTypeURL}, "/x", apperr.ErrValidation},
		{"computed", &models.Property{Type: models.PropertyTypeFormula}, 1, apperr.ErrValidation},
		{"list of numbers", &models.Property{Type: models.PropertyTypeRelation}, []any{1}, apperr.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CoerceValue(tt.prop, tt.raw)
			assert.Assert(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}
