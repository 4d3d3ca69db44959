package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"brainengine/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"gotest.tools/assert"
)

func TestValueBSON(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := models.Record{
		ID:         "r1",
		DatabaseID: "db1",
		Properties: map[string]models.Value{
			"title":  models.String("Write report"),
			"points": models.Number(3),
			"done":   models.Bool(true),
			"due":    models.Date(when),
			"tags":   models.StringList([]string{"a", "b"}),
			"blank":  models.Null(),
		},
		Version: 2,
	}

	data, err := bson.Marshal(rec)
	assert.NilError(t, err)

	var out models.Record
	assert.NilError(t, bson.Unmarshal(data, &out))

	for key, want := range rec.Properties {
		got := out.Properties[key]
		assert.Assert(t, got.Equal(want), "property %s: got %v want %v", key, got, want)
	}
	assert.Equal(t, out.Properties["due"].Kind, models.KindDate)
}

func TestValueJSON(t *testing.T) {
	v := models.List(models.Number(1), models.String("x"), models.Null())
	data, err := json.Marshal(v)
	assert.NilError(t, err)
	assert.Equal(t, string(data), `[1,"x",null]`)

	var back models.Value
	assert.NilError(t, json.Unmarshal(data, &back))
	assert.Assert(t, back.Equal(v))
}

func TestValueSemantics(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Assert(t, models.Null().IsEmpty())
		assert.Assert(t, models.String("").IsEmpty())
		assert.Assert(t, models.List().IsEmpty())
		assert.Assert(t, !models.Number(0).IsEmpty())
	})

	t.Run("compare", func(t *testing.T) {
		c, ok := models.Number(1).Compare(models.Number(2))
		assert.Assert(t, ok)
		assert.Equal(t, c, -1)

		_, ok = models.Number(1).Compare(models.String("1"))
		assert.Assert(t, !ok)
	})

	t.Run("relations", func(t *testing.T) {
		r := &models.Record{ID: "t1"}
		assert.Assert(t, r.AddRelation("project", "p1"))
		assert.Assert(t, !r.AddRelation("project", "p1"))
		assert.DeepEqual(t, r.RelationIDs("project"), []string{"p1"})
		assert.Assert(t, r.RemoveRelation("project", "p1"))
		assert.Assert(t, !r.RemoveRelation("project", "p1"))
		assert.Equal(t, len(r.RelationIDs("project")), 0)
	})
}
