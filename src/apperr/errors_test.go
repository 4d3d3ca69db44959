package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"brainengine/src/apperr"

	"gotest.tools/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Run("is matches sentinel", func(t *testing.T) {
		err := apperr.Conflict("version %d is stale", 3)
		assert.Assert(t, errors.Is(err, apperr.ErrConflict))
		assert.Assert(t, !errors.Is(err, apperr.ErrNotFound))
		assert.Equal(t, err.Status(), http.StatusConflict)
	})

	t.Run("wrapped error keeps kind", func(t *testing.T) {
		err := fmt.Errorf("saving record: %w", apperr.NotFound("record %s not found", "r1"))
		assert.Assert(t, apperr.IsNotFound(err))
		kind, ok := apperr.KindOf(err)
		assert.Assert(t, ok)
		assert.Equal(t, kind, apperr.KindNotFound)
	})

	t.Run("op prefix", func(t *testing.T) {
		err := apperr.Op("connect", apperr.TypeMismatch("target in wrong database"))
		assert.Error(t, err, "connect: target in wrong database")
		assert.Assert(t, errors.Is(err, apperr.ErrTypeMismatch))
	})

	t.Run("op on plain error wraps", func(t *testing.T) {
		base := errors.New("disk full")
		err := apperr.Op("createRecord", base)
		assert.Assert(t, errors.Is(err, base))
		_, ok := apperr.KindOf(err)
		assert.Assert(t, !ok)
	})
}
