package helpers_test

import (
	"sync"
	"testing"

	"brainengine/src/helpers"

	"gotest.tools/assert"
)

func TestHashExpression(t *testing.T) {
	a := helpers.HashExpression(`prop("Price") * 2`)
	b := helpers.HashExpression("  prop(\"Price\") * 2\n")
	c := helpers.HashExpression(`prop("Price") * 3`)

	assert.Equal(t, a, b)
	assert.Assert(t, a != c)
	assert.Equal(t, len(a), 64)
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, helpers.StripQuotes(`"done"`), "done")
	assert.Equal(t, helpers.StripQuotes(`'done'`), "done")
	assert.Equal(t, helpers.StripQuotes(`"done'`), `"done'`)
}

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes same key", func(t *testing.T) {
		km := helpers.NewKeyedMutex()
		counter := 0
		wg := sync.WaitGroup{}
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release := km.Lock("r1")
				defer release()
				counter++
			}()
		}
		wg.Wait()
		assert.Equal(t, counter, 50)
		assert.Equal(t, km.Held(), 0)
	})

	t.Run("lock all with overlapping sets", func(t *testing.T) {
		km := helpers.NewKeyedMutex()
		wg := sync.WaitGroup{}
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				km.LockAll("a", "b")()
			}()
			go func() {
				defer wg.Done()
				km.LockAll("b", "a", "a")()
			}()
		}
		wg.Wait()
		assert.Equal(t, km.Held(), 0)
	})
}
