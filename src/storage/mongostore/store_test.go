package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"brainengine/src/engine"
	"brainengine/src/helpers"
	"brainengine/src/storage/storetest"
)

// Set BRAIN_TEST_MONGO_URI to a replica set to run these tests.
func testURI(t *testing.T) string {
	uri := os.Getenv("BRAIN_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BRAIN_TEST_MONGO_URI not set")
	}
	return uri
}

func TestStoreContract(t *testing.T) {
	uri := testURI(t)
	storetest.Run(t, func(t *testing.T) engine.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		name := fmt.Sprintf("brain_test_%s", helpers.GenerateUUID()[:8])
		s, err := Open(ctx, uri, name, zaptest.NewLogger(t).Sugar())
		assert.NilError(t, err)
		t.Cleanup(func() {
			// the suite has closed s by now
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if c, err := Open(ctx, uri, name, nil); err == nil {
				c.Drop(ctx)
				c.Close()
			}
		})
		return s
	})
}
