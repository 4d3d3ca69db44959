// Package storage opens the engine.Store named by the settings.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"brainengine/src/engine"
	"brainengine/src/settings"
	"brainengine/src/storage/filestore"
	"brainengine/src/storage/memory"
	"brainengine/src/storage/mongostore"
	"brainengine/src/storage/sqlitestore"
)

const connectTimeout = 10 * time.Second

// Open builds the store selected by args.StoreBackend.
func Open(ctx context.Context, args *settings.Arguments, logger *zap.SugaredLogger) (engine.Store, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	switch args.StoreBackend {
	case settings.BackendFile:
		s, err := filestore.Open(args.DataDir, args.FormulaCacheSize, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case settings.BackendSQLite:
		if dir := filepath.Dir(args.SQLitePath); args.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		s, err := sqlitestore.Open(args.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case settings.BackendMongo:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		s, err := mongostore.Open(ctx, args.MongoURI, args.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return memory.New(args.FormulaCacheSize, logger), nil
}
