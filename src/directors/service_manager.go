package directors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"brainengine/src/engine"
	"brainengine/src/settings"
	"brainengine/src/storage"
)

type ServiceManager struct {
	DatabaseService *DatabaseService
	RecordService   *RecordService
	Engine          *engine.Engine
	store           engine.Store
	logger          *zap.SugaredLogger
}

// Private instance and mutex for thread safety
var (
	instance *ServiceManager
	mu       sync.RWMutex
)

// GetServiceManager returns the singleton instance of ServiceManager, or nil
// before InitServiceManager ran.
func GetServiceManager() *ServiceManager {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// InitServiceManager installs the services as the process wide singleton.
// A later call replaces the earlier instance.
func InitServiceManager(e *engine.Engine, store engine.Store, logger *zap.SugaredLogger) *ServiceManager {
	mu.Lock()
	defer mu.Unlock()

	instance = &ServiceManager{
		DatabaseService: NewDatabaseService(e, logger),
		RecordService:   NewRecordService(e, logger),
		Engine:          e,
		store:           store,
		logger:          logger,
	}
	if logger != nil {
		logger.Info("ServiceManager singleton initialized")
	}
	return instance
}

// ResetServiceManager is useful for testing - it resets the singleton
func ResetServiceManager() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}

// NewLogger builds the process logger: the development config on stdout in
// debug mode, the production config otherwise.
func NewLogger(args *settings.Arguments) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if args.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		z := zap.NewProductionConfig()
		if !args.Verbose {
			z.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		}
		logger, err = z.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}

// Bootstrap opens the configured store and journal, builds the engine and
// installs the ServiceManager.
func Bootstrap(ctx context.Context, args *settings.Arguments, logger *zap.SugaredLogger) (*ServiceManager, error) {
	store, err := storage.Open(ctx, args, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", args.StoreBackend, err)
	}

	var opts []engine.Option
	if args.JournalEnabled {
		if err := os.MkdirAll(args.LogDir, 0755); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		journal, err := engine.NewJournal(filepath.Join(args.LogDir, "batches"), args.JournalRetentionDays)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		if removed, err := journal.CleanupOldJournals(); err != nil {
			logger.Warnw("Failed to clean up old journals", "error", err)
		} else if removed > 0 {
			logger.Infow("Removed old journal files", "count", removed)
		}
		opts = append(opts, engine.WithJournal(journal))
	}

	e := engine.New(store, args, logger, opts...)
	logger.Infow("Engine ready", "store", args.StoreBackend, "journal", args.JournalEnabled)
	return InitServiceManager(e, store, logger), nil
}

// Close releases the engine's journal and the store.
func (sm *ServiceManager) Close() error {
	var firstErr error
	if err := sm.Engine.Close(); err != nil {
		firstErr = err
	}
	if sm.store != nil {
		if err := sm.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sm.logger.Sync()
	return firstErr
}
