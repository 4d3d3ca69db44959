// Package filestore persists each database, with its records, as one BSON
// data file under a data directory. The working set is served from an
// embedded memory store; every mutation rewrites the files it touched.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/helpers"
	"brainengine/src/models"
	"brainengine/src/storage/memory"
)

// DataFileExt is the extension of database data files.
const DataFileExt = ".brain"

const lockFileName = ".lock"

// dataFile is the on-disk layout of one database.
type dataFile struct {
	Database *models.Database `bson:"database"`
	Records  []*models.Record `bson:"records"`
}

// Store is a memory store backed by data files.
type Store struct {
	*memory.Store

	dir    string
	lock   *os.File
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

var _ engine.Store = (*Store)(nil)

// Open loads every data file in dir. The directory is locked for the life of
// the store so a second process cannot open it.
func Open(dir string, cacheSize int, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening lock file: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("data directory %s is in use: %w", dir, err)
	}

	s := &Store{
		Store:  memory.New(cacheSize, logger),
		dir:    dir,
		lock:   lock,
		logger: logger,
	}
	if err := s.loadAll(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	err := s.lock.Close()
	s.lock = nil
	return err
}

func (s *Store) loadAll() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("error reading data directory %s: %w", s.dir, err)
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != DataFileExt {
			continue
		}
		df, err := readDataFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warnw("Failed to load data file", "file", name, "error", err)
			continue
		}
		s.Store.Load(df.Database, df.Records)
		s.logger.Infow("Loaded database", "name", df.Database.Name, "id", df.Database.DatabaseID, "records", len(df.Records))
	}
	return nil
}

// readDataFile maps a data file and decodes it.
func readDataFile(path string) (*dataFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}
	size := int(stat.Size())
	if size == 0 {
		return nil, fmt.Errorf("data file is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to memory map file: %w", err)
	}
	defer unix.Munmap(data)

	var df dataFile
	if err := helpers.DecodeBSON(data, &df); err != nil {
		return nil, err
	}
	if df.Database == nil || df.Database.DatabaseID == "" {
		return nil, fmt.Errorf("data file has no database")
	}
	return &df, nil
}

func (s *Store) path(databaseID string) string {
	return filepath.Join(s.dir, databaseID+DataFileExt)
}

// flush rewrites the data file of each database.
func (s *Store) flush(databaseIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range databaseIDs {
		db, records, ok := s.Store.Snapshot(id)
		if !ok {
			continue
		}
		if records == nil {
			records = []*models.Record{}
		}
		data, err := helpers.EncodeBSON(dataFile{Database: db, Records: records})
		if err != nil {
			return err
		}
		if err := helpers.WriteFileAtomic(s.path(id), data); err != nil {
			return err
		}
		s.logger.Debugw("Wrote data file", "database", id, "records", len(records), "bytes", len(data))
	}
	return nil
}

func (s *Store) CreateDatabase(ctx context.Context, db *models.Database) error {
	if err := s.Store.CreateDatabase(ctx, db); err != nil {
		return err
	}
	return s.flush(db.DatabaseID)
}

func (s *Store) UpdateDatabase(ctx context.Context, db *models.Database) error {
	if err := s.Store.UpdateDatabase(ctx, db); err != nil {
		return err
	}
	return s.flush(db.DatabaseID)
}

func (s *Store) DeleteDatabase(ctx context.Context, databaseID string) error {
	if err := s.Store.DeleteDatabase(ctx, databaseID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(databaseID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing data file: %w", err)
	}
	return nil
}

// ApplyBatch applies the batch in memory, then rewrites the data file of
// every database it touched.
func (s *Store) ApplyBatch(ctx context.Context, batch *engine.RecordBatch) error {
	touched := make(map[string]bool)
	for _, rec := range batch.Inserts {
		touched[rec.DatabaseID] = true
	}
	for _, u := range batch.Updates {
		touched[u.Record.DatabaseID] = true
	}
	for _, d := range batch.Deletes {
		if id, ok := s.Store.DatabaseOf(d.RecordID); ok {
			touched[id] = true
		}
	}

	if err := s.Store.ApplyBatch(ctx, batch); err != nil {
		return err
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	if err := s.flush(ids...); err != nil {
		return apperr.Op("flush", err)
	}
	return nil
}
