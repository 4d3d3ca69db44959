// Package memory is the in-process Store. Records of each database are kept
// in a sorted map ordered by creation sequence; formula values live in a
// bounded clock-sweep pool.
package memory

import (
	"context"
	"sort"
	"sync"

	sorted "github.com/tobshub/go-sortedmap"
	"go.uber.org/zap"

	"brainengine/src/apperr"
	"brainengine/src/cachepool"
	"brainengine/src/engine"
	"brainengine/src/models"
)

type recordMap = sorted.SortedMap[string, *models.Record]

func bySeq(a, b *models.Record) bool {
	return a.Seq < b.Seq
}

// Store keeps everything in memory. Values handed in or out are copies.
type Store struct {
	mu         sync.RWMutex
	databases  map[string]*models.Database
	records    map[string]*models.Record
	byDatabase map[string]*recordMap
	seq        int64

	cache  *cachepool.Pool[models.CacheKey, *models.FormulaCacheEntry]
	logger *zap.SugaredLogger
}

var _ engine.Store = (*Store)(nil)

// New creates an empty store whose formula cache holds up to cacheSize values.
func New(cacheSize int, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		databases:  make(map[string]*models.Database),
		records:    make(map[string]*models.Record),
		byDatabase: make(map[string]*recordMap),
		cache:      cachepool.New[models.CacheKey, *models.FormulaCacheEntry](cacheSize, logger),
		logger:     logger,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateDatabase(_ context.Context, db *models.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.databases[db.DatabaseID]; exists {
		return apperr.Conflict("database %q already exists", db.DatabaseID)
	}
	s.databases[db.DatabaseID] = db.Clone()
	s.byDatabase[db.DatabaseID] = sorted.New[string, *models.Record](0, bySeq)
	return nil
}

func (s *Store) GetDatabase(_ context.Context, databaseID string) (*models.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.databases[databaseID]
	if !ok {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	return db.Clone(), nil
}

func (s *Store) UpdateDatabase(_ context.Context, db *models.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[db.DatabaseID]; !ok {
		return apperr.NotFound("database %q not found", db.DatabaseID)
	}
	s.databases[db.DatabaseID] = db.Clone()
	return nil
}

// ListDatabases returns databases in creation order.
func (s *Store) ListDatabases(_ context.Context) ([]*models.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Database, 0, len(s.databases))
	for _, db := range s.databases {
		out = append(out, db.Clone())
	}
	sortDatabases(out)
	return out, nil
}

func (s *Store) DeleteDatabase(_ context.Context, databaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[databaseID]; !ok {
		return apperr.NotFound("database %q not found", databaseID)
	}
	if m := s.byDatabase[databaseID]; m != nil {
		for _, rec := range iterate(m) {
			delete(s.records, rec.ID)
		}
	}
	delete(s.databases, databaseID)
	delete(s.byDatabase, databaseID)
	return nil
}

func (s *Store) GetRecord(_ context.Context, recordID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return nil, apperr.NotFound("record %q not found", recordID)
	}
	return rec.Clone(), nil
}

func (s *Store) ListRecords(_ context.Context, databaseID string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byDatabase[databaseID]
	if !ok {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	stored := iterate(m)
	out := make([]*models.Record, len(stored))
	for i, rec := range stored {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *Store) FindReferencing(_ context.Context, databaseID, propertyID, targetID string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byDatabase[databaseID]
	if !ok {
		return []*models.Record{}, nil
	}
	out := []*models.Record{}
	for _, rec := range iterate(m) {
		if rec.HasRelation(propertyID, targetID) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// ApplyBatch checks every write before applying any of them.
func (s *Store) ApplyBatch(_ context.Context, batch *engine.RecordBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range batch.Inserts {
		if _, exists := s.records[rec.ID]; exists {
			return apperr.Conflict("record %q already exists", rec.ID)
		}
		if _, ok := s.byDatabase[rec.DatabaseID]; !ok {
			return apperr.NotFound("database %q not found", rec.DatabaseID)
		}
	}
	for _, u := range batch.Updates {
		current, ok := s.records[u.Record.ID]
		if !ok {
			return apperr.NotFound("record %q not found", u.Record.ID)
		}
		if u.ExpectedVersion != 0 && current.Version != u.ExpectedVersion {
			return engine.VersionConflict(u.Record.ID, u.ExpectedVersion, current.Version)
		}
	}
	for _, d := range batch.Deletes {
		current, ok := s.records[d.RecordID]
		if !ok {
			return apperr.NotFound("record %q not found", d.RecordID)
		}
		if d.ExpectedVersion != 0 && current.Version != d.ExpectedVersion {
			return engine.VersionConflict(d.RecordID, d.ExpectedVersion, current.Version)
		}
	}

	for _, rec := range batch.Inserts {
		if rec.Seq == 0 {
			s.seq++
			rec.Seq = s.seq
		} else if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
		s.put(rec.Clone())
	}
	for _, u := range batch.Updates {
		rec := u.Record.Clone()
		rec.Seq = s.records[rec.ID].Seq
		s.put(rec)
	}
	for _, d := range batch.Deletes {
		rec := s.records[d.RecordID]
		delete(s.records, d.RecordID)
		if m := s.byDatabase[rec.DatabaseID]; m != nil {
			m.Delete(d.RecordID)
		}
	}
	return nil
}

// put stores rec, replacing any previous version. Caller holds s.mu.
func (s *Store) put(rec *models.Record) {
	s.records[rec.ID] = rec
	m := s.byDatabase[rec.DatabaseID]
	if !m.Insert(rec.ID, rec) {
		m.Replace(rec.ID, rec)
	}
}

func (s *Store) GetFormulaCache(_ context.Context, key models.CacheKey) (*models.FormulaCacheEntry, error) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	c := *entry
	c.Value = entry.Value.Clone()
	return &c, nil
}

func (s *Store) PutFormulaCache(_ context.Context, entry *models.FormulaCacheEntry) error {
	c := *entry
	c.Value = entry.Value.Clone()
	s.cache.Put(entry.CacheKey, &c)
	return nil
}

func (s *Store) DeleteFormulaCache(_ context.Context, recordID string, propertyIDs []string) (int, error) {
	props := make(map[string]bool, len(propertyIDs))
	for _, id := range propertyIDs {
		props[id] = true
	}
	return s.cache.DeleteFunc(func(key models.CacheKey, _ *models.FormulaCacheEntry) bool {
		return key.RecordID == recordID && (len(props) == 0 || props[key.PropertyID])
	}), nil
}

func (s *Store) DeleteFormulaCacheByProperty(_ context.Context, propertyID string) (int, error) {
	return s.cache.DeleteFunc(func(key models.CacheKey, _ *models.FormulaCacheEntry) bool {
		return key.PropertyID == propertyID
	}), nil
}

// CacheStats reports formula cache counters.
func (s *Store) CacheStats() cachepool.Stats {
	return s.cache.Stats()
}

// Snapshot copies a database and its records, records in creation order.
func (s *Store) Snapshot(databaseID string) (*models.Database, []*models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.databases[databaseID]
	if !ok {
		return nil, nil, false
	}
	stored := iterate(s.byDatabase[databaseID])
	records := make([]*models.Record, len(stored))
	for i, rec := range stored {
		records[i] = rec.Clone()
	}
	return db.Clone(), records, true
}

// Load installs a database and its records as-is, keeping their sequence
// numbers. It replaces whatever the store held for that database.
func (s *Store) Load(db *models.Database, records []*models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byDatabase[db.DatabaseID]; m != nil {
		for _, rec := range iterate(m) {
			delete(s.records, rec.ID)
		}
	}
	s.databases[db.DatabaseID] = db.Clone()
	s.byDatabase[db.DatabaseID] = sorted.New[string, *models.Record](len(records), bySeq)
	for _, rec := range records {
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
		s.put(rec.Clone())
	}
}

// DatabaseOf returns the database id a record belongs to.
func (s *Store) DatabaseOf(recordID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return "", false
	}
	return rec.DatabaseID, true
}

// iterate returns the values of m in sort order.
func iterate(m *recordMap) []*models.Record {
	if m == nil || m.Len() == 0 {
		return nil
	}
	iter, err := m.IterCh()
	if err != nil {
		return nil
	}
	defer iter.Close()
	out := make([]*models.Record, 0, m.Len())
	for rec := range iter.Records() {
		out = append(out, rec.Val)
	}
	return out
}

// sortDatabases orders databases by creation time, then id.
func sortDatabases(dbs []*models.Database) {
	sort.Slice(dbs, func(i, j int) bool {
		if !dbs[i].CreatedAt.Equal(dbs[j].CreatedAt) {
			return dbs[i].CreatedAt.Before(dbs[j].CreatedAt)
		}
		return dbs[i].DatabaseID < dbs[j].DatabaseID
	})
}
