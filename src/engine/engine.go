// Package engine implements the database, record, relation, rollup and
// formula operations on top of a Store.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"brainengine/src/apperr"
	"brainengine/src/cachepool"
	"brainengine/src/formula"
	"brainengine/src/helpers"
	"brainengine/src/models"
	"brainengine/src/settings"
)

// TitlePropertyName is the name of the text property every database starts with.
const TitlePropertyName = "Name"

// maxBatchRetries bounds how often a write is re-planned after a version
// conflict with a concurrent writer.
const maxBatchRetries = 3

// Engine runs every schema and record operation. It is safe for concurrent
// use: schema edits serialize per database and record writes lock the
// records they touch.
type Engine struct {
	store      Store
	dbFactory  DatabaseFactory
	recFactory RecordFactory
	settings   *settings.Arguments
	logger     *zap.SugaredLogger
	locks      *helpers.KeyedMutex
	journal    *Journal
	clock      func() time.Time
	// parsed expressions keyed by expression hash
	compiled *cachepool.Pool[string, formula.Node]
}

type Option func(*Engine)

// WithClock replaces the wall clock used for timestamps and now().
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithJournal logs every record batch to j before it is applied.
func WithJournal(j *Journal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithFactories(dbFactory DatabaseFactory, recFactory RecordFactory) Option {
	return func(e *Engine) {
		e.dbFactory = dbFactory
		e.recFactory = recFactory
	}
}

// New creates an engine over store. A nil args uses settings.Defaults.
func New(store Store, args *settings.Arguments, logger *zap.SugaredLogger, opts ...Option) *Engine {
	if args == nil {
		args = settings.Defaults()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		store:      store,
		dbFactory:  NewDatabaseFactory(),
		recFactory: NewRecordFactory(),
		settings:   args,
		logger:     logger,
		locks:      helpers.NewKeyedMutex(),
		clock:      time.Now,
		compiled:   cachepool.New[string, formula.Node](args.FormulaCacheSize, logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

func (e *Engine) Settings() *settings.Arguments { return e.settings }

// Close closes the journal. The store is owned by the caller.
func (e *Engine) Close() error {
	if e.journal != nil {
		return e.journal.Close()
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func schemaLock(databaseID string) string { return "db:" + databaseID }

func recordLock(recordID string) string { return "rec:" + recordID }

func (e *Engine) loadDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	if databaseID == "" {
		return nil, apperr.Validation("database id is required")
	}
	db, err := e.store.GetDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (e *Engine) loadRecord(ctx context.Context, recordID string) (*models.Record, error) {
	if recordID == "" {
		return nil, apperr.Validation("record id is required")
	}
	return e.store.GetRecord(ctx, recordID)
}

// commit journals and applies a batch.
func (e *Engine) commit(ctx context.Context, batch *RecordBatch) error {
	if batch.Empty() {
		return nil
	}
	if batch.ID == "" {
		batch.ID = helpers.GenerateUUID()
	}
	if e.journal != nil {
		if err := e.journal.Begin(batch); err != nil {
			return fmt.Errorf("failed to journal batch: %w", err)
		}
	}
	if err := e.store.ApplyBatch(ctx, batch); err != nil {
		if e.journal != nil {
			if jerr := e.journal.Abort(batch.ID); jerr != nil {
				e.logger.Warnw("Failed to journal batch abort", "batch", batch.ID, "error", jerr)
			}
		}
		return err
	}
	if e.journal != nil {
		if err := e.journal.Commit(batch.ID); err != nil {
			e.logger.Warnw("Failed to journal batch commit", "batch", batch.ID, "error", err)
		}
	}
	e.logger.Debugw("Applied record batch",
		"batch", batch.ID,
		"inserts", len(batch.Inserts),
		"updates", len(batch.Updates),
		"deletes", len(batch.Deletes))
	return nil
}

// titlePropertyID is the id of the database's title property, if any.
func titlePropertyID(db *models.Database) string {
	for _, p := range db.Properties {
		if p.IsSystem && p.Type == models.PropertyTypeText {
			return p.ID
		}
	}
	return ""
}

// RecordTitle returns the display title of a record.
func RecordTitle(db *models.Database, rec *models.Record) string {
	if id := titlePropertyID(db); id != "" {
		return rec.Get(id).String()
	}
	return ""
}
