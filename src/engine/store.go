package engine

import (
	"context"
	"errors"
	"fmt"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// DatabaseStore persists database definitions. Get and Delete return an
// apperr NotFound error for unknown ids.
type DatabaseStore interface {
	CreateDatabase(ctx context.Context, db *models.Database) error
	GetDatabase(ctx context.Context, databaseID string) (*models.Database, error)
	UpdateDatabase(ctx context.Context, db *models.Database) error
	ListDatabases(ctx context.Context) ([]*models.Database, error)
	DeleteDatabase(ctx context.Context, databaseID string) error
}

// RecordStore persists records. Every write goes through ApplyBatch so a
// cascade lands all-or-nothing.
type RecordStore interface {
	GetRecord(ctx context.Context, recordID string) (*models.Record, error)
	// ListRecords returns the records of a database in creation order.
	ListRecords(ctx context.Context, databaseID string) ([]*models.Record, error)
	// FindReferencing returns the records of databaseID whose relation
	// property propertyID holds targetID.
	FindReferencing(ctx context.Context, databaseID, propertyID, targetID string) ([]*models.Record, error)
	ApplyBatch(ctx context.Context, batch *RecordBatch) error
}

// FormulaCacheStore holds memoized formula and rollup values.
type FormulaCacheStore interface {
	// GetFormulaCache returns nil and no error on a miss.
	GetFormulaCache(ctx context.Context, key models.CacheKey) (*models.FormulaCacheEntry, error)
	PutFormulaCache(ctx context.Context, entry *models.FormulaCacheEntry) error
	// DeleteFormulaCache drops the entries of one record, limited to
	// propertyIDs when any are given. It returns how many were removed.
	DeleteFormulaCache(ctx context.Context, recordID string, propertyIDs []string) (int, error)
	DeleteFormulaCacheByProperty(ctx context.Context, propertyID string) (int, error)
}

// Store is the full persistence surface the engine runs on.
type Store interface {
	DatabaseStore
	RecordStore
	FormulaCacheStore
	Close() error
}

// RecordBatch is a set of record writes applied atomically. Inserts with a
// zero Seq are assigned the next creation sequence by the store, which sets
// it on the batch's record as well.
type RecordBatch struct {
	ID      string           `json:"id" bson:"id"`
	Inserts []*models.Record `json:"inserts,omitempty" bson:"inserts,omitempty"`
	Updates []RecordUpdate   `json:"updates,omitempty" bson:"updates,omitempty"`
	Deletes []RecordDelete   `json:"deletes,omitempty" bson:"deletes,omitempty"`
	// Checks pins records the batch read without writing. The engine
	// verifies them under the batch locks; stores ignore them.
	Checks []RecordCheck `json:"checks,omitempty" bson:"checks,omitempty"`
}

// RecordUpdate replaces a stored record. ExpectedVersion is the version the
// store must hold for the write to apply; zero skips the check.
type RecordUpdate struct {
	Record          *models.Record `json:"record" bson:"record"`
	ExpectedVersion int64          `json:"expectedVersion" bson:"expectedVersion"`
}

type RecordDelete struct {
	RecordID        string `json:"recordId" bson:"recordId"`
	ExpectedVersion int64  `json:"expectedVersion" bson:"expectedVersion"`
}

type RecordCheck struct {
	RecordID        string `json:"recordId" bson:"recordId"`
	ExpectedVersion int64  `json:"expectedVersion" bson:"expectedVersion"`
}

// Empty reports whether the batch writes nothing.
func (b *RecordBatch) Empty() bool {
	return len(b.Inserts) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0
}

// RecordIDs lists every record the batch touches or checks.
func (b *RecordBatch) RecordIDs() []string {
	ids := make([]string, 0, len(b.Inserts)+len(b.Updates)+len(b.Deletes)+len(b.Checks))
	for _, r := range b.Inserts {
		ids = append(ids, r.ID)
	}
	for _, u := range b.Updates {
		ids = append(ids, u.Record.ID)
	}
	for _, d := range b.Deletes {
		ids = append(ids, d.RecordID)
	}
	for _, c := range b.Checks {
		ids = append(ids, c.RecordID)
	}
	return ids
}

// ErrStaleVersion marks a batch rejected because a record changed since it
// was read. Writes that did not pin a version are re-planned on it.
var ErrStaleVersion = errors.New("stale record version")

// VersionConflict is the error stores return when an ExpectedVersion does
// not match the stored record.
func VersionConflict(recordID string, expected, actual int64) error {
	return &apperr.Error{
		Kind: apperr.KindConflict,
		Msg:  fmt.Sprintf("record %s is at version %d, expected %d", recordID, actual, expected),
		Err:  ErrStaleVersion,
	}
}
