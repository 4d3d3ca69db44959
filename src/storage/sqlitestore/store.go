// Package sqlitestore keeps databases, records and the formula cache in a
// single SQLite file. Documents are stored as BSON blobs next to the columns
// the queries filter on.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/helpers"
	"brainengine/src/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS databases (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	doc        BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	database_id TEXT NOT NULL REFERENCES databases(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	version     INTEGER NOT NULL,
	doc         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS records_by_database ON records(database_id, seq);
CREATE TABLE IF NOT EXISTS record_refs (
	record_id   TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	property_id TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	PRIMARY KEY (record_id, property_id, target_id)
);
CREATE INDEX IF NOT EXISTS record_refs_by_target ON record_refs(property_id, target_id);
CREATE TABLE IF NOT EXISTS formula_cache (
	record_id       TEXT NOT NULL,
	property_id     TEXT NOT NULL,
	expression_hash TEXT NOT NULL,
	expires_at      INTEGER NOT NULL,
	doc             BLOB NOT NULL,
	PRIMARY KEY (record_id, property_id, expression_hash)
);
CREATE INDEX IF NOT EXISTS formula_cache_by_property ON formula_cache(property_id);
`

// Store is an engine.Store over SQLite.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.SugaredLogger
}

var _ engine.Store = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection serializes writers and keeps :memory: a single database
	conn.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("running %s: %w", p, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Infow("Opened SQLite store", "path", path)
	return &Store{conn: conn, path: path, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) CreateDatabase(ctx context.Context, db *models.Database) error {
	doc, err := helpers.EncodeBSON(db)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO databases (id, created_at, doc) VALUES (?, ?, ?)",
		db.DatabaseID, db.CreatedAt.UnixNano(), doc)
	if isUniqueViolation(err) {
		return apperr.Conflict("database %q already exists", db.DatabaseID)
	}
	if err != nil {
		return fmt.Errorf("inserting database: %w", err)
	}
	return nil
}

func (s *Store) GetDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	var doc []byte
	err := s.conn.QueryRowContext(ctx, "SELECT doc FROM databases WHERE id = ?", databaseID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading database: %w", err)
	}
	var db models.Database
	if err := helpers.DecodeBSON(doc, &db); err != nil {
		return nil, err
	}
	return &db, nil
}

func (s *Store) UpdateDatabase(ctx context.Context, db *models.Database) error {
	doc, err := helpers.EncodeBSON(db)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, "UPDATE databases SET doc = ? WHERE id = ?", doc, db.DatabaseID)
	if err != nil {
		return fmt.Errorf("updating database: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("database %q not found", db.DatabaseID)
	}
	return nil
}

func (s *Store) ListDatabases(ctx context.Context) ([]*models.Database, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT doc FROM databases ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	defer rows.Close()
	out := []*models.Database{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		db := &models.Database{}
		if err := helpers.DecodeBSON(doc, db); err != nil {
			return nil, err
		}
		out = append(out, db)
	}
	return out, rows.Err()
}

// DeleteDatabase drops the database and, through the foreign keys, its
// records and their references.
func (s *Store) DeleteDatabase(ctx context.Context, databaseID string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM databases WHERE id = ?", databaseID)
	if err != nil {
		return fmt.Errorf("deleting database: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("database %q not found", databaseID)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	var doc []byte
	err := s.conn.QueryRowContext(ctx, "SELECT doc FROM records WHERE id = ?", recordID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("record %q not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	return decodeRecord(doc)
}

func (s *Store) ListRecords(ctx context.Context, databaseID string) ([]*models.Record, error) {
	var exists int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM databases WHERE id = ?", databaseID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading database: %w", err)
	}
	return s.queryRecords(ctx, "SELECT doc FROM records WHERE database_id = ? ORDER BY seq", databaseID)
}

func (s *Store) FindReferencing(ctx context.Context, databaseID, propertyID, targetID string) ([]*models.Record, error) {
	return s.queryRecords(ctx, `
		SELECT r.doc FROM records r
		JOIN record_refs x ON x.record_id = r.id
		WHERE r.database_id = ? AND x.property_id = ? AND x.target_id = ?
		ORDER BY r.seq`, databaseID, propertyID, targetID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()
	out := []*models.Record{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(doc []byte) (*models.Record, error) {
	rec := &models.Record{}
	if err := helpers.DecodeBSON(doc, rec); err != nil {
		return nil, err
	}
	if rec.Properties == nil {
		rec.Properties = make(map[string]models.Value)
	}
	return rec, nil
}

// ApplyBatch runs the whole batch in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, batch *engine.RecordBatch) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, u := range batch.Updates {
		if err := checkVersion(ctx, tx, u.Record.ID, u.ExpectedVersion); err != nil {
			return err
		}
	}
	for _, d := range batch.Deletes {
		if err := checkVersion(ctx, tx, d.RecordID, d.ExpectedVersion); err != nil {
			return err
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM records").Scan(&seq); err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}
	assigned := make(map[*models.Record]int64)
	for _, rec := range batch.Inserts {
		stored := rec.Clone()
		if stored.Seq == 0 {
			seq++
			stored.Seq = seq
			assigned[rec] = seq
		}
		if err := insertRecord(ctx, tx, stored); err != nil {
			return err
		}
	}
	for _, u := range batch.Updates {
		if err := updateRecord(ctx, tx, u.Record); err != nil {
			return err
		}
	}
	for _, d := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", d.RecordID); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	for rec, n := range assigned {
		rec.Seq = n
	}
	return nil
}

func checkVersion(ctx context.Context, tx *sql.Tx, recordID string, expected int64) error {
	var version int64
	err := tx.QueryRowContext(ctx, "SELECT version FROM records WHERE id = ?", recordID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("record %q not found", recordID)
	}
	if err != nil {
		return fmt.Errorf("reading record version: %w", err)
	}
	if expected != 0 && version != expected {
		return engine.VersionConflict(recordID, expected, version)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	doc, err := helpers.EncodeBSON(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO records (id, database_id, seq, version, doc) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.DatabaseID, rec.Seq, rec.Version, doc)
	if isUniqueViolation(err) {
		return apperr.Conflict("record %q already exists", rec.ID)
	}
	if isForeignKeyViolation(err) {
		return apperr.NotFound("database %q not found", rec.DatabaseID)
	}
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return writeRefs(ctx, tx, rec)
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	doc, err := helpers.EncodeBSON(rec)
	if err != nil {
		return err
	}
	// seq is owned by the store and kept from the stored row
	_, err = tx.ExecContext(ctx,
		"UPDATE records SET version = ?, doc = ? WHERE id = ?", rec.Version, doc, rec.ID)
	if err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM record_refs WHERE record_id = ?", rec.ID); err != nil {
		return fmt.Errorf("clearing references: %w", err)
	}
	return writeRefs(ctx, tx, rec)
}

// writeRefs indexes every string list value of rec. Relations are among
// them; other lists are indexed too and never match a relation lookup.
func writeRefs(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	for propID, v := range rec.Properties {
		if v.Kind != models.KindList {
			continue
		}
		for _, target := range v.Strings() {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO record_refs (record_id, property_id, target_id) VALUES (?, ?, ?)",
				rec.ID, propID, target)
			if err != nil {
				return fmt.Errorf("indexing reference: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) GetFormulaCache(ctx context.Context, key models.CacheKey) (*models.FormulaCacheEntry, error) {
	var doc []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT doc FROM formula_cache WHERE record_id = ? AND property_id = ? AND expression_hash = ?",
		key.RecordID, key.PropertyID, key.ExpressionHash).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cache entry: %w", err)
	}
	entry := &models.FormulaCacheEntry{}
	if err := helpers.DecodeBSON(doc, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) PutFormulaCache(ctx context.Context, entry *models.FormulaCacheEntry) error {
	doc, err := helpers.EncodeBSON(entry)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO formula_cache (record_id, property_id, expression_hash, expires_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (record_id, property_id, expression_hash)
		DO UPDATE SET expires_at = excluded.expires_at, doc = excluded.doc`,
		entry.RecordID, entry.PropertyID, entry.ExpressionHash, unixNanos(entry.ExpiresAt), doc)
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteFormulaCache(ctx context.Context, recordID string, propertyIDs []string) (int, error) {
	query := "DELETE FROM formula_cache WHERE record_id = ?"
	args := []any{recordID}
	if len(propertyIDs) > 0 {
		query += " AND property_id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(propertyIDs)), ",") + ")"
		for _, id := range propertyIDs {
			args = append(args, id)
		}
	}
	return s.deleteCache(ctx, query, args...)
}

func (s *Store) DeleteFormulaCacheByProperty(ctx context.Context, propertyID string) (int, error) {
	return s.deleteCache(ctx, "DELETE FROM formula_cache WHERE property_id = ?", propertyID)
}

// PurgeExpired drops cache entries that expired before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteCache(ctx, "DELETE FROM formula_cache WHERE expires_at > 0 AND expires_at <= ?", now.UnixNano())
}

func (s *Store) deleteCache(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// unixNanos maps the zero time to 0, meaning no expiry.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
