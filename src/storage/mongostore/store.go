// Package mongostore is an engine.Store over MongoDB. Record batches run in
// a session transaction, so the server must be a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/models"
)

const (
	databasesCollection = "databases"
	recordsCollection   = "records"
	cacheCollection     = "formula_cache"
	countersCollection  = "counters"
)

// cacheDoc wraps a cache entry with a compound _id. Expired documents are
// reaped by a TTL index on expireAt.
type cacheDoc struct {
	ID       models.CacheKey           `bson:"_id"`
	Entry    *models.FormulaCacheEntry `bson:"entry"`
	ExpireAt *time.Time                `bson:"expireAt,omitempty"`
}

// Store keeps one collection per document kind.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	databases *mongo.Collection
	records   *mongo.Collection
	cache     *mongo.Collection
	counters  *mongo.Collection
	logger    *zap.SugaredLogger
}

var _ engine.Store = (*Store)(nil)

// Open connects to uri and prepares the indexes of database dbName.
func Open(ctx context.Context, uri, dbName string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	db := client.Database(dbName)
	s := &Store{
		client:    client,
		db:        db,
		databases: db.Collection(databasesCollection),
		records:   db.Collection(recordsCollection),
		cache:     db.Collection(cacheCollection),
		counters:  db.Collection(countersCollection),
		logger:    logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	logger.Infow("Opened Mongo store", "database", dbName)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "databaseId", Value: 1}, {Key: "seq", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating record indexes: %w", err)
	}
	_, err = s.cache.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id.propertyId", Value: 1}}},
		{Keys: bson.D{{Key: "_id.recordId", Value: 1}}},
		{Keys: bson.D{{Key: "expireAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("creating cache indexes: %w", err)
	}
	return nil
}

// Drop removes every collection. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateDatabase(ctx context.Context, db *models.Database) error {
	_, err := s.databases.InsertOne(ctx, db)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Conflict("database %q already exists", db.DatabaseID)
	}
	if err != nil {
		return fmt.Errorf("inserting database: %w", err)
	}
	return nil
}

func (s *Store) GetDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	db := &models.Database{}
	err := s.databases.FindOne(ctx, bson.M{"_id": databaseID}).Decode(db)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading database: %w", err)
	}
	return db, nil
}

func (s *Store) UpdateDatabase(ctx context.Context, db *models.Database) error {
	res, err := s.databases.ReplaceOne(ctx, bson.M{"_id": db.DatabaseID}, db)
	if err != nil {
		return fmt.Errorf("updating database: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("database %q not found", db.DatabaseID)
	}
	return nil
}

func (s *Store) ListDatabases(ctx context.Context) ([]*models.Database, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.databases.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	out := []*models.Database{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding databases: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteDatabase(ctx context.Context, databaseID string) error {
	res, err := s.databases.DeleteOne(ctx, bson.M{"_id": databaseID})
	if err != nil {
		return fmt.Errorf("deleting database: %w", err)
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("database %q not found", databaseID)
	}
	if _, err := s.records.DeleteMany(ctx, bson.M{"databaseId": databaseID}); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	rec := &models.Record{}
	err := s.records.FindOne(ctx, bson.M{"_id": recordID}).Decode(rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("record %q not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record: %w", err)
	}
	normalize(rec)
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, databaseID string) ([]*models.Record, error) {
	n, err := s.databases.CountDocuments(ctx, bson.M{"_id": databaseID})
	if err != nil {
		return nil, fmt.Errorf("loading database: %w", err)
	}
	if n == 0 {
		return nil, apperr.NotFound("database %q not found", databaseID)
	}
	return s.findRecords(ctx, bson.M{"databaseId": databaseID})
}

// FindReferencing matches the target id inside the stored list value. A
// Value list is encoded as a BSON array of its items.
func (s *Store) FindReferencing(ctx context.Context, databaseID, propertyID, targetID string) ([]*models.Record, error) {
	filter := bson.M{"databaseId": databaseID}
	filter["properties."+propertyID] = targetID
	return s.findRecords(ctx, filter)
}

func (s *Store) findRecords(ctx context.Context, filter bson.M) ([]*models.Record, error) {
	cur, err := s.records.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	out := []*models.Record{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	for _, rec := range out {
		normalize(rec)
	}
	return out, nil
}

func normalize(rec *models.Record) {
	if rec.Properties == nil {
		rec.Properties = make(map[string]models.Value)
	}
}

// ApplyBatch applies the batch inside a transaction.
func (s *Store) ApplyBatch(ctx context.Context, batch *engine.RecordBatch) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.EndSession(ctx)

	assigned := make(map[*models.Record]int64)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		clear(assigned)
		for _, rec := range batch.Inserts {
			stored := rec.Clone()
			if stored.Seq == 0 {
				seq, err := s.nextSeq(sc)
				if err != nil {
					return nil, err
				}
				stored.Seq = seq
				assigned[rec] = seq
			}
			n, err := s.databases.CountDocuments(sc, bson.M{"_id": stored.DatabaseID})
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, apperr.NotFound("database %q not found", stored.DatabaseID)
			}
			if _, err := s.records.InsertOne(sc, stored); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, apperr.Conflict("record %q already exists", stored.ID)
				}
				return nil, fmt.Errorf("inserting record: %w", err)
			}
		}
		for _, u := range batch.Updates {
			filter := bson.M{"_id": u.Record.ID}
			if u.ExpectedVersion != 0 {
				filter["version"] = u.ExpectedVersion
			}
			res, err := s.records.ReplaceOne(sc, filter, u.Record)
			if err != nil {
				return nil, fmt.Errorf("updating record: %w", err)
			}
			if res.MatchedCount == 0 {
				return nil, s.missOrStale(sc, u.Record.ID, u.ExpectedVersion)
			}
		}
		for _, d := range batch.Deletes {
			filter := bson.M{"_id": d.RecordID}
			if d.ExpectedVersion != 0 {
				filter["version"] = d.ExpectedVersion
			}
			res, err := s.records.DeleteOne(sc, filter)
			if err != nil {
				return nil, fmt.Errorf("deleting record: %w", err)
			}
			if res.DeletedCount == 0 {
				return nil, s.missOrStale(sc, d.RecordID, d.ExpectedVersion)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	for rec, seq := range assigned {
		rec.Seq = seq
	}
	return nil
}

// missOrStale explains why a versioned write matched nothing.
func (s *Store) missOrStale(ctx context.Context, recordID string, expected int64) error {
	var current struct {
		Version int64 `bson:"version"`
	}
	err := s.records.FindOne(ctx, bson.M{"_id": recordID}).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.NotFound("record %q not found", recordID)
	}
	if err != nil {
		return err
	}
	return engine.VersionConflict(recordID, expected, current.Version)
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx, bson.M{"_id": "recordSeq"}, bson.M{"$inc": bson.M{"value": int64(1)}}, opts).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("advancing record sequence: %w", err)
	}
	return counter.Value, nil
}

func (s *Store) GetFormulaCache(ctx context.Context, key models.CacheKey) (*models.FormulaCacheEntry, error) {
	var doc cacheDoc
	err := s.cache.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cache entry: %w", err)
	}
	return doc.Entry, nil
}

func (s *Store) PutFormulaCache(ctx context.Context, entry *models.FormulaCacheEntry) error {
	doc := cacheDoc{ID: entry.CacheKey, Entry: entry}
	if !entry.ExpiresAt.IsZero() {
		at := entry.ExpiresAt
		doc.ExpireAt = &at
	}
	_, err := s.cache.ReplaceOne(ctx, bson.M{"_id": entry.CacheKey}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteFormulaCache(ctx context.Context, recordID string, propertyIDs []string) (int, error) {
	filter := bson.M{"_id.recordId": recordID}
	if len(propertyIDs) > 0 {
		filter["_id.propertyId"] = bson.M{"$in": propertyIDs}
	}
	return s.deleteCache(ctx, filter)
}

func (s *Store) DeleteFormulaCacheByProperty(ctx context.Context, propertyID string) (int, error) {
	return s.deleteCache(ctx, bson.M{"_id.propertyId": propertyID})
}

func (s *Store) deleteCache(ctx context.Context, filter bson.M) (int, error) {
	res, err := s.cache.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleting cache entries: %w", err)
	}
	return int(res.DeletedCount), nil
}
