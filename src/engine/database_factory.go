package engine

import (
	"time"

	"brainengine/src/helpers"
	"brainengine/src/models"
)

// DatabaseFactory builds new database definitions.
type DatabaseFactory interface {
	NewDatabase(name, description, actorID string, now time.Time) *models.Database
	NewProperty(name string, propertyType models.PropertyType) models.Property
	NewView(databaseID, name string, viewType models.ViewType) models.View
}

// RecordFactory builds new records.
type RecordFactory interface {
	NewRecord(databaseID, actorID string, now time.Time) *models.Record
}

// DatabaseFactoryImpl is a concrete implementation of DatabaseFactory
type DatabaseFactoryImpl struct {
	idFunc func() string
}

// NewDatabaseFactory creates a new instance of DatabaseFactory
func NewDatabaseFactory() *DatabaseFactoryImpl {
	return &DatabaseFactoryImpl{idFunc: helpers.GenerateUUID}
}

// WithIDFunc replaces the id generator, mostly for deterministic tests.
func (f *DatabaseFactoryImpl) WithIDFunc(fn func() string) *DatabaseFactoryImpl {
	f.idFunc = fn
	return f
}

// NewDatabase creates a new Database instance with the title and timestamp
// system properties every database carries.
func (f *DatabaseFactoryImpl) NewDatabase(name, description, actorID string, now time.Time) *models.Database {
	db := &models.Database{
		DatabaseID:  f.idFunc(),
		Name:        name,
		Description: description,
		Properties:  []models.Property{},
		Views:       []models.View{},
	}
	db.Touch(now)
	if actorID != "" {
		db.Edit(actorID)
	}

	title := f.NewProperty(TitlePropertyName, models.PropertyTypeText)
	title.IsSystem = true
	created := f.NewProperty("Created time", models.PropertyTypeCreatedTime)
	created.IsSystem = true
	edited := f.NewProperty("Last edited time", models.PropertyTypeLastEditedTime)
	edited.IsSystem = true
	for i, p := range []models.Property{title, created, edited} {
		p.Order = i
		db.Properties = append(db.Properties, p)
	}
	return db
}

func (f *DatabaseFactoryImpl) NewProperty(name string, propertyType models.PropertyType) models.Property {
	return models.Property{ID: f.idFunc(), Name: name, Type: propertyType}
}

func (f *DatabaseFactoryImpl) NewView(databaseID, name string, viewType models.ViewType) models.View {
	return models.View{ID: f.idFunc(), DatabaseID: databaseID, Name: name, Type: viewType}
}

// RecordFactoryImpl is a concrete implementation of RecordFactory
type RecordFactoryImpl struct {
	idFunc func() string
}

func NewRecordFactory() *RecordFactoryImpl {
	return &RecordFactoryImpl{idFunc: helpers.GenerateUUID}
}

func (f *RecordFactoryImpl) WithIDFunc(fn func() string) *RecordFactoryImpl {
	f.idFunc = fn
	return f
}

// NewRecord creates an empty record at version 1. The store assigns Seq.
func (f *RecordFactoryImpl) NewRecord(databaseID, actorID string, now time.Time) *models.Record {
	rec := &models.Record{
		ID:         f.idFunc(),
		DatabaseID: databaseID,
		Properties: make(map[string]models.Value),
		Version:    1,
	}
	rec.Touch(now)
	if actorID != "" {
		rec.Edit(actorID)
	}
	return rec
}
