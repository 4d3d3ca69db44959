package directors

import (
	"context"

	"go.uber.org/zap"

	"brainengine/src/engine"
	"brainengine/src/models"
	"brainengine/src/views"
)

// RecordService runs record level operations: writes, relations, derived
// values and view queries.
type RecordService struct {
	engine *engine.Engine
	logger *zap.SugaredLogger
}

func NewRecordService(e *engine.Engine, logger *zap.SugaredLogger) *RecordService {
	return &RecordService{engine: e, logger: logger}
}

func (s *RecordService) AddRecord(ctx context.Context, db *models.Database, values map[string]any, actorID string) (*models.Record, error) {
	return s.engine.CreateRecord(ctx, db.DatabaseID, values, actorID)
}

func (s *RecordService) UpdateRecord(ctx context.Context, recordID string, values map[string]any, actorID string, expectedVersion int64) (*models.Record, error) {
	return s.engine.UpdateRecord(ctx, recordID, values, actorID, expectedVersion)
}

func (s *RecordService) GetRecord(ctx context.Context, recordID string, withRelations bool) (*models.Record, error) {
	return s.engine.GetRecord(ctx, recordID, withRelations)
}

func (s *RecordService) ListRecords(ctx context.Context, db *models.Database) ([]*models.Record, error) {
	return s.engine.ListRecords(ctx, db.DatabaseID)
}

func (s *RecordService) DeleteRecord(ctx context.Context, recordID, actorID string) (*engine.DeleteResult, error) {
	return s.engine.DeleteRecord(ctx, recordID, actorID)
}

func (s *RecordService) Connect(ctx context.Context, sourceID, targetID, propRef, actorID string) (models.RelationEdge, error) {
	return s.engine.Connect(ctx, sourceID, targetID, propRef, actorID)
}

func (s *RecordService) Disconnect(ctx context.Context, sourceID, targetID, propRef, actorID string) error {
	return s.engine.Disconnect(ctx, sourceID, targetID, propRef, actorID)
}

func (s *RecordService) RelatedRecords(ctx context.Context, recordID, propRef string) ([]*models.Record, error) {
	return s.engine.RelatedRecords(ctx, recordID, propRef)
}

func (s *RecordService) ComputeRollup(ctx context.Context, recordID, propRef string) (*engine.RollupResult, error) {
	return s.engine.ComputeRollup(ctx, recordID, propRef)
}

func (s *RecordService) EvaluateFormula(ctx context.Context, recordID, propRef string, vars map[string]models.Value) (*engine.FormulaResult, error) {
	return s.engine.EvaluateFormula(ctx, recordID, propRef, vars)
}

func (s *RecordService) EvaluateExpression(ctx context.Context, db *models.Database, recordID, expression string, vars map[string]models.Value) (*engine.FormulaResult, error) {
	return s.engine.EvaluateExpression(ctx, db.DatabaseID, recordID, expression, vars)
}

// ApplyView runs a saved view over recordIDs, or over the whole database
// when none are given.
func (s *RecordService) ApplyView(ctx context.Context, db *models.Database, viewRef string, recordIDs []string) (*views.Projection, error) {
	view, err := findView(db, viewRef)
	if err != nil {
		return nil, err
	}
	records, err := s.load(ctx, recordIDs)
	if err != nil {
		return nil, err
	}
	return s.engine.ApplyView(ctx, db.DatabaseID, view.ID, records)
}

// QueryView runs an unsaved view; its property references may be names.
func (s *RecordService) QueryView(ctx context.Context, db *models.Database, view models.View, recordIDs []string) (*views.Projection, error) {
	resolveViewRefs(db, &view)
	records, err := s.load(ctx, recordIDs)
	if err != nil {
		return nil, err
	}
	return s.engine.QueryView(ctx, db.DatabaseID, view, records)
}

func (s *RecordService) load(ctx context.Context, ids []string) ([]*models.Record, error) {
	if ids == nil {
		return nil, nil
	}
	out := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.engine.GetRecord(ctx, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
