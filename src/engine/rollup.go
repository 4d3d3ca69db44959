package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/helpers"
	"brainengine/src/models"
)

var rollupFunctions = map[models.RollupFunction]bool{
	models.RollupCount: true, models.RollupCountValues: true, models.RollupCountUnique: true,
	models.RollupCountEmpty: true, models.RollupCountNotEmpty: true,
	models.RollupPercentEmpty: true, models.RollupPercentNotEmpty: true,
	models.RollupSum: true, models.RollupAverage: true, models.RollupMedian: true,
	models.RollupMin: true, models.RollupMax: true, models.RollupRange: true,
	models.RollupEarliest: true, models.RollupLatest: true, models.RollupDateRange: true,
	models.RollupShowOriginal: true, models.RollupShowUnique: true,
	models.RollupChecked: true, models.RollupUnchecked: true, models.RollupPercentChecked: true,
}

func validRollupFunction(fn models.RollupFunction) bool { return rollupFunctions[fn] }

// RollupResult is a computed rollup value with the warnings raised on the way.
type RollupResult struct {
	Value     models.Value     `json:"value"`
	Warnings  []apperr.Warning `json:"warnings"`
	FromCache bool             `json:"fromCache"`
}

// ComputeRollup aggregates the target property over the records currently
// linked through the rollup's relation.
func (e *Engine) ComputeRollup(ctx context.Context, recordID, propertyID string) (*RollupResult, error) {
	s := e.newSession(ctx)
	rec, err := s.record(recordID)
	if err != nil {
		return nil, apperr.Op("compute_rollup", err)
	}
	db, err := s.database(rec.DatabaseID)
	if err != nil {
		return nil, apperr.Op("compute_rollup", err)
	}
	prop, ok := db.ResolveProperty(propertyID)
	if !ok {
		return nil, apperr.Op("compute_rollup", apperr.NotFound("property %q not found", propertyID))
	}
	if prop.Type != models.PropertyTypeRollup {
		return nil, apperr.Op("compute_rollup", apperr.Validation("property %q is not a rollup", prop.Name))
	}
	v, fromCache, err := s.rollup(db, rec, prop)
	if err != nil {
		return nil, apperr.Op("compute_rollup", err)
	}
	return &RollupResult{Value: v, Warnings: nonNilWarnings(s.warnings), FromCache: fromCache}, nil
}

// rollupSignature identifies a rollup configuration in its cache key.
func rollupSignature(cfg *models.RollupConfig) string {
	return fmt.Sprintf("rollup:%s:%s:%s:%s:%s", cfg.RelationPropertyID, cfg.TargetPropertyID, cfg.RollupFunction, cfg.ErrorHandling, cfg.DefaultValue.String())
}

func (s *evalSession) rollup(db *models.Database, rec *models.Record, prop *models.Property) (models.Value, bool, error) {
	cfg := prop.Config.Rollup
	if cfg == nil {
		return models.Null(), false, apperr.Validation("rollup %q has no config", prop.Name)
	}
	leave, err := s.enter(rec, prop)
	if err != nil {
		return models.Null(), false, err
	}
	defer leave()

	key := models.CacheKey{RecordID: rec.ID, PropertyID: prop.ID, ExpressionHash: helpers.HashExpression(rollupSignature(cfg))}
	if v, ok := s.cached(key, rec); ok {
		return v, true, nil
	}

	v, err := s.aggregate(db, rec, cfg)
	if err != nil {
		// structural failures always surface
		if errors.Is(err, apperr.ErrCircularDependency) || errors.Is(err, apperr.ErrEvaluationExhausted) {
			return models.Null(), false, err
		}
		switch cfg.ErrorHandling {
		case models.ErrorHandlingThrow:
			return models.Null(), false, err
		case models.ErrorHandlingReturnDefault:
			v = cfg.DefaultValue
			s.warn(apperr.NewWarning(apperr.RollupFallbackWarning, "rollup %q returned its default: %v", prop.Name, err))
		default:
			v = models.Null()
			s.warn(apperr.NewWarning(apperr.RollupFallbackWarning, "rollup %q returned null: %v", prop.Name, err))
		}
	}
	s.remember(key, rec, prop, rollupSignature(cfg), v, []string{cfg.RelationPropertyID}, s.ttl(cfg.CacheTTLSeconds))
	return v, false, nil
}

// aggregate collects the target values of the linked records and applies
// the rollup function.
func (s *evalSession) aggregate(db *models.Database, rec *models.Record, cfg *models.RollupConfig) (models.Value, error) {
	rel, err := relationProperty(db, cfg.RelationPropertyID)
	if err != nil {
		return models.Null(), err
	}
	target, err := s.database(rel.Config.Relation.TargetDatabaseID)
	if err != nil {
		return models.Null(), err
	}
	var tp *models.Property
	if cfg.TargetPropertyID != "" {
		var ok bool
		if tp, ok = target.Property(cfg.TargetPropertyID); !ok {
			return models.Null(), apperr.Validation("rollup target property %q no longer exists", cfg.TargetPropertyID)
		}
	}

	var values []models.Value
	for _, id := range rec.RelationIDs(rel.ID) {
		related, err := s.record(id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return models.Null(), err
		}
		if tp == nil {
			values = append(values, models.Null())
			continue
		}
		v, err := s.value(target, related, tp)
		if err != nil {
			return models.Null(), err
		}
		values = append(values, v)
	}
	return applyRollup(cfg.RollupFunction, values, tp)
}

// flatten returns the non-empty items of values, unpacking lists.
func flatten(values []models.Value) []models.Value {
	var out []models.Value
	for _, v := range values {
		for _, item := range v.Items() {
			if !item.IsEmpty() {
				out = append(out, item)
			}
		}
	}
	return out
}

func unique(items []models.Value) []models.Value {
	seen := make(map[string]bool, len(items))
	var out []models.Value
	for _, item := range items {
		key := item.Kind.String() + ":" + item.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

func percent(part, total int) models.Value {
	if total == 0 {
		return models.Number(0)
	}
	return models.Number(math.Round(float64(part)/float64(total)*10000) / 100)
}

// applyRollup runs fn over the target values of the linked records, one
// value per record. Percentages are on a 0-100 scale.
func applyRollup(fn models.RollupFunction, values []models.Value, tp *models.Property) (models.Value, error) {
	total := len(values)
	empty := 0
	for _, v := range values {
		if v.IsEmpty() {
			empty++
		}
	}

	switch fn {
	case models.RollupCount:
		return models.Number(float64(total)), nil
	case models.RollupCountValues:
		return models.Number(float64(len(flatten(values)))), nil
	case models.RollupCountUnique:
		return models.Number(float64(len(unique(flatten(values))))), nil
	case models.RollupCountEmpty:
		return models.Number(float64(empty)), nil
	case models.RollupCountNotEmpty:
		return models.Number(float64(total - empty)), nil
	case models.RollupPercentEmpty:
		return percent(empty, total), nil
	case models.RollupPercentNotEmpty:
		return percent(total-empty, total), nil

	case models.RollupSum, models.RollupAverage, models.RollupMedian,
		models.RollupMin, models.RollupMax, models.RollupRange:
		nums, err := numbers(values)
		if err != nil {
			return models.Null(), err
		}
		return numericRollup(fn, nums), nil

	case models.RollupEarliest, models.RollupLatest, models.RollupDateRange:
		dates, err := dates(values)
		if err != nil {
			return models.Null(), err
		}
		if len(dates) == 0 {
			return models.Null(), nil
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		switch fn {
		case models.RollupEarliest:
			return models.Date(dates[0]), nil
		case models.RollupLatest:
			return models.Date(dates[len(dates)-1]), nil
		}
		return models.Number(math.Floor(dates[len(dates)-1].Sub(dates[0]).Hours() / 24)), nil

	case models.RollupShowOriginal:
		return models.List(displayItems(flatten(values), tp)...), nil
	case models.RollupShowUnique:
		return models.List(displayItems(unique(flatten(values)), tp)...), nil

	case models.RollupChecked, models.RollupUnchecked, models.RollupPercentChecked:
		checked := 0
		for _, v := range values {
			switch {
			case v.IsNull():
			case v.Kind == models.KindBool:
				if v.Bool {
					checked++
				}
			default:
				return models.Null(), apperr.TypeMismatch("%s expects checkbox values, got %s", fn, v.Kind)
			}
		}
		switch fn {
		case models.RollupChecked:
			return models.Number(float64(checked)), nil
		case models.RollupUnchecked:
			return models.Number(float64(total - checked)), nil
		}
		return percent(checked, total), nil
	}
	return models.Null(), apperr.Validation("unknown rollup function %q", fn)
}

func numbers(values []models.Value) ([]float64, error) {
	var out []float64
	for _, item := range flatten(values) {
		if item.Kind != models.KindNumber {
			return nil, apperr.TypeMismatch("numeric rollup over %s value %q", item.Kind, item.String())
		}
		out = append(out, item.Num)
	}
	return out, nil
}

func dates(values []models.Value) ([]time.Time, error) {
	var out []time.Time
	for _, item := range flatten(values) {
		if item.Kind != models.KindDate {
			return nil, apperr.TypeMismatch("date rollup over %s value %q", item.Kind, item.String())
		}
		out = append(out, item.Time)
	}
	return out, nil
}

func numericRollup(fn models.RollupFunction, nums []float64) models.Value {
	if fn == models.RollupSum {
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return models.Number(sum)
	}
	if len(nums) == 0 {
		return models.Null()
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	switch fn {
	case models.RollupAverage:
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return models.Number(sum / float64(len(nums)))
	case models.RollupMedian:
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return models.Number(sorted[mid])
		}
		return models.Number((sorted[mid-1] + sorted[mid]) / 2)
	case models.RollupMin:
		return models.Number(sorted[0])
	case models.RollupMax:
		return models.Number(sorted[len(sorted)-1])
	}
	return models.Number(sorted[len(sorted)-1] - sorted[0])
}

// displayItems maps option ids to option names for select style targets.
func displayItems(items []models.Value, tp *models.Property) []models.Value {
	if tp == nil || !tp.Type.HasOptions() {
		return items
	}
	out := make([]models.Value, len(items))
	for i, item := range items {
		out[i] = item
		if opt, ok := tp.Option(item.String()); ok {
			out[i] = models.String(opt.Name)
		}
	}
	return out
}

func nonNilWarnings(w []apperr.Warning) []apperr.Warning {
	if w == nil {
		return []apperr.Warning{}
	}
	return w
}
