package views

import (
	"strings"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// maxFilterDepth bounds nesting of filter groups in a saved view.
const maxFilterDepth = 8

var (
	textOperators = []models.FilterOperator{
		models.OpEquals, models.OpNotEquals, models.OpContains, models.OpNotContains,
		models.OpStartsWith, models.OpEndsWith, models.OpIsEmpty, models.OpIsNotEmpty,
	}
	numberOperators = []models.FilterOperator{
		models.OpEquals, models.OpNotEquals, models.OpGreaterThan, models.OpLessThan,
		models.OpGreaterThanOrEqual, models.OpLessThanOrEqual, models.OpIsEmpty, models.OpIsNotEmpty,
	}
	dateOperators = []models.FilterOperator{
		models.OpEquals, models.OpNotEquals, models.OpBefore, models.OpAfter,
		models.OpOnOrBefore, models.OpOnOrAfter, models.OpIsEmpty, models.OpIsNotEmpty,
	}
	selectOperators = []models.FilterOperator{
		models.OpEquals, models.OpNotEquals, models.OpIsEmpty, models.OpIsNotEmpty,
	}
	listOperators = []models.FilterOperator{
		models.OpContains, models.OpNotContains, models.OpIsEmpty, models.OpIsNotEmpty,
	}
	checkboxOperators = []models.FilterOperator{models.OpEquals, models.OpNotEquals}
)

// SupportedOperators lists the filter operators valid for a property type.
// Computed types accept every operator since their value type is dynamic.
func SupportedOperators(t models.PropertyType) []models.FilterOperator {
	switch t {
	case models.PropertyTypeText, models.PropertyTypeURL, models.PropertyTypeEmail, models.PropertyTypePhone:
		return textOperators
	case models.PropertyTypeNumber:
		return numberOperators
	case models.PropertyTypeDate, models.PropertyTypeCreatedTime, models.PropertyTypeLastEditedTime:
		return dateOperators
	case models.PropertyTypeSelect, models.PropertyTypeStatus,
		models.PropertyTypeCreatedBy, models.PropertyTypeLastEditedBy:
		return selectOperators
	case models.PropertyTypeMultiSelect, models.PropertyTypeRelation, models.PropertyTypeFile:
		return listOperators
	case models.PropertyTypeCheckbox:
		return checkboxOperators
	}
	all := make([]models.FilterOperator, 0, len(textOperators)+len(dateOperators))
	seen := make(map[models.FilterOperator]bool)
	for _, group := range [][]models.FilterOperator{textOperators, numberOperators, dateOperators} {
		for _, op := range group {
			if !seen[op] {
				seen[op] = true
				all = append(all, op)
			}
		}
	}
	return all
}

// Supports reports whether op is valid for properties of type t.
func Supports(t models.PropertyType, op models.FilterOperator) bool {
	for _, candidate := range SupportedOperators(t) {
		if candidate == op {
			return true
		}
	}
	return false
}

// ValidateView checks a view against the database schema before it is saved.
func ValidateView(db *models.Database, view *models.View) error {
	if strings.TrimSpace(view.Name) == "" {
		return apperr.Validation("view name is required")
	}
	if !view.Type.Valid() {
		return apperr.Validation("unknown view type %q", view.Type)
	}
	if view.Filters != nil {
		if err := validateGroup(db, view.Filters, 1); err != nil {
			return err
		}
	}
	for _, s := range view.Sorts {
		if _, ok := db.Property(s.PropertyID); !ok {
			return apperr.Validation("sort references unknown property %q", s.PropertyID)
		}
		if s.Direction != "" && s.Direction != models.SortAscending && s.Direction != models.SortDescending {
			return apperr.Validation("unknown sort direction %q", s.Direction)
		}
	}
	if g := view.Group; g != nil {
		if _, ok := db.Property(g.PropertyID); !ok {
			return apperr.Validation("group references unknown property %q", g.PropertyID)
		}
		switch g.DateGrouping {
		case "", models.GroupByDay, models.GroupByWeek, models.GroupByMonth, models.GroupByYear:
		default:
			return apperr.Validation("unknown date grouping %q", g.DateGrouping)
		}
	}
	for _, id := range view.Config.VisibleProperties {
		if _, ok := db.Property(id); !ok {
			return apperr.Validation("visible property %q does not exist", id)
		}
	}
	if view.Config.PageSize < 0 {
		return apperr.Validation("page size must not be negative")
	}
	return nil
}

func validateGroup(db *models.Database, group *models.FilterGroup, depth int) error {
	if depth > maxFilterDepth {
		return apperr.Validation("filter groups nested deeper than %d", maxFilterDepth)
	}
	switch group.Operator {
	case "", models.LogicAnd, models.LogicOr:
	default:
		return apperr.Validation("unknown filter group operator %q", group.Operator)
	}
	for _, node := range group.Conditions {
		switch {
		case node.Condition != nil && node.Group != nil:
			return apperr.Validation("filter node must be a condition or a group, not both")
		case node.Group != nil:
			if err := validateGroup(db, node.Group, depth+1); err != nil {
				return err
			}
		case node.Condition != nil:
			if err := validateCondition(db, node.Condition); err != nil {
				return err
			}
		default:
			return apperr.Validation("empty filter node")
		}
	}
	return nil
}

func validateCondition(db *models.Database, c *models.FilterCondition) error {
	prop, ok := db.Property(c.PropertyID)
	if !ok {
		return apperr.Validation("filter references unknown property %q", c.PropertyID)
	}
	if !Supports(prop.Type, c.Operator) {
		return apperr.Validation("operator %q is not supported for %s property %q", c.Operator, prop.Type, prop.Name)
	}
	if c.Operator != models.OpIsEmpty && c.Operator != models.OpIsNotEmpty && c.Value.IsNull() {
		return apperr.Validation("operator %q on %q requires a value", c.Operator, prop.Name)
	}
	return nil
}
