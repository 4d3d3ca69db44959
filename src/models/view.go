package models

type ViewType string

const (
	ViewTable    ViewType = "table"
	ViewBoard    ViewType = "board"
	ViewList     ViewType = "list"
	ViewCalendar ViewType = "calendar"
	ViewGallery  ViewType = "gallery"
	ViewTimeline ViewType = "timeline"
)

func (t ViewType) Valid() bool {
	switch t {
	case ViewTable, ViewBoard, ViewList, ViewCalendar, ViewGallery, ViewTimeline:
		return true
	}
	return false
}

type LogicalOperator string

const (
	LogicAnd LogicalOperator = "and"
	LogicOr  LogicalOperator = "or"
)

type FilterOperator string

const (
	OpEquals             FilterOperator = "equals"
	OpNotEquals          FilterOperator = "not_equals"
	OpContains           FilterOperator = "contains"
	OpNotContains        FilterOperator = "not_contains"
	OpStartsWith         FilterOperator = "starts_with"
	OpEndsWith           FilterOperator = "ends_with"
	OpIsEmpty            FilterOperator = "is_empty"
	OpIsNotEmpty         FilterOperator = "is_not_empty"
	OpGreaterThan        FilterOperator = "greater_than"
	OpLessThan           FilterOperator = "less_than"
	OpGreaterThanOrEqual FilterOperator = "greater_than_or_equal"
	OpLessThanOrEqual    FilterOperator = "less_than_or_equal"
	OpBefore             FilterOperator = "before"
	OpAfter              FilterOperator = "after"
	OpOnOrBefore         FilterOperator = "on_or_before"
	OpOnOrAfter          FilterOperator = "on_or_after"
)

// FilterCondition is a leaf of the filter tree.
type FilterCondition struct {
	PropertyID string         `json:"propertyId" bson:"propertyId"`
	Operator   FilterOperator `json:"operator" bson:"operator"`
	Value      Value          `json:"value" bson:"value"`
}

// FilterNode is either a leaf condition or a nested group. Exactly one of
// the two fields is set.
type FilterNode struct {
	Condition *FilterCondition `json:"condition,omitempty" bson:"condition,omitempty"`
	Group     *FilterGroup     `json:"group,omitempty" bson:"group,omitempty"`
}

func Leaf(c FilterCondition) FilterNode { return FilterNode{Condition: &c} }
func Nested(g FilterGroup) FilterNode   { return FilterNode{Group: &g} }

// FilterGroup joins its conditions with a single logical operator.
type FilterGroup struct {
	Operator   LogicalOperator `json:"operator" bson:"operator"`
	Conditions []FilterNode    `json:"conditions" bson:"conditions"`
}

type SortDirection string

const (
	SortAscending  SortDirection = "ascending"
	SortDescending SortDirection = "descending"
)

type SortSpec struct {
	PropertyID string        `json:"propertyId" bson:"propertyId"`
	Direction  SortDirection `json:"direction" bson:"direction"`
}

// DateGrouping is the bucket size used when grouping by a date property.
type DateGrouping string

const (
	GroupByDay   DateGrouping = "day"
	GroupByWeek  DateGrouping = "week"
	GroupByMonth DateGrouping = "month"
	GroupByYear  DateGrouping = "year"
)

type GroupConfig struct {
	PropertyID string `json:"propertyId" bson:"propertyId"`
	HideEmpty  bool   `json:"hideEmpty,omitempty" bson:"hideEmpty,omitempty"`
	// GroupOrder is the manual order of group keys. Keys listed here come
	// first, in this order, ahead of any computed ordering.
	GroupOrder   []string      `json:"groupOrder,omitempty" bson:"groupOrder,omitempty"`
	Direction    SortDirection `json:"direction,omitempty" bson:"direction,omitempty"`
	DateGrouping DateGrouping  `json:"dateGrouping,omitempty" bson:"dateGrouping,omitempty"`
}

type ViewConfig struct {
	VisibleProperties []string `json:"visibleProperties,omitempty" bson:"visibleProperties,omitempty"`
	PageSize          int      `json:"pageSize,omitempty" bson:"pageSize,omitempty"`
}

// View is a saved query descriptor over a database's records.
type View struct {
	ID         string       `json:"id" bson:"id"`
	DatabaseID string       `json:"databaseId" bson:"databaseId"`
	Name       string       `json:"name" bson:"name"`
	Type       ViewType     `json:"type" bson:"type"`
	Filters    *FilterGroup `json:"filters,omitempty" bson:"filters,omitempty"`
	Sorts      []SortSpec   `json:"sorts,omitempty" bson:"sorts,omitempty"`
	Group      *GroupConfig `json:"group,omitempty" bson:"group,omitempty"`
	Config     ViewConfig   `json:"config" bson:"config"`
}
