package models

// PropertyType represents the type of a database property.
type PropertyType string

const (
	PropertyTypeText        PropertyType = "text"
	PropertyTypeNumber      PropertyType = "number"
	PropertyTypeCheckbox    PropertyType = "checkbox"
	PropertyTypeDate        PropertyType = "date"
	PropertyTypeSelect      PropertyType = "select"
	PropertyTypeMultiSelect PropertyType = "multi_select"
	PropertyTypeStatus      PropertyType = "status"
	PropertyTypeURL         PropertyType = "url"
	PropertyTypeEmail       PropertyType = "email"
	PropertyTypePhone       PropertyType = "phone"
	PropertyTypeRelation    PropertyType = "relation"
	PropertyTypeRollup      PropertyType = "rollup"
	PropertyTypeFormula     PropertyType = "formula"
	PropertyTypeFile        PropertyType = "file"

	// System types are computed from record metadata and never accepted as input.
	PropertyTypeCreatedTime    PropertyType = "created_time"
	PropertyTypeCreatedBy      PropertyType = "created_by"
	PropertyTypeLastEditedTime PropertyType = "last_edited_time"
	PropertyTypeLastEditedBy   PropertyType = "last_edited_by"
)

// AllPropertyTypes lists the closed enumeration of property types.
var AllPropertyTypes = []PropertyType{
	PropertyTypeText, PropertyTypeNumber, PropertyTypeCheckbox, PropertyTypeDate,
	PropertyTypeSelect, PropertyTypeMultiSelect, PropertyTypeStatus,
	PropertyTypeURL, PropertyTypeEmail, PropertyTypePhone,
	PropertyTypeRelation, PropertyTypeRollup, PropertyTypeFormula, PropertyTypeFile,
	PropertyTypeCreatedTime, PropertyTypeCreatedBy, PropertyTypeLastEditedTime, PropertyTypeLastEditedBy,
}

func (t PropertyType) Valid() bool {
	for _, known := range AllPropertyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsSystem reports whether values of this type come from record metadata.
func (t PropertyType) IsSystem() bool {
	switch t {
	case PropertyTypeCreatedTime, PropertyTypeCreatedBy, PropertyTypeLastEditedTime, PropertyTypeLastEditedBy:
		return true
	}
	return false
}

// IsComputed reports whether values of this type are derived rather than stored.
func (t PropertyType) IsComputed() bool {
	return t.IsSystem() || t == PropertyTypeRollup || t == PropertyTypeFormula
}

// HasOptions reports whether the type carries a select option list.
func (t PropertyType) HasOptions() bool {
	return t == PropertyTypeSelect || t == PropertyTypeMultiSelect || t == PropertyTypeStatus
}

// SelectOption represents an option for select, multi_select and status properties.
type SelectOption struct {
	ID    string `json:"id" bson:"id"`
	Name  string `json:"name" bson:"name"`
	Color string `json:"color,omitempty" bson:"color,omitempty"`
}

type RelationType string

const (
	RelationOneToOne   RelationType = "one_to_one"
	RelationOneToMany  RelationType = "one_to_many"
	RelationManyToOne  RelationType = "many_to_one"
	RelationManyToMany RelationType = "many_to_many"
)

// SingleValued reports whether the owning side holds at most one target.
func (r RelationType) SingleValued() bool {
	return r == RelationOneToOne || r == RelationManyToOne
}

// Inverse is the relation type seen from the paired property.
func (r RelationType) Inverse() RelationType {
	switch r {
	case RelationOneToMany:
		return RelationManyToOne
	case RelationManyToOne:
		return RelationOneToMany
	}
	return r
}

type DeletePolicy string

const (
	DeleteCascade  DeletePolicy = "cascade"
	DeleteSetNull  DeletePolicy = "set_null"
	DeleteRestrict DeletePolicy = "restrict"
)

func (p DeletePolicy) Valid() bool {
	return p == DeleteCascade || p == DeleteSetNull || p == DeleteRestrict
}

// RelationConfig configures a relation property on database S pointing at T.
type RelationConfig struct {
	TargetDatabaseID string `json:"targetDatabaseId" bson:"targetDatabaseId"`
	// TargetPropertyID is the paired relation property on T, empty for a one-sided relation.
	TargetPropertyID string       `json:"targetPropertyId,omitempty" bson:"targetPropertyId,omitempty"`
	RelationType     RelationType `json:"relationType" bson:"relationType"`
	IsSymmetric      bool         `json:"isSymmetric,omitempty" bson:"isSymmetric,omitempty"`
	// OnSourceDelete applies to records in S when a T record they reference is deleted.
	OnSourceDelete DeletePolicy `json:"onSourceDelete" bson:"onSourceDelete"`
	// OnTargetDelete applies to the referenced T records when an S record is deleted.
	OnTargetDelete DeletePolicy `json:"onTargetDelete" bson:"onTargetDelete"`
}

type RollupFunction string

const (
	RollupCount           RollupFunction = "count"
	RollupCountValues     RollupFunction = "count_values"
	RollupCountUnique     RollupFunction = "count_unique"
	RollupCountEmpty      RollupFunction = "count_empty"
	RollupCountNotEmpty   RollupFunction = "count_not_empty"
	RollupPercentEmpty    RollupFunction = "percent_empty"
	RollupPercentNotEmpty RollupFunction = "percent_not_empty"
	RollupSum             RollupFunction = "sum"
	RollupAverage         RollupFunction = "average"
	RollupMedian          RollupFunction = "median"
	RollupMin             RollupFunction = "min"
	RollupMax             RollupFunction = "max"
	RollupRange           RollupFunction = "range"
	RollupEarliest        RollupFunction = "earliest"
	RollupLatest          RollupFunction = "latest"
	RollupDateRange       RollupFunction = "date_range"
	RollupShowOriginal    RollupFunction = "show_original"
	RollupShowUnique      RollupFunction = "show_unique"
	RollupChecked         RollupFunction = "checked"
	RollupUnchecked       RollupFunction = "unchecked"
	RollupPercentChecked  RollupFunction = "percent_checked"
)

type ErrorHandling string

const (
	ErrorHandlingThrow         ErrorHandling = "throw"
	ErrorHandlingReturnNull    ErrorHandling = "return_null"
	ErrorHandlingReturnDefault ErrorHandling = "return_default"
)

type RollupConfig struct {
	RelationPropertyID string         `json:"relationPropertyId" bson:"relationPropertyId"`
	TargetPropertyID   string         `json:"targetPropertyId,omitempty" bson:"targetPropertyId,omitempty"`
	RollupFunction     RollupFunction `json:"rollupFunction" bson:"rollupFunction"`
	ErrorHandling      ErrorHandling  `json:"errorHandling,omitempty" bson:"errorHandling,omitempty"`
	DefaultValue       Value          `json:"defaultValue" bson:"defaultValue"`
	// CacheTTLSeconds overrides the engine default when positive.
	CacheTTLSeconds int `json:"cacheTTL,omitempty" bson:"cacheTTL,omitempty"`
}

type FormulaConfig struct {
	Expression string `json:"expression" bson:"expression"`
	// Dependencies holds the property ids the expression reads, filled by the registry.
	Dependencies []string `json:"dependencies,omitempty" bson:"dependencies,omitempty"`
	// RelationDependencies holds relation property ids read through related().
	RelationDependencies []string `json:"relationDependencies,omitempty" bson:"relationDependencies,omitempty"`
	ReturnType           string   `json:"returnType,omitempty" bson:"returnType,omitempty"`
	CacheTTLSeconds      int      `json:"cacheTTL,omitempty" bson:"cacheTTL,omitempty"`
}

type NumberConfig struct {
	Format    string `json:"format,omitempty" bson:"format,omitempty"`
	Precision *int   `json:"precision,omitempty" bson:"precision,omitempty"`
}

// PropertyConfig carries the type specific configuration. Only the section
// matching the property type is populated.
type PropertyConfig struct {
	Options  []SelectOption  `json:"options,omitempty" bson:"options,omitempty"`
	Number   *NumberConfig   `json:"number,omitempty" bson:"number,omitempty"`
	Relation *RelationConfig `json:"relation,omitempty" bson:"relation,omitempty"`
	Rollup   *RollupConfig   `json:"rollup,omitempty" bson:"rollup,omitempty"`
	Formula  *FormulaConfig  `json:"formula,omitempty" bson:"formula,omitempty"`
}

// Property is a typed column definition.
type Property struct {
	ID          string         `json:"id" bson:"id"`
	Name        string         `json:"name" bson:"name"`
	Type        PropertyType   `json:"type" bson:"type"`
	Config      PropertyConfig `json:"config" bson:"config"`
	Order       int            `json:"order" bson:"order"`
	IsSystem    bool           `json:"isSystem,omitempty" bson:"isSystem,omitempty"`
	Description string         `json:"description,omitempty" bson:"description,omitempty"`

	Archivable `bson:",inline"`
}

// Option finds a select option by id or, failing that, by name.
func (p *Property) Option(ref string) (SelectOption, bool) {
	for _, o := range p.Config.Options {
		if o.ID == ref {
			return o, true
		}
	}
	for _, o := range p.Config.Options {
		if o.Name == ref {
			return o, true
		}
	}
	return SelectOption{}, false
}

// OptionIndex is the position of an option in the configured list, or -1.
func (p *Property) OptionIndex(id string) int {
	for i, o := range p.Config.Options {
		if o.ID == id {
			return i
		}
	}
	return -1
}

// Clone deep copies the property including its config.
func (p Property) Clone() Property {
	c := p
	c.Config.Options = append([]SelectOption(nil), p.Config.Options...)
	if p.Config.Number != nil {
		n := *p.Config.Number
		c.Config.Number = &n
	}
	if p.Config.Relation != nil {
		r := *p.Config.Relation
		c.Config.Relation = &r
	}
	if p.Config.Rollup != nil {
		r := *p.Config.Rollup
		r.DefaultValue = p.Config.Rollup.DefaultValue.Clone()
		c.Config.Rollup = &r
	}
	if p.Config.Formula != nil {
		f := *p.Config.Formula
		f.Dependencies = append([]string(nil), p.Config.Formula.Dependencies...)
		f.RelationDependencies = append([]string(nil), p.Config.Formula.RelationDependencies...)
		c.Config.Formula = &f
	}
	return c
}
