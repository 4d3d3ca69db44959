package models

import (
	"sort"
	"strings"
)

// Database is a user-defined schema container with typed properties and saved views.
type Database struct {
	// DatabaseID is the unique identifier for the database.
	DatabaseID string `json:"id" bson:"_id"`

	// Name is the name of the database.
	Name string `json:"name" bson:"name"`

	// Description is the description of the database.
	Description string `json:"description,omitempty" bson:"description,omitempty"`
	Icon        string `json:"icon,omitempty" bson:"icon,omitempty"`

	// Properties is the schema; order of the slice is insertion order, display uses Property.Order.
	Properties []Property `json:"properties" bson:"properties"`
	Views      []View     `json:"views" bson:"views"`

	Timestamps `bson:",inline"`
	Authorship `bson:",inline"`
	Archivable `bson:",inline"`
}

// Property finds a property by id.
func (db *Database) Property(id string) (*Property, bool) {
	for i := range db.Properties {
		if db.Properties[i].ID == id {
			return &db.Properties[i], true
		}
	}
	return nil, false
}

// PropertyByName finds a visible property by case-insensitive name.
func (db *Database) PropertyByName(name string) (*Property, bool) {
	for i := range db.Properties {
		p := &db.Properties[i]
		if !p.IsArchived && strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// ResolveProperty accepts either a property id or a visible property name.
func (db *Database) ResolveProperty(ref string) (*Property, bool) {
	if p, ok := db.Property(ref); ok {
		return p, true
	}
	return db.PropertyByName(ref)
}

// VisibleProperties returns non-archived properties sorted by Order.
func (db *Database) VisibleProperties() []Property {
	out := make([]Property, 0, len(db.Properties))
	for _, p := range db.Properties {
		if !p.IsArchived {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// PropertiesOfType returns every property of the given type, archived ones included.
func (db *Database) PropertiesOfType(t PropertyType) []*Property {
	var out []*Property
	for i := range db.Properties {
		if db.Properties[i].Type == t {
			out = append(out, &db.Properties[i])
		}
	}
	return out
}

// NextOrder returns an order value that places a new property last.
func (db *Database) NextOrder() int {
	max := -1
	for _, p := range db.Properties {
		if p.Order > max {
			max = p.Order
		}
	}
	return max + 1
}

func (db *Database) View(id string) (*View, bool) {
	for i := range db.Views {
		if db.Views[i].ID == id {
			return &db.Views[i], true
		}
	}
	return nil, false
}

// Clone deep copies the database so callers can mutate it before saving.
func (db *Database) Clone() *Database {
	c := *db
	c.Properties = make([]Property, len(db.Properties))
	for i, p := range db.Properties {
		c.Properties[i] = p.Clone()
	}
	c.Views = append([]View(nil), db.Views...)
	return &c
}
