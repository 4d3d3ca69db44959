package models

import "time"

// RelationCacheEntry is the resolved form of one relation property.
type RelationCacheEntry struct {
	TargetIDs []string          `json:"targetIds" bson:"targetIds"`
	Titles    map[string]string `json:"titles,omitempty" bson:"titles,omitempty"`
}

// Record is a row of a database: an open map of property id to value.
type Record struct {
	ID         string           `json:"id" bson:"_id"`
	DatabaseID string           `json:"databaseId" bson:"databaseId"`
	Properties map[string]Value `json:"properties" bson:"properties"`
	Version    int64            `json:"version" bson:"version"`
	// Seq is the creation sequence and the final sort tiebreak.
	Seq int64 `json:"seq" bson:"seq"`

	// RelationsCache is derived and non-authoritative; dropped whenever a
	// relation property of the record changes.
	RelationsCache map[string]RelationCacheEntry `json:"relationsCache,omitempty" bson:"relationsCache,omitempty"`

	Timestamps `bson:",inline"`
	Authorship `bson:",inline"`
	Archivable `bson:",inline"`
}

// Get returns the stored value of a property, or null.
func (r *Record) Get(propertyID string) Value {
	if r.Properties == nil {
		return Null()
	}
	return r.Properties[propertyID]
}

// RelationIDs returns the record ids stored in a relation property.
func (r *Record) RelationIDs(propertyID string) []string {
	return r.Get(propertyID).Strings()
}

// HasRelation reports whether targetID is stored in the relation property.
func (r *Record) HasRelation(propertyID, targetID string) bool {
	for _, id := range r.RelationIDs(propertyID) {
		if id == targetID {
			return true
		}
	}
	return false
}

// AddRelation appends targetID to the relation property, returning false when
// it was already present.
func (r *Record) AddRelation(propertyID, targetID string) bool {
	if r.HasRelation(propertyID, targetID) {
		return false
	}
	ids := append(r.RelationIDs(propertyID), targetID)
	r.set(propertyID, StringList(ids))
	return true
}

// RemoveRelation drops targetID from the relation property, returning false
// when it was not present.
func (r *Record) RemoveRelation(propertyID, targetID string) bool {
	ids := r.RelationIDs(propertyID)
	kept := ids[:0:0]
	for _, id := range ids {
		if id != targetID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return false
	}
	r.set(propertyID, StringList(kept))
	return true
}

// SetRelation replaces the relation property with exactly ids.
func (r *Record) SetRelation(propertyID string, ids []string) {
	r.set(propertyID, StringList(ids))
}

func (r *Record) set(propertyID string, v Value) {
	if r.Properties == nil {
		r.Properties = make(map[string]Value)
	}
	r.Properties[propertyID] = v
	delete(r.RelationsCache, propertyID)
}

// Clone deep copies the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Properties = make(map[string]Value, len(r.Properties))
	for k, v := range r.Properties {
		c.Properties[k] = v.Clone()
	}
	if r.RelationsCache != nil {
		c.RelationsCache = make(map[string]RelationCacheEntry, len(r.RelationsCache))
		for k, v := range r.RelationsCache {
			entry := RelationCacheEntry{TargetIDs: append([]string(nil), v.TargetIDs...)}
			if v.Titles != nil {
				entry.Titles = make(map[string]string, len(v.Titles))
				for id, title := range v.Titles {
					entry.Titles[id] = title
				}
			}
			c.RelationsCache[k] = entry
		}
	}
	return &c
}

// Bump increments the version and stamps the edit.
func (r *Record) Bump(actorID string, now time.Time) {
	r.Version++
	r.Touch(now)
	if actorID != "" {
		r.Edit(actorID)
	}
}

// RelationEdge is one directed link between two records. TargetPropertyID is
// set when the relation is dual and the inverse reference lives on the target.
type RelationEdge struct {
	SourceRecordID   string `json:"sourceRecordId" bson:"sourceRecordId"`
	SourcePropertyID string `json:"sourcePropertyId" bson:"sourcePropertyId"`
	TargetRecordID   string `json:"targetRecordId" bson:"targetRecordId"`
	TargetPropertyID string `json:"targetPropertyId,omitempty" bson:"targetPropertyId,omitempty"`
}
