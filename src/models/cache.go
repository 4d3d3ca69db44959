package models

import "time"

// CacheKey identifies one memoized formula or rollup result.
type CacheKey struct {
	RecordID       string `json:"recordId" bson:"recordId"`
	PropertyID     string `json:"propertyId" bson:"propertyId"`
	ExpressionHash string `json:"expressionHash" bson:"expressionHash"`
}

func (k CacheKey) String() string {
	return k.RecordID + "/" + k.PropertyID + "/" + k.ExpressionHash
}

// FormulaCacheEntry memoizes an evaluated formula or rollup value.
type FormulaCacheEntry struct {
	CacheKey     `bson:",inline"`
	PropertyName string    `json:"propertyName" bson:"propertyName"`
	Expression   string    `json:"expression" bson:"expression"`
	Value        Value     `json:"value" bson:"value"`
	Dependencies []string  `json:"dependencies,omitempty" bson:"dependencies,omitempty"`
	CalculatedAt time.Time `json:"calculatedAt" bson:"calculatedAt"`
	ExpiresAt    time.Time `json:"expiresAt" bson:"expiresAt"`
	// Version is the record version the value was computed from.
	Version int64 `json:"version" bson:"version"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *FormulaCacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
