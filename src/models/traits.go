package models

import "time"

// Timestamps is embedded by every persisted document.
type Timestamps struct {
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Touch stamps UpdatedAt, and CreatedAt the first time.
func (t *Timestamps) Touch(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// Authorship records who created and last edited a document.
type Authorship struct {
	CreatedBy    string `json:"createdBy,omitempty" bson:"createdBy,omitempty"`
	LastEditedBy string `json:"lastEditedBy,omitempty" bson:"lastEditedBy,omitempty"`
}

func (a *Authorship) Edit(actorID string) {
	if a.CreatedBy == "" {
		a.CreatedBy = actorID
	}
	a.LastEditedBy = actorID
}

// Archivable marks a document as soft-archived.
type Archivable struct {
	IsArchived bool       `json:"isArchived,omitempty" bson:"isArchived,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty" bson:"archivedAt,omitempty"`
}

func (a *Archivable) Archive(now time.Time) {
	a.IsArchived = true
	a.ArchivedAt = &now
}

func (a *Archivable) Restore() {
	a.IsArchived = false
	a.ArchivedAt = nil
}
