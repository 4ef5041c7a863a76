package models

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: OPERATION LOG

The relay keeps every accepted operation alongside the document snapshot.
Each row records the version it produced, so a reader can replay the log
from any version forward.

Flow:
  Client submits edit → relay applies it → row appended with new version
  → confirmation to author → operation_applied to everyone else
*/

// OperationRecord stores one accepted operation
type OperationRecord struct {
	ID          string          `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID  string          `gorm:"type:varchar(64);not null;index:idx_doc_version" json:"document_id"`
	OperationID string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"operation_id"`
	AuthorID    string          `gorm:"type:varchar(255);not null" json:"author_id"`
	BatchID     string          `gorm:"type:varchar(64)" json:"batch_id,omitempty"`
	Edit        json.RawMessage `gorm:"type:jsonb;not null" json:"edit"`
	Version     int64           `gorm:"not null;index:idx_doc_version" json:"version"`
	CreatedAt   time.Time       `json:"created_at"`

	// Relationship
	Document *Document `gorm:"foreignKey:DocumentID;references:ID" json:"document,omitempty"`
}

// BeforeCreate generates KSUID
func (o *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (OperationRecord) TableName() string {
	return "operation_records"
}

// DocumentVersion is a named snapshot of a document.
// ULIDs keep version listings in creation order without a separate sort key.
type DocumentVersion struct {
	ID          string    `gorm:"type:char(26);primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:varchar(64);not null;index" json:"document_id"`
	Name        string    `gorm:"type:text;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	Version     int64     `gorm:"not null" json:"version"`
	CreatedBy   string    `gorm:"type:varchar(255)" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a ULID
func (v *DocumentVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	return nil
}

// TableName override
func (DocumentVersion) TableName() string {
	return "document_versions"
}
