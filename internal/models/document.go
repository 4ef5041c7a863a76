package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is the relay's canonical copy of a shared document.
// Learning: Using KSUID instead of UUID provides time-based sorting and a
// shorter string (27 chars), which keeps the primary key index compact.
type Document struct {
	ID        string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	Title     string         `json:"title" gorm:"type:text;not null"`
	Content   string         `json:"content" gorm:"type:text;not null"`
	Version   int64          `json:"version" gorm:"not null;default:0"`
	StateHash string         `json:"state_hash" gorm:"type:char(64);not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"` // Soft delete support
}

// BeforeCreate hook generates KSUID and the initial state hash
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	if d.StateHash == "" {
		d.StateHash = StateHash(d.Content)
	}
	return nil
}

// SyncState returns the document as a sync response payload.
func (d *Document) SyncState() DocumentSyncState {
	return DocumentSyncState{
		Content:   d.Content,
		Version:   d.Version,
		StateHash: d.StateHash,
	}
}

type DocumentCreate struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DocumentSyncState is the client's cached view of the document.
// It is replaced wholesale by every sync response.
type DocumentSyncState struct {
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	StateHash string    `json:"state_hash"`
	SyncedAt  time.Time `json:"synced_at,omitempty"`
}

// StateHash is the hex SHA-256 of the document content.
func StateHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
