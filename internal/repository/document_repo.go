package repository

import (
	"context"
	"errors"
	"fmt"

	"livesync/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// DocumentRepositoryImpl handles all database operations for documents using GORM
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The relay and api packages declare the interfaces they need.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a new document at version 0.
// The KSUID and state hash are filled in by the BeforeCreate hook
func (r *DocumentRepositoryImpl) Create(ctx context.Context, doc *models.DocumentCreate) (*models.Document, error) {
	document := &models.Document{
		Title:   doc.Title,
		Content: doc.Content,
	}

	if err := r.db.WithContext(ctx).Create(document).Error; err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return document, nil
}

// List returns documents newest first
// Learning: KSUID allows natural time-based ordering without created_at index
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	var documents []*models.Document

	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&documents).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return documents, nil
}

// EnsureDocument returns the document, creating an empty one under id when
// none exists. Clients name documents, so ids are not always KSUIDs.
func (r *DocumentRepositoryImpl) EnsureDocument(ctx context.Context, id string) (*models.Document, error) {
	doc := models.Document{ID: id}

	// Learning: FirstOrCreate looks the row up by the Where clause and only
	// inserts (with Attrs applied) when nothing matched
	err := r.db.WithContext(ctx).
		Where(models.Document{ID: id}).
		Attrs(models.Document{StateHash: models.StateHash("")}).
		FirstOrCreate(&doc).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure document %s: %w", id, err)
	}

	return &doc, nil
}

// SaveOperations writes the new document state and its operation log rows
// in one transaction.
func (r *DocumentRepositoryImpl) SaveOperations(ctx context.Context, doc *models.Document, records []*models.OperationRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateState(tx, doc); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("failed to store operations: %w", err)
		}
		return nil
	})
}

// SaveSnapshot overwrites content, version and hash with no log entries.
// Used when a conflict resolution replaces the document wholesale.
func (r *DocumentRepositoryImpl) SaveSnapshot(ctx context.Context, doc *models.Document) error {
	return updateState(r.db.WithContext(ctx), doc)
}

func updateState(tx *gorm.DB, doc *models.Document) error {
	// Build update map so an empty content string is still written
	updates := map[string]interface{}{
		"content":    doc.Content,
		"version":    doc.Version,
		"state_hash": doc.StateHash,
	}
	result := tx.Model(&models.Document{}).Where("id = ?", doc.ID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	return nil
}
