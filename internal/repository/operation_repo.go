package repository

import (
	"context"
	"fmt"

	"livesync/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: OPERATION LOG QUERIES

Every accepted operation is stored with the document version it produced.
That makes the log replayable from any point:

- Since: catch-up (everything after the version a reader already has)
- Order by version, not created_at: versions are assigned under the
  relay's document lock, timestamps are not
*/

// OperationRepositoryImpl reads the operation log
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation log repository
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// Since returns operations that produced versions after version, oldest
// first. limit <= 0 means no limit.
func (r *OperationRepositoryImpl) Since(ctx context.Context, documentID string, version int64, limit int) ([]*models.OperationRecord, error) {
	var records []*models.OperationRecord

	q := r.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", documentID, version).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}

	return records, nil
}
