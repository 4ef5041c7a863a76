package repository

import (
	"context"
	"fmt"

	"livesync/internal/models"

	"gorm.io/gorm"
)

// VersionRepositoryImpl stores named document snapshots
type VersionRepositoryImpl struct {
	db *gorm.DB
}

func NewVersionRepository(db *gorm.DB) *VersionRepositoryImpl {
	return &VersionRepositoryImpl{db: db}
}

// CreateVersion inserts a snapshot. The ULID is generated in BeforeCreate
// when the caller left it empty.
func (r *VersionRepositoryImpl) CreateVersion(ctx context.Context, v *models.DocumentVersion) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

// ListVersions returns a document's snapshots, newest first.
// Learning: ULIDs sort lexically by creation time, same trick as KSUID
func (r *VersionRepositoryImpl) ListVersions(ctx context.Context, documentID string) ([]*models.DocumentVersion, error) {
	var versions []*models.DocumentVersion

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("id DESC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return versions, nil
}
