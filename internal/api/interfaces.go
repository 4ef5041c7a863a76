package api

import (
	"context"

	"livesync/internal/models"
	"livesync/internal/relay"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the relay hub and the
repositories, so the interfaces it needs live HERE.

The gorm repositories and the in-memory relay store both satisfy them
without importing this package, and tests pass small fakes.
*/

// Relay is what handlers need from the running hub
type Relay interface {
	Snapshot(ctx context.Context, documentID string) (models.DocumentSyncState, error)
	Stats() relay.Stats
}

// DocumentStore creates and lists documents
type DocumentStore interface {
	Create(ctx context.Context, doc *models.DocumentCreate) (*models.Document, error)
	List(ctx context.Context, limit, offset int) ([]*models.Document, error)
}

// HistoryStore reads the operation log and named versions
type HistoryStore interface {
	Since(ctx context.Context, documentID string, version int64, limit int) ([]*models.OperationRecord, error)
	ListVersions(ctx context.Context, documentID string) ([]*models.DocumentVersion, error)
}
