package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"livesync/internal/models"
)

// Store is what the hub needs from persistence.
// Learning: Interface defined by the CONSUMER (the hub), not the repository
// package. The gorm repositories satisfy it without knowing it exists.
type Store interface {
	// EnsureDocument returns the document, creating it empty if missing.
	EnsureDocument(ctx context.Context, id string) (*models.Document, error)
	// SaveOperations persists doc's new content and version together with
	// the operations that produced it.
	SaveOperations(ctx context.Context, doc *models.Document, records []*models.OperationRecord) error
	// SaveSnapshot persists doc's content and version with no log entries.
	SaveSnapshot(ctx context.Context, doc *models.Document) error
	CreateVersion(ctx context.Context, v *models.DocumentVersion) error
}

// MemoryStore keeps everything in process. The relay falls back to it when
// no database is reachable; tests use it directly.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]models.Document
	records  map[string][]models.OperationRecord
	versions map[string][]models.DocumentVersion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]models.Document),
		records:  make(map[string][]models.OperationRecord),
		versions: make(map[string][]models.DocumentVersion),
	}
}

func (s *MemoryStore) EnsureDocument(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		doc = models.Document{ID: id, StateHash: models.StateHash("")}
		s.docs[id] = doc
	}
	return &doc, nil
}

// Seed stores doc as is, replacing any existing copy.
func (s *MemoryStore) Seed(doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.StateHash == "" {
		doc.StateHash = models.StateHash(doc.Content)
	}
	s.docs[doc.ID] = doc
}

func (s *MemoryStore) SaveOperations(ctx context.Context, doc *models.Document, records []*models.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return fmt.Errorf("document not found: %s", doc.ID)
	}
	s.docs[doc.ID] = *doc
	for _, rec := range records {
		s.records[doc.ID] = append(s.records[doc.ID], *rec)
	}
	return nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return fmt.Errorf("document not found: %s", doc.ID)
	}
	s.docs[doc.ID] = *doc
	return nil
}

func (s *MemoryStore) CreateVersion(ctx context.Context, v *models.DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.DocumentID] = append(s.versions[v.DocumentID], *v)
	return nil
}

// Document returns a copy of the stored document.
func (s *MemoryStore) Document(id string) (models.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Operations returns the operation log of a document.
func (s *MemoryStore) Operations(id string) []models.OperationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OperationRecord(nil), s.records[id]...)
}

// Versions returns the named versions of a document.
func (s *MemoryStore) Versions(id string) []models.DocumentVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DocumentVersion(nil), s.versions[id]...)
}

// Create stores a new document under a fresh KSUID.
func (s *MemoryStore) Create(ctx context.Context, in *models.DocumentCreate) (*models.Document, error) {
	now := time.Now()
	doc := models.Document{
		ID:        ksuid.New().String(),
		Title:     in.Title,
		Content:   in.Content,
		StateHash: models.StateHash(in.Content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Seed(doc)
	return &doc, nil
}

// List returns documents newest first, matching the gorm repository.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	s.mu.Lock()
	docs := make([]*models.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		d := doc
		docs = append(docs, &d)
	}
	s.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID > docs[j].ID })
	if offset >= len(docs) {
		return []*models.Document{}, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

// Since returns operations that produced versions after version, oldest first.
func (s *MemoryStore) Since(ctx context.Context, documentID string, version int64, limit int) ([]*models.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.OperationRecord
	for _, rec := range s.records[documentID] {
		if rec.Version <= version {
			continue
		}
		r := rec
		out = append(out, &r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListVersions returns a document's snapshots, newest first.
func (s *MemoryStore) ListVersions(ctx context.Context, documentID string) ([]*models.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.versions[documentID]
	out := make([]*models.DocumentVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		out = append(out, &v)
	}
	return out, nil
}
