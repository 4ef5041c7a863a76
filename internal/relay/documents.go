package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"livesync/internal/models"
)

var (
	ErrUnknownConflict = errors.New("unknown conflict")
	ErrEmptyBatch      = errors.New("empty batch")
)

// docState is the hub's cached copy of a document plus the operations it
// has already applied, so a resubmitted operation is acknowledged again
// instead of applied twice.
type docState struct {
	doc     models.Document
	applied map[string]int64 // operation id -> version it produced
}

type conflictState struct {
	documentID  string
	operationID string
}

// applyResult describes the outcome of applyOperations.
type applyResult struct {
	Version    int64
	Applied    []models.Operation // newly applied, in order
	Duplicates int
}

// conflictError reports an operation that could not be applied.
type conflictError struct {
	ConflictID  string
	OperationID string
	Index       int
	Err         error
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("operation %s conflicts: %v", e.OperationID, e.Err)
}

func (e *conflictError) Unwrap() error { return e.Err }

// must be called with h.docMu held
func (h *Hub) documentLocked(ctx context.Context, id string) (*docState, error) {
	if st, ok := h.docs[id]; ok {
		return st, nil
	}
	doc, err := h.store.EnsureDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	st := &docState{doc: *doc, applied: make(map[string]int64)}
	h.docs[id] = st
	return st, nil
}

// Snapshot returns the relay's current view of a document.
func (h *Hub) Snapshot(ctx context.Context, id string) (models.DocumentSyncState, error) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	st, err := h.documentLocked(ctx, id)
	if err != nil {
		return models.DocumentSyncState{}, err
	}
	state := st.doc.SyncState()
	state.SyncedAt = time.Now()
	return state, nil
}

// applyOperations applies ops to a document as one unit. Operations the
// document has already seen are skipped. On a positional conflict nothing
// is applied and a *conflictError is returned.
func (h *Hub) applyOperations(ctx context.Context, documentID, authorID, batchID string, ops []models.Operation) (applyResult, error) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	st, err := h.documentLocked(ctx, documentID)
	if err != nil {
		return applyResult{}, err
	}

	res := applyResult{Version: st.doc.Version}
	fresh := make([]models.Operation, 0, len(ops))
	for _, op := range ops {
		if _, seen := st.applied[op.ID]; seen {
			res.Duplicates++
			continue
		}
		op.AuthorID = authorID
		fresh = append(fresh, op)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	edits := make([]models.Edit, len(fresh))
	for i, op := range fresh {
		edits[i] = op.Edit
	}
	content, failed, err := ApplyAll(st.doc.Content, edits)
	if err != nil {
		conflict := &conflictError{
			ConflictID:  uuid.NewString(),
			OperationID: fresh[failed].ID,
			Index:       failed,
			Err:         err,
		}
		h.conflicts[conflict.ConflictID] = conflictState{documentID: documentID, operationID: conflict.OperationID}
		return applyResult{}, conflict
	}

	next := st.doc
	next.Content = content
	next.StateHash = models.StateHash(content)
	records := make([]*models.OperationRecord, 0, len(fresh))
	for i, op := range fresh {
		edit, err := json.Marshal(op.Edit)
		if err != nil {
			return applyResult{}, fmt.Errorf("encode edit %s: %w", op.ID, err)
		}
		records = append(records, &models.OperationRecord{
			DocumentID:  documentID,
			OperationID: op.ID,
			AuthorID:    op.AuthorID,
			BatchID:     batchID,
			Edit:        edit,
			Version:     st.doc.Version + int64(i+1),
		})
	}
	next.Version = st.doc.Version + int64(len(fresh))

	if err := h.store.SaveOperations(ctx, &next, records); err != nil {
		return applyResult{}, fmt.Errorf("save operations: %w", err)
	}

	st.doc = next
	for _, rec := range records {
		st.applied[rec.OperationID] = rec.Version
	}
	res.Version = next.Version
	res.Applied = fresh
	return res, nil
}

// appliedVersion reports the version an already-applied operation produced.
func (h *Hub) appliedVersion(documentID, operationID string) (int64, bool) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	st, ok := h.docs[documentID]
	if !ok {
		return 0, false
	}
	v, ok := st.applied[operationID]
	return v, ok
}

// syncResponse answers a sync request. A partial request whose version and
// hash match the relay's copy is confirmed; anything else gets the full
// document.
func (h *Hub) syncResponse(ctx context.Context, documentID string, req models.ActionRequest) (models.Message, error) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	st, err := h.documentLocked(ctx, documentID)
	if err != nil {
		return models.Message{}, err
	}
	now := time.Now()
	if !req.Full && req.Version == st.doc.Version && req.StateHash == st.doc.StateHash {
		return models.Message{
			Type:      models.MessageSyncConfirmed,
			Version:   st.doc.Version,
			StateHash: st.doc.StateHash,
			Timestamp: now,
		}, nil
	}
	state := st.doc.SyncState()
	state.SyncedAt = now
	return models.Message{Type: models.MessageDocumentSync, Document: &state, Timestamp: now}, nil
}

// resolveConflict settles a conflict raised on documentID. A resolution
// carrying content other than keep_remote replaces the document; the new
// state is returned in that case.
func (h *Hub) resolveConflict(ctx context.Context, documentID, conflictID string, resolution *models.ConflictResolution) (*models.DocumentSyncState, error) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	c, ok := h.conflicts[conflictID]
	if !ok || c.documentID != documentID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	delete(h.conflicts, conflictID)

	if resolution == nil || resolution.Content == "" || resolution.Strategy == "keep_remote" {
		return nil, nil
	}

	st, err := h.documentLocked(ctx, documentID)
	if err != nil {
		return nil, err
	}
	next := st.doc
	next.Content = resolution.Content
	next.StateHash = models.StateHash(next.Content)
	next.Version++
	if err := h.store.SaveSnapshot(ctx, &next); err != nil {
		return nil, fmt.Errorf("save resolution: %w", err)
	}
	st.doc = next

	state := next.SyncState()
	state.SyncedAt = time.Now()
	return &state, nil
}

// createVersion stores a named snapshot of the document's current content.
func (h *Hub) createVersion(ctx context.Context, documentID, name, description, userID string) (*models.DocumentVersion, error) {
	h.docMu.Lock()
	defer h.docMu.Unlock()

	st, err := h.documentLocked(ctx, documentID)
	if err != nil {
		return nil, err
	}
	v := &models.DocumentVersion{
		ID:          ulid.Make().String(),
		DocumentID:  documentID,
		Name:        name,
		Description: description,
		Content:     st.doc.Content,
		Version:     st.doc.Version,
		CreatedBy:   userID,
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	return v, nil
}
