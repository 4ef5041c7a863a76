package coordinator

import (
	"fmt"

	"github.com/google/uuid"

	"livesync/internal/event"
	"livesync/internal/models"
)

// RequestDocumentSync sends the cached state hash and version; the server
// answers sync_confirmed when they match and document_sync otherwise.
func (c *Coordinator) RequestDocumentSync() error {
	c.mu.Lock()
	defer c.unlock()
	return c.requestSync(false)
}

// RequestFullSync asks for the full document regardless of the cached hash.
func (c *Coordinator) RequestFullSync() error {
	c.mu.Lock()
	defer c.unlock()
	return c.requestSync(true)
}

// must be called with c.mu held
func (c *Coordinator) requestSync(full bool) error {
	if c.closed {
		return ErrClosed
	}
	if !c.canSend() {
		return ErrNotConnected
	}
	payload := models.SyncRequestPayload{
		StateHash: c.document.StateHash,
		Version:   c.document.Version,
		Full:      full,
	}
	if err := c.editSub.Perform(string(models.ActionRequestSync), payload); err != nil {
		return fmt.Errorf("request sync: %w", err)
	}
	c.emit(event.NewSyncRequested(c.clock.Now(), payload.StateHash, full))
	return nil
}

// ResolveConflict submits a resolution. The conflict stays listed, marked
// resolving, until the server confirms with conflict_resolved.
func (c *Coordinator) ResolveConflict(conflictID string, resolution models.ConflictResolution) error {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return ErrClosed
	}
	rec, ok := c.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	if !c.canSend() {
		return ErrNotConnected
	}
	payload := models.ResolveConflictPayload{ConflictID: conflictID, Resolution: resolution}
	if err := c.editSub.Perform(string(models.ActionResolveConflict), payload); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	rec.Status = models.ConflictResolving
	rec.Resolution = &resolution
	c.conflicts[conflictID] = rec
	c.emit(event.NewConflictResolutionSent(c.clock.Now(), rec))
	return nil
}

// CreateVersion asks the server to snapshot the document under name.
func (c *Coordinator) CreateVersion(name, description string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.canSend() {
		return ErrNotConnected
	}
	payload := models.CreateVersionPayload{Name: name, Description: description}
	if err := c.editSub.Perform(string(models.ActionCreateVersion), payload); err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

// must be called with c.mu held
func (c *Coordinator) recordConflict(id, operationID, reason string) models.ConflictRecord {
	if id == "" {
		id = uuid.NewString()
	}
	rec, exists := c.conflicts[id]
	if !exists {
		rec = models.ConflictRecord{
			ID:          id,
			OperationID: operationID,
			Reason:      reason,
			DetectedAt:  c.clock.Now(),
			Status:      models.ConflictDetected,
		}
		c.conflicts[id] = rec
		c.emit(event.NewConflictDetected(rec.DetectedAt, rec))
		c.logger.Printf("⚔️  Conflict %s on operation %s: %s", id, operationID, reason)
	}
	return rec
}

// must be called with c.mu held
func (c *Coordinator) armSync() {
	if c.cfg.SyncInterval <= 0 {
		return
	}
	token := c.nextToken()
	c.syncToken = token
	c.syncTimer = c.clock.AfterFunc(c.cfg.SyncInterval, func() {
		c.periodicSync(token, false)
	})
}

// must be called with c.mu held
func (c *Coordinator) armFullSync() {
	if c.cfg.FullSyncInterval <= 0 {
		return
	}
	token := c.nextToken()
	c.fullSyncToken = token
	c.fullSyncTimer = c.clock.AfterFunc(c.cfg.FullSyncInterval, func() {
		c.periodicSync(token, true)
	})
}

func (c *Coordinator) periodicSync(token uint64, full bool) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return
	}
	if full {
		if token != c.fullSyncToken {
			return
		}
		defer c.armFullSync()
	} else {
		if token != c.syncToken {
			return
		}
		defer c.armSync()
	}
	if !c.canSend() {
		return
	}
	if err := c.requestSync(full); err != nil {
		c.logger.Printf("⚠️  Periodic sync failed: %v", err)
	}
}
