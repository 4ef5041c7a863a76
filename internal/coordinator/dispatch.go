package coordinator

import (
	"encoding/json"

	"livesync/internal/event"
	"livesync/internal/models"
)

// handleMessage routes one inbound channel message by its type tag.
// Unknown types are ignored.
func (c *Coordinator) handleMessage(raw json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Printf("⚠️  Dropping malformed message: %v", err)
		return
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}

	switch msg.Type {
	case models.MessageUserJoined:
		c.handleUserJoined(msg)
	case models.MessageUserLeft:
		c.handleUserLeft(msg)
	case models.MessageUserTyping:
		c.handleUserTyping(msg)
	case models.MessageOperationApplied:
		c.handleOperationApplied(msg)
	case models.MessageOperationConfirmed:
		c.confirm(msg.OperationID, msg.Version)
	case models.MessageOperationError:
		c.handleOperationError(msg)
	case models.MessageBatchApplied:
		c.handleBatchApplied(msg)
	case models.MessageCursorMoved, models.MessageSelectionChanged, models.MessageCursorTransformed:
		c.handleCursor(msg)
	case models.MessageDocumentSync:
		c.handleDocumentSync(msg)
	case models.MessageSyncConfirmed:
		c.handleSyncConfirmed(msg)
	case models.MessageConflictDetected:
		c.recordConflict(msg.ConflictID, msg.OperationID, msg.Reason)
	case models.MessageConflictResolved:
		c.handleConflictResolved(msg)
	case models.MessageVersionCreated:
		c.emit(event.NewVersionCreated(c.clock.Now(), msg.VersionID, msg.Name, msg.Description, msg.Version, msg.UserID))
	}
}

// senderID returns the user a message is about.
func senderID(msg models.Message) string {
	if msg.UserID != "" {
		return msg.UserID
	}
	if msg.User != nil {
		return msg.User.ID
	}
	return ""
}

// must be called with c.mu held
func (c *Coordinator) handleUserJoined(msg models.Message) {
	if msg.User == nil || msg.User.ID == "" || msg.User.ID == c.user.ID {
		return
	}
	joinedAt := msg.Timestamp
	if joinedAt.IsZero() {
		joinedAt = c.clock.Now()
	}
	_, known := c.collaborators[msg.User.ID]
	collab := models.Collaborator{
		UserID:   msg.User.ID,
		Name:     msg.User.Name,
		Email:    msg.User.Email,
		Color:    msg.User.Color,
		JoinedAt: joinedAt,
	}
	c.collaborators[collab.UserID] = collab
	if !known {
		c.emit(event.NewCollaboratorJoined(c.clock.Now(), collab))
	}
}

// must be called with c.mu held
func (c *Coordinator) handleUserLeft(msg models.Message) {
	id := senderID(msg)
	collab, known := c.collaborators[id]
	if !known {
		return
	}
	delete(c.collaborators, id)
	delete(c.cursors, id)
	c.emit(event.NewCollaboratorLeft(c.clock.Now(), collab))
}

// must be called with c.mu held
func (c *Coordinator) handleUserTyping(msg models.Message) {
	id := senderID(msg)
	if id == "" || id == c.user.ID {
		return
	}
	typing := msg.Typing != nil && *msg.Typing
	if collab, ok := c.collaborators[id]; ok {
		collab.Typing = typing
		c.collaborators[id] = collab
	}
	c.emit(event.NewCollaboratorTyping(c.clock.Now(), id, typing))
}

// must be called with c.mu held
func (c *Coordinator) handleOperationApplied(msg models.Message) {
	if msg.Operation == nil {
		return
	}
	op := *msg.Operation
	if op.AuthorID == c.user.ID {
		// our own operation echoed back counts as its acknowledgment
		c.confirm(op.ID, msg.Version)
		return
	}
	c.advanceVersion(msg.Version)
	c.emit(event.NewOperationApplied(c.clock.Now(), op, msg.Version))
}

// must be called with c.mu held
func (c *Coordinator) handleOperationError(msg models.Message) {
	// late or repeated errors lost the race against the ack timeout
	if _, ok := c.removePending(msg.OperationID); !ok {
		return
	}
	c.emit(event.NewOperationFailed(c.clock.Now(), msg.OperationID, msg.Code, msg.Error))
	if msg.Code == models.ErrorCodeConflict {
		c.recordConflict(msg.ConflictID, msg.OperationID, msg.Error)
	}
}

// must be called with c.mu held
func (c *Coordinator) handleBatchApplied(msg models.Message) {
	if c.confirmBatch(msg.BatchID, msg.Version) {
		return
	}
	for _, op := range msg.Operations {
		if op.AuthorID == c.user.ID {
			// late or duplicate ack of our own batch
			return
		}
	}
	c.advanceVersion(msg.Version)
	c.emit(event.NewBatchApplied(c.clock.Now(), msg.BatchID, msg.Operations, msg.Version))
}

// handleCursor replaces the sender's presence state wholesale. The server
// may transform our own cursor after a remote edit; other updates about
// ourselves are ignored.
//
// must be called with c.mu held
func (c *Coordinator) handleCursor(msg models.Message) {
	id := senderID(msg)
	if id == "" {
		return
	}
	if id == c.user.ID && msg.Type != models.MessageCursorTransformed {
		return
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = c.clock.Now()
	}
	state := models.CursorState{UserID: id, Timestamp: at}
	if msg.Position != nil {
		state.Position = *msg.Position
	}
	if msg.Selection != nil {
		sel := *msg.Selection
		state.Selection = &sel
		if msg.Position == nil {
			state.Position = models.CursorPosition{Offset: sel.End}
		}
	}
	c.cursors[id] = state

	switch msg.Type {
	case models.MessageCursorMoved:
		c.emit(event.NewCursorMoved(c.clock.Now(), state))
	case models.MessageSelectionChanged:
		c.emit(event.NewSelectionChanged(c.clock.Now(), state))
	default:
		c.emit(event.NewCursorTransformed(c.clock.Now(), state))
	}
}

// must be called with c.mu held
func (c *Coordinator) handleDocumentSync(msg models.Message) {
	if msg.Document == nil {
		return
	}
	state := *msg.Document
	if state.SyncedAt.IsZero() {
		state.SyncedAt = c.clock.Now()
	}
	c.document = state
	c.emit(event.NewDocumentSynced(c.clock.Now(), state))
}

// must be called with c.mu held
func (c *Coordinator) handleSyncConfirmed(msg models.Message) {
	c.advanceVersion(msg.Version)
	if msg.StateHash != "" {
		c.document.StateHash = msg.StateHash
	}
	c.document.SyncedAt = c.clock.Now()
	c.emit(event.NewSyncConfirmed(c.clock.Now(), c.document.Version, c.document.StateHash))
}

// must be called with c.mu held
func (c *Coordinator) handleConflictResolved(msg models.Message) {
	delete(c.conflicts, msg.ConflictID)
	c.emit(event.NewConflictResolved(c.clock.Now(), msg.ConflictID, msg.Resolution, msg.ResolvedBy))
}
