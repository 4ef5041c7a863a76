package relay

import (
	"context"
	"errors"
	"time"

	"livesync/internal/middleware"
	"livesync/internal/models"
)

// Error codes carried by operation_error besides models.ErrorCodeConflict.
const (
	ErrorCodeInvalid  = "invalid"
	ErrorCodeRejected = "rejected"
	ErrorCodeStorage  = "storage"
)

func (c *Conn) dispatch(ctx context.Context, s *subscription, req models.ActionRequest) {
	switch req.Action {
	case models.ActionEditOperation:
		c.editOperation(ctx, s, req)
	case models.ActionBatchOperations:
		c.batchOperations(ctx, s, req)
	case models.ActionCursorMoved, models.ActionSelectionChanged:
		c.presenceUpdate(s, req)
	case models.ActionBroadcastTyping:
		typing := req.Typing != nil && *req.Typing
		c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
			Type:      models.MessageUserTyping,
			UserID:    c.UserID,
			Typing:    &typing,
			Timestamp: time.Now(),
		}, c)
	case models.ActionRequestSync:
		msg, err := c.hub.syncResponse(ctx, s.room.documentID, req)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			c.hub.logger.Printf("⚠️  Sync for %s failed: %v", s.room.documentID, err)
			return
		}
		c.deliver(s.identifier, msg)
	case models.ActionResolveConflict:
		c.resolveConflict(ctx, s, req)
	case models.ActionCreateVersion:
		c.createVersion(ctx, s, req)
	default:
		c.hub.logger.Printf("Ignoring action %q from session %s", req.Action, c.ID)
	}
}

func (c *Conn) editOperation(ctx context.Context, s *subscription, req models.ActionRequest) {
	if req.Operation == nil || req.Operation.ID == "" {
		c.deliver(s.identifier, operationError("", ErrorCodeInvalid, "missing operation"))
		return
	}
	op := *req.Operation

	res, err := c.hub.applyOperations(ctx, s.room.documentID, c.UserID, "", []models.Operation{op})
	if err != nil {
		c.rejectOperations(ctx, s, []models.Operation{op}, err)
		return
	}
	if len(res.Applied) == 0 {
		// resubmission of an operation we already applied
		version, _ := c.hub.appliedVersion(s.room.documentID, op.ID)
		c.deliver(s.identifier, models.Message{Type: models.MessageOperationConfirmed, OperationID: op.ID, Version: version})
		return
	}

	applied := res.Applied[0]
	now := time.Now()
	c.deliver(s.identifier, models.Message{
		Type:        models.MessageOperationConfirmed,
		OperationID: applied.ID,
		Version:     res.Version,
		Timestamp:   now,
	})
	c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
		Type:      models.MessageOperationApplied,
		Operation: &applied,
		UserID:    c.UserID,
		Version:   res.Version,
		Timestamp: now,
	}, c)
}

func (c *Conn) batchOperations(ctx context.Context, s *subscription, req models.ActionRequest) {
	if req.BatchID == "" || len(req.Operations) == 0 {
		c.hub.logger.Printf("⚠️  Session %s sent an invalid batch: %v", c.ID, ErrEmptyBatch)
		return
	}

	res, err := c.hub.applyOperations(ctx, s.room.documentID, c.UserID, req.BatchID, req.Operations)
	if err != nil {
		c.rejectOperations(ctx, s, req.Operations, err)
		return
	}

	ids := make([]string, len(req.Operations))
	own := make([]models.Operation, len(req.Operations))
	for i, op := range req.Operations {
		ids[i] = op.ID
		op.AuthorID = c.UserID
		own[i] = op
	}
	now := time.Now()
	c.deliver(s.identifier, models.Message{
		Type:         models.MessageBatchApplied,
		BatchID:      req.BatchID,
		Operations:   own,
		OperationIDs: ids,
		Version:      res.Version,
		Timestamp:    now,
	})
	if len(res.Applied) == 0 {
		return
	}
	c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
		Type:       models.MessageBatchApplied,
		BatchID:    req.BatchID,
		Operations: res.Applied,
		UserID:     c.UserID,
		Version:    res.Version,
		Timestamp:  now,
	}, c)
}

// rejectOperations answers a failed apply. The operation that conflicted
// gets a conflict error and a conflict_detected notice; the rest of its
// batch is rejected alongside it.
func (c *Conn) rejectOperations(ctx context.Context, s *subscription, ops []models.Operation, err error) {
	middleware.AddSpanError(ctx, err)

	var conflict *conflictError
	if !errors.As(err, &conflict) {
		c.hub.logger.Printf("❌ Applying to %s failed: %v", s.room.documentID, err)
		for _, op := range ops {
			c.deliver(s.identifier, operationError(op.ID, ErrorCodeStorage, err.Error()))
		}
		return
	}

	c.hub.logger.Printf("⚠️  Conflict %s on %s: %v", conflict.ConflictID, s.room.documentID, conflict.Err)
	for _, op := range ops {
		if op.ID == conflict.OperationID {
			msg := operationError(op.ID, models.ErrorCodeConflict, conflict.Err.Error())
			msg.ConflictID = conflict.ConflictID
			c.deliver(s.identifier, msg)
			continue
		}
		c.deliver(s.identifier, operationError(op.ID, ErrorCodeRejected, "batch rejected"))
	}
	c.deliver(s.identifier, models.Message{
		Type:        models.MessageConflictDetected,
		ConflictID:  conflict.ConflictID,
		OperationID: conflict.OperationID,
		Reason:      conflict.Err.Error(),
		Timestamp:   time.Now(),
	})
}

func operationError(operationID, code, text string) models.Message {
	return models.Message{
		Type:        models.MessageOperationError,
		OperationID: operationID,
		Code:        code,
		Error:       text,
		Timestamp:   time.Now(),
	}
}

// presenceUpdate relays a cursor or selection to the rest of the room.
func (c *Conn) presenceUpdate(s *subscription, req models.ActionRequest) {
	msg := models.Message{
		UserID:    c.UserID,
		Position:  req.Position,
		Selection: req.Selection,
		Timestamp: req.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if req.Action == models.ActionCursorMoved {
		msg.Type = models.MessageCursorMoved
	} else {
		msg.Type = models.MessageSelectionChanged
	}
	c.hub.Broadcast(s.room.channel, s.room.documentID, msg, c)
}

func (c *Conn) resolveConflict(ctx context.Context, s *subscription, req models.ActionRequest) {
	state, err := c.hub.resolveConflict(ctx, s.room.documentID, req.ConflictID, req.Resolution)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.hub.logger.Printf("⚠️  Resolve from session %s failed: %v", c.ID, err)
		return
	}

	now := time.Now()
	if state != nil {
		c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
			Type:      models.MessageDocumentSync,
			Document:  state,
			Timestamp: now,
		}, nil)
	}
	c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
		Type:       models.MessageConflictResolved,
		ConflictID: req.ConflictID,
		Resolution: req.Resolution,
		ResolvedBy: c.UserID,
		Timestamp:  now,
	}, nil)
}

func (c *Conn) createVersion(ctx context.Context, s *subscription, req models.ActionRequest) {
	v, err := c.hub.createVersion(ctx, s.room.documentID, req.Name, req.Description, c.UserID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.hub.logger.Printf("❌ Version for %s failed: %v", s.room.documentID, err)
		return
	}
	c.hub.logger.Printf("📸 Version %q of %s at v%d", v.Name, v.DocumentID, v.Version)
	c.hub.Broadcast(s.room.channel, s.room.documentID, models.Message{
		Type:        models.MessageVersionCreated,
		VersionID:   v.ID,
		Name:        v.Name,
		Description: v.Description,
		Version:     v.Version,
		UserID:      c.UserID,
		Timestamp:   v.CreatedAt,
	}, nil)
}
