package coordinator

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"livesync/internal/event"
	"livesync/internal/models"
)

/*
LEARNING: ACKNOWLEDGMENT BY ID

Every submitted operation lives in the pending map until the server
confirms it by ID. Acks may arrive in any order; each one removes exactly
its own entry, and a second ack for the same ID finds nothing and is
dropped without an event. Batches share one timer and are confirmed as a
unit by batch ID.
*/

// SendOperation stamps edit with an ID, timestamp and author and submits
// it. While offline the operation is queued and ErrNotConnected returned;
// the operation is still valid and will be sent when the session resumes.
func (c *Coordinator) SendOperation(edit models.Edit) (models.Operation, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return models.Operation{}, ErrClosed
	}
	if c.rejected {
		return models.Operation{}, ErrSubscriptionRejected
	}
	op := models.NewOperation(c.user.ID, edit, c.clock.Now())
	if !c.canSend() {
		c.enqueue(op)
		return op, ErrNotConnected
	}
	if err := c.sendTracked(op); err != nil {
		c.enqueue(op)
		return op, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return op, nil
}

// SendBatchOperations submits edits as one batch acknowledged atomically.
func (c *Coordinator) SendBatchOperations(edits []models.Edit) ([]models.Operation, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.rejected {
		return nil, ErrSubscriptionRejected
	}
	if len(edits) == 0 {
		return nil, nil
	}
	now := c.clock.Now()
	ops := make([]models.Operation, len(edits))
	for i, edit := range edits {
		ops[i] = models.NewOperation(c.user.ID, edit, now)
	}

	if !c.canSend() {
		for _, op := range ops {
			c.enqueue(op)
		}
		return ops, ErrNotConnected
	}
	if _, err := c.sendBatch(ops); err != nil {
		for _, op := range ops {
			c.enqueue(op)
		}
		return ops, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return ops, nil
}

// must be called with c.mu held
func (c *Coordinator) canSend() bool {
	return c.online && c.editSub != nil
}

// must be called with c.mu held
func (c *Coordinator) enqueue(op models.Operation) {
	if evicted, dropped := c.queue.Push(op); dropped {
		c.logger.Printf("⚠️  Offline queue full, dropping operation %s", evicted.ID)
	}
	c.emit(event.NewOperationQueued(c.clock.Now(), op))
}

// must be called with c.mu held
func (c *Coordinator) sendTracked(op models.Operation) error {
	payload := models.EditOperationPayload{Operation: op}
	if err := c.editSub.Perform(string(models.ActionEditOperation), payload); err != nil {
		return err
	}

	token := c.nextToken()
	entry := &pendingEntry{
		op: models.PendingOperation{
			Operation:   op,
			SubmittedAt: c.clock.Now(),
		},
		token: token,
	}
	id := op.ID
	entry.timer = c.clock.AfterFunc(c.cfg.OperationAckTimeout, func() {
		c.ackTimeout(id, token)
	})
	c.pending[id] = entry
	c.emit(event.NewOperationSent(c.clock.Now(), op))
	return nil
}

// must be called with c.mu held
func (c *Coordinator) sendBatch(ops []models.Operation) (string, error) {
	batchID := uuid.NewString()
	payload := models.BatchOperationsPayload{BatchID: batchID, Operations: ops}
	if err := c.editSub.Perform(string(models.ActionBatchOperations), payload); err != nil {
		return "", err
	}

	now := c.clock.Now()
	token := c.nextToken()
	batch := &batchEntry{
		members: make(map[string]struct{}, len(ops)),
		token:   token,
	}
	for _, op := range ops {
		batch.order = append(batch.order, op.ID)
		batch.members[op.ID] = struct{}{}
		c.pending[op.ID] = &pendingEntry{
			op: models.PendingOperation{
				Operation:   op,
				SubmittedAt: now,
				BatchID:     batchID,
			},
		}
	}
	batch.timer = c.clock.AfterFunc(c.cfg.OperationAckTimeout, func() {
		c.batchTimeout(batchID, token)
	})
	c.batches[batchID] = batch
	c.emit(event.NewBatchSent(now, batchID, ops))
	return batchID, nil
}

// flushQueue sends everything queued while offline, oldest first, keeping
// the original operation IDs.
//
// must be called with c.mu held
func (c *Coordinator) flushQueue() {
	if c.closed || !c.canSend() || c.queue.Len() == 0 {
		return
	}
	ops := c.queue.Drain()

	var err error
	if len(ops) == 1 {
		err = c.sendTracked(ops[0])
	} else {
		_, err = c.sendBatch(ops)
	}
	if err != nil {
		c.logger.Printf("⚠️  Flushing %d queued operation(s) failed, keeping them queued: %v", len(ops), err)
		for _, op := range ops {
			c.queue.Push(op)
		}
		return
	}
	c.logger.Printf("📤 Flushed %d queued operation(s)", len(ops))
	c.emit(event.NewQueueFlushed(c.clock.Now(), len(ops)))
}

// confirm resolves one pending operation. Unknown IDs are ignored and
// report false.
//
// must be called with c.mu held
func (c *Coordinator) confirm(id string, version int64) bool {
	entry, ok := c.pending[id]
	if !ok {
		return false
	}
	c.removePending(id)
	c.advanceVersion(version)
	latency := c.clock.Now().Sub(entry.op.SubmittedAt)
	c.emit(event.NewOperationConfirmed(c.clock.Now(), id, version, latency))
	return true
}

// confirmBatch resolves every remaining member of a batch at once.
//
// must be called with c.mu held
func (c *Coordinator) confirmBatch(batchID string, version int64) bool {
	batch, ok := c.batches[batchID]
	if !ok {
		return false
	}
	ids := make([]string, 0, len(batch.members))
	for _, id := range batch.order {
		if _, member := batch.members[id]; member {
			ids = append(ids, id)
			delete(c.pending, id)
		}
	}
	if batch.timer != nil {
		batch.timer.Stop()
	}
	delete(c.batches, batchID)
	c.advanceVersion(version)
	c.emit(event.NewBatchConfirmed(c.clock.Now(), batchID, ids, version))
	return true
}

// removePending drops one entry along with its timer or batch membership.
//
// must be called with c.mu held
func (c *Coordinator) removePending(id string) (models.PendingOperation, bool) {
	entry, ok := c.pending[id]
	if !ok {
		return models.PendingOperation{}, false
	}
	delete(c.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if batchID := entry.op.BatchID; batchID != "" {
		if batch, ok := c.batches[batchID]; ok {
			delete(batch.members, id)
			if len(batch.members) == 0 {
				if batch.timer != nil {
					batch.timer.Stop()
				}
				delete(c.batches, batchID)
			}
		}
	}
	return entry.op, true
}

func (c *Coordinator) ackTimeout(id string, token uint64) {
	c.mu.Lock()
	defer c.unlock()

	entry, ok := c.pending[id]
	if !ok || entry.token != token {
		return
	}
	delete(c.pending, id)
	c.logger.Printf("⏰ Operation %s not acknowledged within %s", id, c.cfg.OperationAckTimeout)
	c.emit(event.NewOperationTimeout(c.clock.Now(), entry.op.Operation))
}

func (c *Coordinator) batchTimeout(batchID string, token uint64) {
	c.mu.Lock()
	defer c.unlock()

	batch, ok := c.batches[batchID]
	if !ok || batch.token != token {
		return
	}
	delete(c.batches, batchID)
	c.logger.Printf("⏰ Batch %s not acknowledged within %s", batchID, c.cfg.OperationAckTimeout)
	for _, id := range batch.order {
		entry, ok := c.pending[id]
		if _, member := batch.members[id]; !member || !ok {
			continue
		}
		delete(c.pending, id)
		c.emit(event.NewOperationTimeout(c.clock.Now(), entry.op.Operation))
	}
}

// must be called with c.mu held
func (c *Coordinator) pendingSnapshot() []models.PendingOperation {
	out := make([]models.PendingOperation, 0, len(c.pending))
	for _, entry := range c.pending {
		out = append(out, entry.op)
	}
	sortPending(out)
	return out
}

// must be called with c.mu held
func (c *Coordinator) clearPending() {
	for id, entry := range c.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.pending, id)
	}
	for id, batch := range c.batches {
		if batch.timer != nil {
			batch.timer.Stop()
		}
		delete(c.batches, id)
	}
}

// must be called with c.mu held
func (c *Coordinator) advanceVersion(version int64) {
	if version > c.document.Version {
		c.document.Version = version
	}
}

func sortPending(ops []models.PendingOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].SubmittedAt.Equal(ops[j].SubmittedAt) {
			return ops[i].Operation.ID < ops[j].Operation.ID
		}
		return ops[i].SubmittedAt.Before(ops[j].SubmittedAt)
	})
}
