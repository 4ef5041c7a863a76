// Package coordinator runs one collaborative editing session on top of a
// channel transport: operation submission and acknowledgment, the offline
// queue, presence, document sync and conflict bookkeeping.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"livesync/internal/clock"
	"livesync/internal/config"
	"livesync/internal/event"
	"livesync/internal/models"
	"livesync/internal/transport"
)

var (
	ErrNotConnected         = errors.New("coordinator: not connected")
	ErrSubscriptionRejected = errors.New("coordinator: subscription rejected")
	ErrClosed               = errors.New("coordinator: closed")
	ErrUnknownConflict      = errors.New("coordinator: unknown conflict")
)

// Transport opens channel subscriptions.
type Transport interface {
	Subscribe(channel string, params map[string]string, hooks transport.Hooks) (transport.Subscription, error)
}

// ConnectionInfoProvider reports the state of the underlying connection.
// *supervisor.Supervisor satisfies it.
type ConnectionInfoProvider interface {
	ConnectionInfo() models.ConnectionInfo
}

type Options struct {
	DocumentID string
	User       models.UserInfo
	Config     config.Session

	// Bus receives every coordinator event. Sharing the supervisor's bus
	// lets the coordinator observe ConnectionLost.
	Bus        *event.Bus
	Connection ConnectionInfoProvider
	Clock      clock.Clock
	Logger     *log.Logger
}

type pendingEntry struct {
	op    models.PendingOperation
	timer clock.Timer
	token uint64
}

type batchEntry struct {
	order   []string // submission order
	members map[string]struct{}
	timer   clock.Timer
	token   uint64
}

// Coordinator is safe for concurrent use. Public calls, transport hooks
// and timer callbacks are serialised by mu; events raised under mu are
// published once it is released.
type Coordinator struct {
	transport  Transport
	documentID string
	user       models.UserInfo
	cfg        config.Session
	bus        *event.Bus
	conn       ConnectionInfoProvider
	clock      clock.Clock
	logger     *log.Logger

	mu          sync.Mutex
	closed      bool
	initialized bool
	rejected    bool
	initWait    chan error
	busSub      string

	editSub           transport.Subscription
	presenceSub       transport.Subscription
	editConfirmed     bool
	presenceConfirmed bool
	online            bool

	pending map[string]*pendingEntry
	batches map[string]*batchEntry
	queue   *OperationQueue

	collaborators map[string]models.Collaborator
	cursors       map[string]models.CursorState
	conflicts     map[string]models.ConflictRecord
	document      models.DocumentSyncState

	typing      bool
	typingTimer clock.Timer
	typingToken uint64

	syncTimer     clock.Timer
	syncToken     uint64
	fullSyncTimer clock.Timer
	fullSyncToken uint64

	tokens uint64
	outbox []event.Event
}

func New(t Transport, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}

	c := &Coordinator{
		transport:     t,
		documentID:    opts.DocumentID,
		user:          opts.User,
		cfg:           opts.Config,
		bus:           opts.Bus,
		conn:          opts.Connection,
		clock:         opts.Clock,
		logger:        opts.Logger,
		pending:       make(map[string]*pendingEntry),
		batches:       make(map[string]*batchEntry),
		queue:         NewOperationQueue(opts.Config.QueueCapacity),
		collaborators: make(map[string]models.Collaborator),
		cursors:       make(map[string]models.CursorState),
		conflicts:     make(map[string]models.ConflictRecord),
	}
	c.busSub = c.bus.Subscribe(event.KindConnectionLost, c.onConnectionLost)
	return c
}

// Bus returns the bus the coordinator publishes on.
func (c *Coordinator) Bus() *event.Bus {
	return c.bus
}

// Initialize subscribes to the edit and presence channels of the document
// and waits until both are confirmed. A rejection of either channel fails
// with ErrSubscriptionRejected and is not retried.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.unlock()
		return ErrClosed
	case c.rejected:
		c.unlock()
		return ErrSubscriptionRejected
	case c.initialized:
		c.unlock()
		return nil
	}
	waiter := make(chan error, 1)
	c.initWait = waiter
	c.unlock()

	params := map[string]string{"document_id": c.documentID}
	editSub, err := c.transport.Subscribe(models.EditChannel, params, c.editHooks())
	if err != nil {
		return c.failInit(fmt.Errorf("subscribe %s: %w", models.EditChannel, err))
	}
	c.mu.Lock()
	c.editSub = editSub
	stop := c.closed || c.rejected
	c.unlock()
	if stop {
		return c.failInit(c.initAborted(waiter))
	}

	presenceSub, err := c.transport.Subscribe(models.PresenceChannel, params, c.presenceHooks())
	if err != nil {
		return c.failInit(fmt.Errorf("subscribe %s: %w", models.PresenceChannel, err))
	}
	c.mu.Lock()
	c.presenceSub = presenceSub
	if c.closed || c.rejected {
		c.unlock()
		return c.failInit(c.initAborted(waiter))
	}
	// confirmations may have arrived before the handles were stored
	if c.online {
		c.flushQueue()
	}
	c.unlock()

	select {
	case err := <-waiter:
		if err != nil {
			return c.failInit(err)
		}
	case <-ctx.Done():
		return c.failInit(ctx.Err())
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return ErrClosed
	}
	c.initialized = true
	c.armSync()
	c.armFullSync()
	c.logger.Printf("📝 Session ready for document %s", c.documentID)
	return nil
}

// initAborted reports why Initialize stopped after the session was closed
// or rejected underneath it.
func (c *Coordinator) initAborted(waiter chan error) error {
	select {
	case err := <-waiter:
		if err != nil {
			return err
		}
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return ErrSubscriptionRejected
}

// failInit drops the half-open subscriptions so a later Initialize starts
// from scratch.
func (c *Coordinator) failInit(err error) error {
	c.mu.Lock()
	c.initWait = nil
	c.editConfirmed, c.presenceConfirmed = false, false
	if c.online {
		c.online = false
		c.emit(event.NewSessionDisconnected(c.clock.Now()))
	}
	editSub, presenceSub := c.detachSubscriptions()
	c.unlock()

	unsubscribe(editSub, presenceSub)
	return err
}

// must be called with c.mu held
func (c *Coordinator) detachSubscriptions() (transport.Subscription, transport.Subscription) {
	editSub, presenceSub := c.editSub, c.presenceSub
	c.editSub, c.presenceSub = nil, nil
	return editSub, presenceSub
}

func unsubscribe(subs ...transport.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if sub != nil {
			errs = append(errs, sub.Unsubscribe())
		}
	}
	return errors.Join(errs...)
}

// Close stops every timer, unsubscribes both channels and forgets pending
// operations. Acknowledgments arriving afterwards are ignored.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil
	}
	if c.typing && c.online && c.presenceSub != nil {
		_ = c.presenceSub.Perform(string(models.ActionBroadcastTyping), models.TypingPayload{Typing: false})
	}
	c.closed = true
	c.online = false
	c.typing = false
	c.stopTimer(&c.typingTimer, &c.typingToken)
	c.stopTimer(&c.syncTimer, &c.syncToken)
	c.stopTimer(&c.fullSyncTimer, &c.fullSyncToken)
	c.clearPending()
	editSub, presenceSub := c.detachSubscriptions()
	c.unlock()

	c.bus.Unsubscribe(c.busSub)
	return unsubscribe(editSub, presenceSub)
}

func (c *Coordinator) editHooks() transport.Hooks {
	return transport.Hooks{
		Connected: func() {
			c.mu.Lock()
			defer c.unlock()
			if c.closed || c.rejected {
				return
			}
			c.editConfirmed = true
			c.online = true
			c.emit(event.NewSessionConnected(c.clock.Now()))
			c.signalReady()
			if c.editSub != nil {
				c.flushQueue()
			}
		},
		Disconnected: func() {
			c.mu.Lock()
			defer c.unlock()
			if c.closed || !c.online {
				return
			}
			c.online = false
			c.emit(event.NewSessionDisconnected(c.clock.Now()))
		},
		Rejected: func() { c.reject(models.EditChannel) },
		Received: c.handleMessage,
	}
}

func (c *Coordinator) presenceHooks() transport.Hooks {
	return transport.Hooks{
		Connected: func() {
			c.mu.Lock()
			defer c.unlock()
			if c.closed || c.rejected {
				return
			}
			c.presenceConfirmed = true
			c.signalReady()
		},
		Disconnected: func() {
			c.mu.Lock()
			defer c.unlock()
			if c.closed {
				return
			}
			// the server replays joins after the next confirmation
			c.dropRoster()
		},
		Rejected: func() { c.reject(models.PresenceChannel) },
		Received: c.handleMessage,
	}
}

// reject is terminal: both channels are dropped so the transport stops
// re-subscribing them, and nothing is sent for this document again.
func (c *Coordinator) reject(channel string) {
	c.mu.Lock()
	if c.closed || c.rejected {
		c.unlock()
		return
	}
	c.rejected = true
	c.online = false
	c.typing = false
	c.stopTimer(&c.typingTimer, &c.typingToken)
	c.stopTimer(&c.syncTimer, &c.syncToken)
	c.stopTimer(&c.fullSyncTimer, &c.fullSyncToken)
	editSub, presenceSub := c.detachSubscriptions()
	c.emit(event.NewSessionRejected(c.clock.Now(), channel))
	c.logger.Printf("🚫 Subscription to %s rejected for document %s", channel, c.documentID)
	if c.initWait != nil {
		c.initWait <- fmt.Errorf("%w: %s", ErrSubscriptionRejected, channel)
		c.initWait = nil
	}
	c.unlock()

	if err := unsubscribe(editSub, presenceSub); err != nil {
		c.logger.Printf("⚠️  Unsubscribing after rejection failed: %v", err)
	}
}

// dropRoster forgets every collaborator and reports each one as gone.
//
// must be called with c.mu held
func (c *Coordinator) dropRoster() {
	ids := make([]string, 0, len(c.collaborators))
	for id := range c.collaborators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := c.clock.Now()
	for _, id := range ids {
		c.emit(event.NewCollaboratorLeft(now, c.collaborators[id]))
	}
	c.collaborators = make(map[string]models.Collaborator)
	c.cursors = make(map[string]models.CursorState)
}

// must be called with c.mu held
func (c *Coordinator) signalReady() {
	if c.initWait != nil && c.editConfirmed && c.presenceConfirmed {
		c.initWait <- nil
		c.initWait = nil
	}
}

// onConnectionLost observes the supervisor. A manual disconnect abandons
// every pending operation; an unexpected loss only marks us offline.
func (c *Coordinator) onConnectionLost(e event.Event) {
	lost, ok := e.(event.ConnectionLost)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	if c.online {
		c.online = false
		c.emit(event.NewSessionDisconnected(c.clock.Now()))
	}
	if lost.Manual {
		c.clearPending()
	}
}

// IsConnected reports whether operations are currently sent immediately.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && !c.closed
}

// ConnectionInfo returns the supervisor's snapshot when one was supplied.
func (c *Coordinator) ConnectionInfo() models.ConnectionInfo {
	if c.conn != nil {
		return c.conn.ConnectionInfo()
	}
	state := models.StateDisconnected
	if c.IsConnected() {
		state = models.StateConnected
	}
	return models.ConnectionInfo{State: state, Quality: models.QualityUnknown}
}

// Collaborators returns the remote participants sorted by user ID.
func (c *Coordinator) Collaborators() []models.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Collaborator, 0, len(c.collaborators))
	for _, collab := range c.collaborators {
		out = append(out, collab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c *Coordinator) Cursors() map[string]models.CursorState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.CursorState, len(c.cursors))
	for id, cursor := range c.cursors {
		out[id] = cursor
	}
	return out
}

func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingOperations returns the unacknowledged operations, oldest first.
func (c *Coordinator) PendingOperations() []models.PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSnapshot()
}

func (c *Coordinator) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// QueuedOperations returns the offline queue, oldest first.
func (c *Coordinator) QueuedOperations() []models.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Snapshot()
}

// Conflicts returns the unresolved conflicts ordered by detection time.
func (c *Coordinator) Conflicts() []models.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ConflictRecord, 0, len(c.conflicts))
	for _, rec := range c.conflicts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// DocumentState returns the last synchronised document state.
func (c *Coordinator) DocumentState() models.DocumentSyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

// must be called with c.mu held
func (c *Coordinator) nextToken() uint64 {
	c.tokens++
	return c.tokens
}

// must be called with c.mu held
func (c *Coordinator) stopTimer(timer *clock.Timer, token *uint64) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
	*token = 0
}

// must be called with c.mu held
func (c *Coordinator) emit(e event.Event) {
	c.outbox = append(c.outbox, e)
}

// unlock releases mu and publishes the events raised while it was held.
func (c *Coordinator) unlock() {
	events := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, e := range events {
		c.bus.Publish(e)
	}
}
