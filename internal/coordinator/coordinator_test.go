package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"livesync/internal/clock"
	"livesync/internal/config"
	"livesync/internal/event"
	"livesync/internal/models"
	"livesync/internal/transport"
)

const selfID = "user-self"

type performed struct {
	Action  string
	Payload any
}

type fakeSubscription struct {
	mu           sync.Mutex
	channel      string
	hooks        transport.Hooks
	performed    []performed
	performErr   error
	unsubscribed bool
}

func (s *fakeSubscription) Perform(action string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.performErr != nil {
		return s.performErr
	}
	s.performed = append(s.performed, performed{Action: action, Payload: payload})
	return nil
}

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSubscription) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *fakeSubscription) actions(action string) []performed {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []performed
	for _, p := range s.performed {
		if p.Action == action {
			out = append(out, p)
		}
	}
	return out
}

func (s *fakeSubscription) failPerform(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performErr = err
}

// deliver pushes a server message through the Received hook.
func (s *fakeSubscription) deliver(t *testing.T, msg models.Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	s.hooks.Received(raw)
}

type fakeTransport struct {
	mu       sync.Mutex
	subs     map[string]*fakeSubscription
	all      []*fakeSubscription
	params   map[string]string
	confirm  bool   // confirm synchronously inside Subscribe
	rejectCh string // channel to reject synchronously
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]*fakeSubscription), confirm: true}
}

func (f *fakeTransport) Subscribe(channel string, params map[string]string, hooks transport.Hooks) (transport.Subscription, error) {
	sub := &fakeSubscription{channel: channel, hooks: hooks}
	f.mu.Lock()
	f.subs[channel] = sub
	f.all = append(f.all, sub)
	f.params = params
	confirm, reject := f.confirm, f.rejectCh == channel
	f.mu.Unlock()

	switch {
	case reject:
		hooks.Rejected()
	case confirm:
		hooks.Connected()
	}
	return sub, nil
}

func (f *fakeTransport) sub(channel string) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[channel]
}

// active counts the subscriptions on channel that were never unsubscribed.
func (f *fakeTransport) active(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.all {
		if sub.channel == channel && !sub.isUnsubscribed() {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofKind(kind event.Kind) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func testSession() config.Session {
	cfg := config.DefaultSession()
	cfg.OperationAckTimeout = 10 * time.Second
	cfg.TypingIdleTimeout = time.Second
	cfg.SyncInterval = 0
	cfg.FullSyncInterval = 0
	return cfg
}

type harness struct {
	c     *Coordinator
	ft    *fakeTransport
	clk   *clock.Manual
	bus   *event.Bus
	rec   *recorder
	edit  *fakeSubscription
	press *fakeSubscription
}

func newHarness(t *testing.T, cfg config.Session) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := event.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	ft := newFakeTransport()

	c := New(ft, Options{
		DocumentID: "doc-1",
		User:       models.UserInfo{ID: selfID, Name: "Self"},
		Config:     cfg,
		Bus:        bus,
		Clock:      clk,
		Logger:     log.New(io.Discard, "", 0),
	})
	return &harness{c: c, ft: ft, clk: clk, bus: bus, rec: rec}
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	if err := h.c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.edit = h.ft.sub(models.EditChannel)
	h.press = h.ft.sub(models.PresenceChannel)
}

func insert(text string) models.Edit {
	return models.Edit{Type: models.OpInsert, Position: 0, Text: text}
}

func TestInitializeSubscribesBothChannels(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	assert.Equal(t, h.ft.params["document_id"], "doc-1")
	assert.Equal(t, h.edit != nil, true)
	assert.Equal(t, h.press != nil, true)
	assert.Equal(t, h.c.IsConnected(), true)
	assert.Equal(t, len(h.rec.ofKind(event.KindSessionConnected)), 1)
}

func TestInitializeRejected(t *testing.T) {
	h := newHarness(t, testSession())
	h.ft.rejectCh = models.PresenceChannel

	err := h.c.Initialize(context.Background())
	assert.Equal(t, errors.Is(err, ErrSubscriptionRejected), true)

	rejected := h.rec.ofKind(event.KindSessionRejected)
	assert.Equal(t, len(rejected), 1)
	assert.Equal(t, rejected[0].(event.SessionStatus).Channel, models.PresenceChannel)

	// not retried
	err = h.c.Initialize(context.Background())
	assert.Equal(t, errors.Is(err, ErrSubscriptionRejected), true)
}

func TestInitializeHonoursContext(t *testing.T) {
	h := newHarness(t, testSession())
	h.ft.confirm = false

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.c.Initialize(ctx)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
}

func TestRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, testSession())
	h.ft.rejectCh = models.PresenceChannel

	err := h.c.Initialize(context.Background())
	assert.Equal(t, errors.Is(err, ErrSubscriptionRejected), true)

	edit := h.ft.sub(models.EditChannel)
	assert.Equal(t, edit.isUnsubscribed(), true)
	assert.Equal(t, h.ft.sub(models.PresenceChannel).isUnsubscribed(), true)

	// the transport confirming the edit channel again must not revive the session
	edit.hooks.Connected()
	assert.Equal(t, h.c.IsConnected(), false)

	_, err = h.c.SendOperation(insert("x"))
	assert.Equal(t, errors.Is(err, ErrSubscriptionRejected), true)
	_, err = h.c.SendBatchOperations([]models.Edit{insert("a"), insert("b")})
	assert.Equal(t, errors.Is(err, ErrSubscriptionRejected), true)
	assert.Equal(t, len(edit.actions(string(models.ActionEditOperation))), 0)
	assert.Equal(t, len(edit.actions(string(models.ActionBatchOperations))), 0)
	assert.Equal(t, h.c.QueuedCount(), 0)
}

func TestRejectionAfterReadyDropsSession(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.edit.hooks.Rejected()
	assert.Equal(t, h.edit.isUnsubscribed(), true)
	assert.Equal(t, h.press.isUnsubscribed(), true)
	assert.Equal(t, h.c.IsConnected(), false)

	h.press.hooks.Connected()
	assert.Equal(t, h.c.StartTyping() != nil, true)
	assert.Equal(t, len(h.rec.ofKind(event.KindSessionRejected)), 1)
}

func TestInitializeRetryAfterTimeout(t *testing.T) {
	h := newHarness(t, testSession())
	h.ft.confirm = false

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.c.Initialize(ctx)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)

	firstEdit := h.ft.sub(models.EditChannel)
	firstPresence := h.ft.sub(models.PresenceChannel)
	assert.Equal(t, firstEdit.isUnsubscribed(), true)
	assert.Equal(t, firstPresence.isUnsubscribed(), true)
	assert.Equal(t, h.c.IsConnected(), false)

	h.ft.mu.Lock()
	h.ft.confirm = true
	h.ft.mu.Unlock()
	h.initialize(t)

	assert.Equal(t, h.edit != firstEdit, true)
	assert.Equal(t, h.ft.active(models.EditChannel), 1)
	assert.Equal(t, h.ft.active(models.PresenceChannel), 1)
	assert.Equal(t, h.c.IsConnected(), true)
}

func TestSendOperationAssignsUniqueIDs(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		op, err := h.c.SendOperation(insert("x"))
		assert.Equal(t, err, nil)
		assert.Equal(t, op.AuthorID, selfID)
		assert.Equal(t, seen[op.ID], false)
		seen[op.ID] = true
	}
	assert.Equal(t, h.c.PendingCount(), 200)
	assert.Equal(t, len(h.edit.actions(string(models.ActionEditOperation))), 200)
}

func TestOfflineQueueKeepsNewest(t *testing.T) {
	cfg := testSession()
	cfg.QueueCapacity = 100
	h := newHarness(t, cfg)

	var sent []models.Operation
	for i := 0; i < 105; i++ {
		op, err := h.c.SendOperation(insert("x"))
		assert.Equal(t, errors.Is(err, ErrNotConnected), true)
		sent = append(sent, op)
	}

	queued := h.c.QueuedOperations()
	assert.Equal(t, len(queued), 100)
	assert.Equal(t, queued[0].ID, sent[5].ID)
	assert.Equal(t, queued[99].ID, sent[104].ID)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationQueued)), 105)
}

func TestQueueFlushedOnConnect(t *testing.T) {
	h := newHarness(t, testSession())

	var queued []models.Operation
	for i := 0; i < 3; i++ {
		op, _ := h.c.SendOperation(insert("x"))
		queued = append(queued, op)
	}
	h.initialize(t)

	batches := h.edit.actions(string(models.ActionBatchOperations))
	assert.Equal(t, len(batches), 1)
	payload := batches[0].Payload.(models.BatchOperationsPayload)
	assert.Equal(t, payload.Operations, queued)

	assert.Equal(t, h.c.QueuedCount(), 0)
	assert.Equal(t, h.c.PendingCount(), 3)
	flushed := h.rec.ofKind(event.KindQueueFlushed)
	assert.Equal(t, len(flushed), 1)
	assert.Equal(t, flushed[0].(event.QueueFlushed).Count, 3)
}

func TestSingleQueuedOperationFlushesAlone(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.edit.hooks.Disconnected()
	op, err := h.c.SendOperation(insert("x"))
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	h.edit.hooks.Connected()
	singles := h.edit.actions(string(models.ActionEditOperation))
	assert.Equal(t, len(singles), 1)
	assert.Equal(t, singles[0].Payload.(models.EditOperationPayload).Operation.ID, op.ID)
}

func TestFailedPerformQueuesOperation(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)
	h.edit.failPerform(errors.New("send buffer full"))

	_, err := h.c.SendOperation(insert("x"))
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
	assert.Equal(t, h.c.QueuedCount(), 1)
	assert.Equal(t, h.c.PendingCount(), 0)
}

func TestAckTimeoutDropsPending(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	h.clk.Advance(9 * time.Second)
	assert.Equal(t, h.c.PendingCount(), 1)

	h.clk.Advance(time.Second)
	assert.Equal(t, h.c.PendingCount(), 0)

	timeouts := h.rec.ofKind(event.KindOperationTimeout)
	assert.Equal(t, len(timeouts), 1)
	assert.Equal(t, timeouts[0].(event.OperationEvent).Operation.ID, op.ID)
	// not resubmitted
	assert.Equal(t, len(h.edit.actions(string(models.ActionEditOperation))), 1)

	// a late ack is ignored
	h.edit.deliver(t, models.Message{Type: models.MessageOperationConfirmed, OperationID: op.ID})
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationConfirmed)), 0)
}

func TestDuplicateConfirmIsNoop(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	h.clk.Advance(250 * time.Millisecond)

	ack := models.Message{Type: models.MessageOperationConfirmed, OperationID: op.ID, Version: 4}
	h.edit.deliver(t, ack)
	h.edit.deliver(t, ack)

	confirmed := h.rec.ofKind(event.KindOperationConfirmed)
	assert.Equal(t, len(confirmed), 1)
	assert.Equal(t, confirmed[0].(event.OperationConfirmed).Latency, 250*time.Millisecond)
	assert.Equal(t, h.c.PendingCount(), 0)
	assert.Equal(t, h.c.DocumentState().Version, int64(4))

	// the ack timer was cancelled
	h.clk.Advance(time.Minute)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationTimeout)), 0)
}

func TestOutOfOrderAcks(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	a, _ := h.c.SendOperation(insert("a"))
	b, _ := h.c.SendOperation(insert("b"))

	h.edit.deliver(t, models.Message{Type: models.MessageOperationConfirmed, OperationID: b.ID})
	pending := h.c.PendingOperations()
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].Operation.ID, a.ID)

	h.edit.deliver(t, models.Message{Type: models.MessageOperationConfirmed, OperationID: a.ID})
	assert.Equal(t, h.c.PendingCount(), 0)
}

func TestOwnOperationAppliedCountsAsAck(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	h.edit.deliver(t, models.Message{Type: models.MessageOperationApplied, Operation: &op, Version: 2})

	assert.Equal(t, h.c.PendingCount(), 0)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationConfirmed)), 1)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationApplied)), 0)
}

func TestRemoteOperationApplied(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	remote := models.NewOperation("user-other", insert("hi"), h.clk.Now())
	h.edit.deliver(t, models.Message{Type: models.MessageOperationApplied, Operation: &remote, Version: 7})

	applied := h.rec.ofKind(event.KindOperationApplied)
	assert.Equal(t, len(applied), 1)
	assert.Equal(t, applied[0].(event.OperationApplied).Operation.ID, remote.ID)
	assert.Equal(t, h.c.DocumentState().Version, int64(7))
}

func TestBatchConfirmedAtomically(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	ops, err := h.c.SendBatchOperations([]models.Edit{insert("a"), insert("b"), insert("c")})
	assert.Equal(t, err, nil)
	assert.Equal(t, h.c.PendingCount(), 3)

	sent := h.rec.ofKind(event.KindBatchSent)
	assert.Equal(t, len(sent), 1)
	batchID := sent[0].(event.BatchEvent).BatchID

	h.edit.deliver(t, models.Message{Type: models.MessageBatchApplied, BatchID: batchID, Operations: ops, Version: 9})
	assert.Equal(t, h.c.PendingCount(), 0)

	confirmed := h.rec.ofKind(event.KindBatchConfirmed)
	assert.Equal(t, len(confirmed), 1)
	assert.Equal(t, confirmed[0].(event.BatchEvent).OperationIDs, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	// duplicate batch ack
	h.edit.deliver(t, models.Message{Type: models.MessageBatchApplied, BatchID: batchID, Operations: ops, Version: 9})
	assert.Equal(t, len(h.rec.ofKind(event.KindBatchConfirmed)), 1)
	assert.Equal(t, len(h.rec.ofKind(event.KindBatchApplied)), 0)
}

func TestBatchTimeout(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	ops, _ := h.c.SendBatchOperations([]models.Edit{insert("a"), insert("b")})
	h.edit.deliver(t, models.Message{Type: models.MessageOperationConfirmed, OperationID: ops[0].ID})

	h.clk.Advance(10 * time.Second)
	timeouts := h.rec.ofKind(event.KindOperationTimeout)
	assert.Equal(t, len(timeouts), 1)
	assert.Equal(t, timeouts[0].(event.OperationEvent).Operation.ID, ops[1].ID)
	assert.Equal(t, h.c.PendingCount(), 0)
}

func TestOperationErrorRecordsConflict(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	h.edit.deliver(t, models.Message{
		Type:        models.MessageOperationError,
		OperationID: op.ID,
		Code:        models.ErrorCodeConflict,
		ConflictID:  "conflict-1",
		Error:       "position out of range",
	})

	assert.Equal(t, h.c.PendingCount(), 0)
	failed := h.rec.ofKind(event.KindOperationFailed)
	assert.Equal(t, len(failed), 1)
	assert.Equal(t, failed[0].(event.OperationFailed).Code, models.ErrorCodeConflict)

	conflicts := h.c.Conflicts()
	assert.Equal(t, len(conflicts), 1)
	assert.Equal(t, conflicts[0].ID, "conflict-1")
	assert.Equal(t, conflicts[0].Status, models.ConflictDetected)

	// the companion conflict_detected for the same ID does not duplicate it
	h.edit.deliver(t, models.Message{Type: models.MessageConflictDetected, ConflictID: "conflict-1", OperationID: op.ID})
	assert.Equal(t, len(h.rec.ofKind(event.KindConflictDetected)), 1)
}

func TestLateOperationErrorIgnored(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationTimeout)), 1)

	late := models.Message{
		Type:        models.MessageOperationError,
		OperationID: op.ID,
		Code:        models.ErrorCodeConflict,
		ConflictID:  "conflict-late",
		Error:       "stale base version",
	}
	h.edit.deliver(t, late)
	h.edit.deliver(t, late)

	assert.Equal(t, len(h.rec.ofKind(event.KindOperationFailed)), 0)
	assert.Equal(t, len(h.c.Conflicts()), 0)
}

func TestDuplicateOperationErrorReportedOnce(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	msg := models.Message{Type: models.MessageOperationError, OperationID: op.ID, Code: "invalid_operation", Error: "bad position"}
	h.edit.deliver(t, msg)
	h.edit.deliver(t, msg)

	assert.Equal(t, len(h.rec.ofKind(event.KindOperationFailed)), 1)
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationTimeout)), 0)
}

func TestResolveConflictLifecycle(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.edit.deliver(t, models.Message{Type: models.MessageConflictDetected, ConflictID: "c-7", Reason: "stale base"})

	err := h.c.ResolveConflict("missing", models.ConflictResolution{Strategy: "keep_local"})
	assert.Equal(t, errors.Is(err, ErrUnknownConflict), true)

	resolution := models.ConflictResolution{Strategy: "keep_remote"}
	assert.Equal(t, h.c.ResolveConflict("c-7", resolution), nil)
	conflicts := h.c.Conflicts()
	assert.Equal(t, conflicts[0].Status, models.ConflictResolving)

	sent := h.edit.actions(string(models.ActionResolveConflict))
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].Payload.(models.ResolveConflictPayload).ConflictID, "c-7")

	h.edit.deliver(t, models.Message{Type: models.MessageConflictResolved, ConflictID: "c-7", Resolution: &resolution, ResolvedBy: selfID})
	assert.Equal(t, len(h.c.Conflicts()), 0)
	assert.Equal(t, len(h.rec.ofKind(event.KindConflictResolved)), 1)
}

func TestTypingSendsExactlyOneStop(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	assert.Equal(t, h.c.StartTyping(), nil)
	h.clk.Advance(500 * time.Millisecond)
	assert.Equal(t, h.c.StartTyping(), nil)
	h.clk.Advance(500 * time.Millisecond)
	assert.Equal(t, h.c.StartTyping(), nil)

	h.clk.Advance(5 * time.Second)

	var signals []bool
	for _, p := range h.press.actions(string(models.ActionBroadcastTyping)) {
		signals = append(signals, p.Payload.(models.TypingPayload).Typing)
	}
	assert.Equal(t, signals, []bool{true, false})
}

func TestStopTypingCancelsTimer(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	assert.Equal(t, h.c.StartTyping(), nil)
	assert.Equal(t, h.c.StopTyping(), nil)
	h.clk.Advance(5 * time.Second)
	assert.Equal(t, h.c.StopTyping(), nil)

	assert.Equal(t, len(h.press.actions(string(models.ActionBroadcastTyping))), 2)
}

func TestPresenceRequiresConnection(t *testing.T) {
	h := newHarness(t, testSession())
	err := h.c.UpdateCursorPosition(models.CursorPosition{Offset: 3})
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	h.initialize(t)
	assert.Equal(t, h.c.UpdateCursorPosition(models.CursorPosition{Offset: 3}), nil)
	assert.Equal(t, h.c.UpdateSelection(models.Selection{Start: 1, End: 4}), nil)
	assert.Equal(t, len(h.press.actions(string(models.ActionCursorMoved))), 1)
	assert.Equal(t, len(h.press.actions(string(models.ActionSelectionChanged))), 1)
	assert.Equal(t, h.c.QueuedCount(), 0)
}

func TestCollaboratorRoster(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.press.deliver(t, models.Message{Type: models.MessageUserJoined, User: &models.UserInfo{ID: "bob", Name: "Bob"}})
	h.press.deliver(t, models.Message{Type: models.MessageUserJoined, User: &models.UserInfo{ID: "alice", Name: "Alice"}})
	h.press.deliver(t, models.Message{Type: models.MessageUserJoined, User: &models.UserInfo{ID: selfID, Name: "Self"}})

	collabs := h.c.Collaborators()
	assert.Equal(t, len(collabs), 2)
	assert.Equal(t, collabs[0].UserID, "alice")

	typing := true
	h.press.deliver(t, models.Message{Type: models.MessageUserTyping, UserID: "bob", Typing: &typing})
	assert.Equal(t, h.c.Collaborators()[1].Typing, true)

	h.press.deliver(t, models.Message{Type: models.MessageUserLeft, UserID: "bob"})
	assert.Equal(t, len(h.c.Collaborators()), 1)
	assert.Equal(t, len(h.rec.ofKind(event.KindCollaboratorJoined)), 2)
	assert.Equal(t, len(h.rec.ofKind(event.KindCollaboratorLeft)), 1)
}

func TestPresenceDropReportsDepartures(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.press.deliver(t, models.Message{Type: models.MessageUserJoined, User: &models.UserInfo{ID: "bob", Name: "Bob"}})
	h.press.deliver(t, models.Message{Type: models.MessageCursorMoved, UserID: "bob", Position: &models.CursorPosition{Offset: 4}})

	// the channel drops and comes back with nobody replayed
	h.press.hooks.Disconnected()
	h.press.hooks.Connected()

	assert.Equal(t, len(h.rec.ofKind(event.KindCollaboratorJoined)), 1)
	left := h.rec.ofKind(event.KindCollaboratorLeft)
	assert.Equal(t, len(left), 1)
	assert.Equal(t, left[0].(event.CollaboratorChanged).Collaborator.UserID, "bob")
	assert.Equal(t, len(h.c.Collaborators()), 0)
	assert.Equal(t, len(h.c.Cursors()), 0)
}

func TestCursorUpdatesReplaceState(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.press.deliver(t, models.Message{
		Type:      models.MessageSelectionChanged,
		UserID:    "bob",
		Selection: &models.Selection{Start: 2, End: 8},
	})
	h.press.deliver(t, models.Message{
		Type:     models.MessageCursorMoved,
		UserID:   "bob",
		Position: &models.CursorPosition{Offset: 11},
	})
	// our own echo is ignored
	h.press.deliver(t, models.Message{
		Type:     models.MessageCursorMoved,
		UserID:   selfID,
		Position: &models.CursorPosition{Offset: 1},
	})

	cursors := h.c.Cursors()
	assert.Equal(t, len(cursors), 1)
	assert.Equal(t, cursors["bob"].Position.Offset, 11)
	assert.Equal(t, cursors["bob"].Selection == nil, true)

	h.press.deliver(t, models.Message{
		Type:     models.MessageCursorTransformed,
		UserID:   selfID,
		Position: &models.CursorPosition{Offset: 5},
	})
	assert.Equal(t, h.c.Cursors()[selfID].Position.Offset, 5)
}

func TestDocumentSync(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	h.edit.deliver(t, models.Message{
		Type:     models.MessageDocumentSync,
		Document: &models.DocumentSyncState{Content: "hello", Version: 3, StateHash: models.StateHash("hello")},
	})
	state := h.c.DocumentState()
	assert.Equal(t, state.Content, "hello")
	assert.Equal(t, state.Version, int64(3))

	assert.Equal(t, h.c.RequestDocumentSync(), nil)
	reqs := h.edit.actions(string(models.ActionRequestSync))
	assert.Equal(t, len(reqs), 1)
	assert.Equal(t, reqs[0].Payload, models.SyncRequestPayload{StateHash: models.StateHash("hello"), Version: 3})

	h.edit.deliver(t, models.Message{Type: models.MessageSyncConfirmed, Version: 3, StateHash: models.StateHash("hello")})
	assert.Equal(t, len(h.rec.ofKind(event.KindSyncConfirmed)), 1)

	assert.Equal(t, h.c.RequestFullSync(), nil)
	reqs = h.edit.actions(string(models.ActionRequestSync))
	assert.Equal(t, reqs[1].Payload.(models.SyncRequestPayload).Full, true)
}

func TestPeriodicSync(t *testing.T) {
	cfg := testSession()
	cfg.SyncInterval = 30 * time.Second
	cfg.FullSyncInterval = 90 * time.Second
	h := newHarness(t, cfg)
	h.initialize(t)

	h.clk.Advance(90 * time.Second)
	var full, partial int
	for _, p := range h.edit.actions(string(models.ActionRequestSync)) {
		if p.Payload.(models.SyncRequestPayload).Full {
			full++
		} else {
			partial++
		}
	}
	assert.Equal(t, partial, 3)
	assert.Equal(t, full, 1)
}

func TestManualDisconnectClearsPending(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	_, _ = h.c.SendOperation(insert("x"))
	h.bus.Publish(event.NewConnectionLost(h.clk.Now(), true, nil))

	assert.Equal(t, h.c.PendingCount(), 0)
	assert.Equal(t, h.c.IsConnected(), false)
	h.clk.Advance(time.Minute)
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationTimeout)), 0)
}

func TestUnexpectedLossKeepsPending(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	_, _ = h.c.SendOperation(insert("x"))
	h.bus.Publish(event.NewConnectionLost(h.clk.Now(), false, errors.New("eof")))

	assert.Equal(t, h.c.PendingCount(), 1)
	assert.Equal(t, h.c.IsConnected(), false)
}

func TestCloseIgnoresLateAcks(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	op, _ := h.c.SendOperation(insert("x"))
	assert.Equal(t, h.c.Close(), nil)
	assert.Equal(t, h.edit.unsubscribed, true)
	assert.Equal(t, h.press.unsubscribed, true)

	h.edit.deliver(t, models.Message{Type: models.MessageOperationConfirmed, OperationID: op.ID})
	assert.Equal(t, len(h.rec.ofKind(event.KindOperationConfirmed)), 0)

	_, err := h.c.SendOperation(insert("y"))
	assert.Equal(t, errors.Is(err, ErrClosed), true)
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	h := newHarness(t, testSession())
	h.initialize(t)

	before := len(h.rec.events)
	h.edit.hooks.Received(json.RawMessage(`{"type":"something_new","payload":1}`))
	h.edit.hooks.Received(json.RawMessage(`not json`))
	assert.Equal(t, len(h.rec.events), before)
}
