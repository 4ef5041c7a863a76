package relay

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"livesync/internal/models"
	"livesync/internal/transport"
	"livesync/internal/transport/cable"
)

var quiet = log.New(io.Discard, "", 0)

type testRelay struct {
	hub   *Hub
	store *MemoryStore
	url   string
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	store := NewMemoryStore()
	store.Seed(models.Document{ID: "doc-1", Content: "hello"})

	opts.Logger = quiet
	hub := NewHub(store, opts)
	hub.Start()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testRelay{
		hub:   hub,
		store: store,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + cable.Path,
	}
}

func (r *testRelay) dial(t *testing.T, user models.UserInfo, token string) *cable.Client {
	t.Helper()
	c := cable.NewClient(cable.Options{URL: r.url, User: user, Token: token, Logger: quiet})
	assert.Equal(t, c.Dial(context.Background(), nil), nil)
	t.Cleanup(func() { c.Close() })
	return c
}

type channelRecorder struct {
	connected chan struct{}
	rejected  chan struct{}
	received  chan json.RawMessage
}

func newChannelRecorder() *channelRecorder {
	return &channelRecorder{
		connected: make(chan struct{}, 4),
		rejected:  make(chan struct{}, 4),
		received:  make(chan json.RawMessage, 64),
	}
}

func (r *channelRecorder) hooks() transport.Hooks {
	return transport.Hooks{
		Connected:    func() { r.connected <- struct{}{} },
		Disconnected: func() {},
		Rejected:     func() { r.rejected <- struct{}{} },
		Received:     func(m json.RawMessage) { r.received <- m },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// next returns the first message of type typ, skipping any others.
func (r *channelRecorder) next(t *testing.T, typ models.MessageType) models.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-r.received:
			var msg models.Message
			assert.Equal(t, json.Unmarshal(raw, &msg), nil)
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return models.Message{}
		}
	}
}

func subscribe(t *testing.T, c *cable.Client, channel, documentID string) (transport.Subscription, *channelRecorder) {
	t.Helper()
	rec := newChannelRecorder()
	sub, err := c.Subscribe(channel, map[string]string{"document_id": documentID}, rec.hooks())
	assert.Equal(t, err, nil)
	waitFor(t, rec.connected, channel+" confirmation")
	return sub, rec
}

var (
	alice = models.UserInfo{ID: "alice", Name: "Alice"}
	bob   = models.UserInfo{ID: "bob", Name: "Bob"}
)

func TestSubscriptionNeedsDocumentAndKnownChannel(t *testing.T) {
	r := newTestRelay(t, Options{})
	c := r.dial(t, alice, "")

	rec := newChannelRecorder()
	_, err := c.Subscribe(models.EditChannel, nil, rec.hooks())
	assert.Equal(t, err, nil)
	waitFor(t, rec.rejected, "rejection without document")

	rec = newChannelRecorder()
	_, err = c.Subscribe("AdminChannel", map[string]string{"document_id": "doc-1"}, rec.hooks())
	assert.Equal(t, err, nil)
	waitFor(t, rec.rejected, "rejection of unknown channel")
}

func TestSubscriptionNeedsValidToken(t *testing.T) {
	r := newTestRelay(t, Options{Secret: testSecret})

	anon := r.dial(t, alice, "")
	rec := newChannelRecorder()
	_, err := anon.Subscribe(models.EditChannel, map[string]string{"document_id": "doc-1"}, rec.hooks())
	assert.Equal(t, err, nil)
	waitFor(t, rec.rejected, "rejection without token")

	token, err := IssueToken(testSecret, alice, time.Hour)
	assert.Equal(t, err, nil)
	authed := r.dial(t, models.UserInfo{ID: "spoofed"}, token)
	subscribe(t, authed, models.EditChannel, "doc-1")
	assert.Equal(t, r.hub.Members(models.EditChannel, "doc-1"), []string{"alice"})
}

func TestEditIsConfirmedAndBroadcast(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	b := r.dial(t, bob, "")
	subA, recA := subscribe(t, a, models.EditChannel, "doc-1")
	_, recB := subscribe(t, b, models.EditChannel, "doc-1")

	op := models.NewOperation(alice.ID, models.Edit{Type: models.OpInsert, Position: 5, Text: " world"}, time.Now())
	assert.Equal(t, subA.Perform(string(models.ActionEditOperation), models.EditOperationPayload{Operation: op}), nil)

	confirmed := recA.next(t, models.MessageOperationConfirmed)
	assert.Equal(t, confirmed.OperationID, op.ID)
	assert.Equal(t, confirmed.Version, int64(1))

	applied := recB.next(t, models.MessageOperationApplied)
	assert.Equal(t, applied.Operation.ID, op.ID)
	assert.Equal(t, applied.Operation.AuthorID, "alice")
	assert.Equal(t, applied.Version, int64(1))

	doc, _ := r.store.Document("doc-1")
	assert.Equal(t, doc.Content, "hello world")
	assert.Equal(t, doc.Version, int64(1))
	assert.Equal(t, doc.StateHash, models.StateHash("hello world"))
	assert.Equal(t, len(r.store.Operations("doc-1")), 1)
}

func TestResubmittedOperationIsAppliedOnce(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	sub, rec := subscribe(t, a, models.EditChannel, "doc-1")

	op := models.NewOperation(alice.ID, models.Edit{Type: models.OpInsert, Position: 0, Text: ">"}, time.Now())
	for i := 0; i < 2; i++ {
		assert.Equal(t, sub.Perform(string(models.ActionEditOperation), models.EditOperationPayload{Operation: op}), nil)
		msg := rec.next(t, models.MessageOperationConfirmed)
		assert.Equal(t, msg.OperationID, op.ID)
		assert.Equal(t, msg.Version, int64(1))
	}

	doc, _ := r.store.Document("doc-1")
	assert.Equal(t, doc.Content, ">hello")
	assert.Equal(t, len(r.store.Operations("doc-1")), 1)
}

func TestConflictAndResolution(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	sub, rec := subscribe(t, a, models.EditChannel, "doc-1")

	op := models.NewOperation(alice.ID, models.Edit{Type: models.OpDelete, Position: 3, Length: 10}, time.Now())
	assert.Equal(t, sub.Perform(string(models.ActionEditOperation), models.EditOperationPayload{Operation: op}), nil)

	failed := rec.next(t, models.MessageOperationError)
	assert.Equal(t, failed.OperationID, op.ID)
	assert.Equal(t, failed.Code, models.ErrorCodeConflict)
	assert.NotEqual(t, failed.ConflictID, "")

	detected := rec.next(t, models.MessageConflictDetected)
	assert.Equal(t, detected.ConflictID, failed.ConflictID)
	assert.Equal(t, detected.OperationID, op.ID)

	resolution := models.ConflictResolution{Strategy: "keep_local", Content: "hel"}
	assert.Equal(t, sub.Perform(string(models.ActionResolveConflict), models.ResolveConflictPayload{
		ConflictID: detected.ConflictID,
		Resolution: resolution,
	}), nil)

	synced := rec.next(t, models.MessageDocumentSync)
	assert.Equal(t, synced.Document.Content, "hel")
	assert.Equal(t, synced.Document.Version, int64(1))

	resolved := rec.next(t, models.MessageConflictResolved)
	assert.Equal(t, resolved.ConflictID, detected.ConflictID)
	assert.Equal(t, resolved.ResolvedBy, "alice")

	doc, _ := r.store.Document("doc-1")
	assert.Equal(t, doc.Content, "hel")
	assert.Equal(t, len(r.store.Operations("doc-1")), 0)
}

func TestBatchIsAtomic(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	b := r.dial(t, bob, "")
	sub, rec := subscribe(t, a, models.EditChannel, "doc-1")
	_, recB := subscribe(t, b, models.EditChannel, "doc-1")

	now := time.Now()
	good := models.NewOperation(alice.ID, models.Edit{Type: models.OpInsert, Position: 0, Text: "["}, now)
	bad := models.NewOperation(alice.ID, models.Edit{Type: models.OpDelete, Position: 40, Length: 1}, now)
	assert.Equal(t, sub.Perform(string(models.ActionBatchOperations), models.BatchOperationsPayload{
		BatchID:    "batch-1",
		Operations: []models.Operation{good, bad},
	}), nil)

	rejected := rec.next(t, models.MessageOperationError)
	assert.Equal(t, rejected.OperationID, good.ID)
	assert.Equal(t, rejected.Code, ErrorCodeRejected)
	conflict := rec.next(t, models.MessageOperationError)
	assert.Equal(t, conflict.OperationID, bad.ID)
	assert.Equal(t, conflict.Code, models.ErrorCodeConflict)

	doc, _ := r.store.Document("doc-1")
	assert.Equal(t, doc.Content, "hello")

	closing := models.NewOperation(alice.ID, models.Edit{Type: models.OpInsert, Position: 6, Text: "]"}, now)
	assert.Equal(t, sub.Perform(string(models.ActionBatchOperations), models.BatchOperationsPayload{
		BatchID:    "batch-2",
		Operations: []models.Operation{good, closing},
	}), nil)

	ack := rec.next(t, models.MessageBatchApplied)
	assert.Equal(t, ack.BatchID, "batch-2")
	assert.Equal(t, ack.OperationIDs, []string{good.ID, closing.ID})
	assert.Equal(t, ack.Version, int64(2))

	remote := recB.next(t, models.MessageBatchApplied)
	assert.Equal(t, remote.BatchID, "batch-2")
	assert.Equal(t, len(remote.Operations), 2)

	doc, _ = r.store.Document("doc-1")
	assert.Equal(t, doc.Content, "[hello]")
	records := r.store.Operations("doc-1")
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[1].BatchID, "batch-2")
	assert.Equal(t, records[1].Version, int64(2))
}

func TestRequestSync(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	sub, rec := subscribe(t, a, models.EditChannel, "doc-1")

	assert.Equal(t, sub.Perform(string(models.ActionRequestSync), models.SyncRequestPayload{
		StateHash: models.StateHash("hello"),
		Version:   0,
	}), nil)
	confirmed := rec.next(t, models.MessageSyncConfirmed)
	assert.Equal(t, confirmed.StateHash, models.StateHash("hello"))

	assert.Equal(t, sub.Perform(string(models.ActionRequestSync), models.SyncRequestPayload{
		StateHash: "stale",
		Version:   0,
	}), nil)
	synced := rec.next(t, models.MessageDocumentSync)
	assert.Equal(t, synced.Document.Content, "hello")

	assert.Equal(t, sub.Perform(string(models.ActionRequestSync), models.SyncRequestPayload{
		StateHash: models.StateHash("hello"),
		Full:      true,
	}), nil)
	full := rec.next(t, models.MessageDocumentSync)
	assert.Equal(t, full.Document.StateHash, models.StateHash("hello"))
}

func TestPresenceJoinReplayAndLeave(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	_, recA := subscribe(t, a, models.PresenceChannel, "doc-1")

	b := cable.NewClient(cable.Options{URL: r.url, User: bob, Logger: quiet})
	assert.Equal(t, b.Dial(context.Background(), nil), nil)
	subB, recB := subscribe(t, b, models.PresenceChannel, "doc-1")

	replay := recB.next(t, models.MessageUserJoined)
	assert.Equal(t, replay.User.ID, "alice")
	joined := recA.next(t, models.MessageUserJoined)
	assert.Equal(t, joined.User.ID, "bob")

	assert.Equal(t, subB.Perform(string(models.ActionCursorMoved), models.CursorPayload{
		Position: models.CursorPosition{Offset: 3},
	}), nil)
	moved := recA.next(t, models.MessageCursorMoved)
	assert.Equal(t, moved.UserID, "bob")
	assert.Equal(t, moved.Position.Offset, 3)

	assert.Equal(t, subB.Perform(string(models.ActionBroadcastTyping), models.TypingPayload{Typing: true}), nil)
	typing := recA.next(t, models.MessageUserTyping)
	assert.Equal(t, typing.UserID, "bob")
	assert.Equal(t, *typing.Typing, true)

	b.Close()
	left := recA.next(t, models.MessageUserLeft)
	assert.Equal(t, left.UserID, "bob")
}

func TestCreateVersion(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.dial(t, alice, "")
	sub, rec := subscribe(t, a, models.EditChannel, "doc-1")

	assert.Equal(t, sub.Perform(string(models.ActionCreateVersion), models.CreateVersionPayload{
		Name:        "draft",
		Description: "first pass",
	}), nil)
	created := rec.next(t, models.MessageVersionCreated)
	assert.Equal(t, created.Name, "draft")
	assert.Equal(t, created.UserID, "alice")
	assert.Equal(t, len(created.VersionID), 26)

	versions := r.store.Versions("doc-1")
	assert.Equal(t, len(versions), 1)
	assert.Equal(t, versions[0].Content, "hello")
	assert.Equal(t, versions[0].ID, created.VersionID)
}

func TestCleanupClosesIdleConnections(t *testing.T) {
	r := newTestRelay(t, Options{IdleTimeout: time.Minute})
	c := cable.NewClient(cable.Options{URL: r.url, User: alice, Logger: quiet})
	closed := make(chan error, 1)
	assert.Equal(t, c.Dial(context.Background(), func(err error) { closed <- err }), nil)
	defer c.Close()
	subscribe(t, c, models.EditChannel, "doc-1")

	assert.Equal(t, r.hub.cleanup(time.Now()), 0)
	assert.Equal(t, r.hub.cleanup(time.Now().Add(2*time.Minute)), 1)
	waitFor(t, closed, "server-side close")
}
