// Package event defines the typed events emitted by the connection
// supervisor and the session coordinator. The UI layer observes these
// instead of reaching into either component.
package event

import (
	"time"

	"livesync/internal/models"
)

// Kind enumerates every event the sync layer can emit.
type Kind int

const (
	// Connection lifecycle (supervisor)
	KindStateChanged Kind = iota + 1
	KindConnectionEstablished
	KindConnectionLost
	KindConnectionFailed
	KindReconnectScheduled
	KindMaxAttemptsReached
	KindConnectionStale
	KindQualityChanged
	KindLatencySample

	// Session (coordinator)
	KindSessionConnected
	KindSessionDisconnected
	KindSessionRejected
	KindCollaboratorJoined
	KindCollaboratorLeft
	KindCollaboratorTyping
	KindOperationSent
	KindOperationQueued
	KindOperationConfirmed
	KindOperationApplied
	KindOperationFailed
	KindOperationTimeout
	KindBatchSent
	KindBatchConfirmed
	KindBatchApplied
	KindQueueFlushed
	KindCursorMoved
	KindSelectionChanged
	KindCursorTransformed
	KindSyncRequested
	KindDocumentSynced
	KindSyncConfirmed
	KindConflictDetected
	KindConflictResolutionSent
	KindConflictResolved
	KindVersionCreated
)

var kindNames = map[Kind]string{
	KindStateChanged:           "connection:state",
	KindConnectionEstablished:  "connection:established",
	KindConnectionLost:         "connection:lost",
	KindConnectionFailed:       "connection:failed",
	KindReconnectScheduled:     "connection:reconnect_scheduled",
	KindMaxAttemptsReached:     "connection:max_attempts_reached",
	KindConnectionStale:        "connection:stale",
	KindQualityChanged:         "connection:quality",
	KindLatencySample:          "connection:latency",
	KindSessionConnected:       "session:connected",
	KindSessionDisconnected:    "session:disconnected",
	KindSessionRejected:        "session:rejected",
	KindCollaboratorJoined:     "collaborator:joined",
	KindCollaboratorLeft:       "collaborator:left",
	KindCollaboratorTyping:     "collaborator:typing",
	KindOperationSent:          "operation:sent",
	KindOperationQueued:        "operation:queued",
	KindOperationConfirmed:     "operation:confirmed",
	KindOperationApplied:       "operation:applied",
	KindOperationFailed:        "operation:error",
	KindOperationTimeout:       "operation:timeout",
	KindBatchSent:              "batch:sent",
	KindBatchConfirmed:         "batch:confirmed",
	KindBatchApplied:           "batch:applied",
	KindQueueFlushed:           "queue:flushed",
	KindCursorMoved:            "cursor:moved",
	KindSelectionChanged:       "cursor:selection",
	KindCursorTransformed:      "cursor:transformed",
	KindSyncRequested:          "sync:requested",
	KindDocumentSynced:         "sync:document",
	KindSyncConfirmed:          "sync:confirmed",
	KindConflictDetected:       "conflict:detected",
	KindConflictResolutionSent: "conflict:resolution_sent",
	KindConflictResolved:       "conflict:resolved",
	KindVersionCreated:         "version:created",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is the interface that all events implement.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	kind      Kind
	timestamp time.Time
}

func (e baseEvent) Kind() Kind           { return e.kind }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(kind Kind, at time.Time) baseEvent {
	return baseEvent{kind: kind, timestamp: at}
}

// -----------------------------------------------------------------------------
// Connection Events
// -----------------------------------------------------------------------------

type StateChanged struct {
	baseEvent
	From models.ConnectionState
	To   models.ConnectionState
}

func NewStateChanged(at time.Time, from, to models.ConnectionState) StateChanged {
	return StateChanged{baseEvent: newBase(KindStateChanged, at), From: from, To: to}
}

// ConnectionEstablished is emitted when a handshake succeeds.
type ConnectionEstablished struct {
	baseEvent
	FailedAttempts int // failed cycles before this success
}

func NewConnectionEstablished(at time.Time, failedAttempts int) ConnectionEstablished {
	return ConnectionEstablished{baseEvent: newBase(KindConnectionEstablished, at), FailedAttempts: failedAttempts}
}

// ConnectionLost is emitted when an established connection goes away.
type ConnectionLost struct {
	baseEvent
	Manual bool  // true when caused by Disconnect
	Err    error // transport error, nil for manual disconnects
}

func NewConnectionLost(at time.Time, manual bool, err error) ConnectionLost {
	return ConnectionLost{baseEvent: newBase(KindConnectionLost, at), Manual: manual, Err: err}
}

// ConnectionFailed is emitted when a connect attempt does not complete.
type ConnectionFailed struct {
	baseEvent
	Attempt int
	Err     error
}

func NewConnectionFailed(at time.Time, attempt int, err error) ConnectionFailed {
	return ConnectionFailed{baseEvent: newBase(KindConnectionFailed, at), Attempt: attempt, Err: err}
}

type ReconnectScheduled struct {
	baseEvent
	Attempt int
	Delay   time.Duration
}

func NewReconnectScheduled(at time.Time, attempt int, delay time.Duration) ReconnectScheduled {
	return ReconnectScheduled{baseEvent: newBase(KindReconnectScheduled, at), Attempt: attempt, Delay: delay}
}

// MaxAttemptsReached is terminal until ForceReconnect.
type MaxAttemptsReached struct {
	baseEvent
	Attempts int
}

func NewMaxAttemptsReached(at time.Time, attempts int) MaxAttemptsReached {
	return MaxAttemptsReached{baseEvent: newBase(KindMaxAttemptsReached, at), Attempts: attempts}
}

type ConnectionStale struct {
	baseEvent
	Idle time.Duration
}

func NewConnectionStale(at time.Time, idle time.Duration) ConnectionStale {
	return ConnectionStale{baseEvent: newBase(KindConnectionStale, at), Idle: idle}
}

type QualityChanged struct {
	baseEvent
	From    models.ConnectionQuality
	To      models.ConnectionQuality
	Average time.Duration
}

func NewQualityChanged(at time.Time, from, to models.ConnectionQuality, avg time.Duration) QualityChanged {
	return QualityChanged{baseEvent: newBase(KindQualityChanged, at), From: from, To: to, Average: avg}
}

type LatencySample struct {
	baseEvent
	RTT time.Duration
}

func NewLatencySample(at time.Time, rtt time.Duration) LatencySample {
	return LatencySample{baseEvent: newBase(KindLatencySample, at), RTT: rtt}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionStatus covers connected / disconnected / rejected.
type SessionStatus struct {
	baseEvent
	Channel string
}

func NewSessionConnected(at time.Time) SessionStatus {
	return SessionStatus{baseEvent: newBase(KindSessionConnected, at)}
}

func NewSessionDisconnected(at time.Time) SessionStatus {
	return SessionStatus{baseEvent: newBase(KindSessionDisconnected, at)}
}

func NewSessionRejected(at time.Time, channel string) SessionStatus {
	return SessionStatus{baseEvent: newBase(KindSessionRejected, at), Channel: channel}
}

// CollaboratorChanged covers joined / left.
type CollaboratorChanged struct {
	baseEvent
	Collaborator models.Collaborator
}

func NewCollaboratorJoined(at time.Time, c models.Collaborator) CollaboratorChanged {
	return CollaboratorChanged{baseEvent: newBase(KindCollaboratorJoined, at), Collaborator: c}
}

func NewCollaboratorLeft(at time.Time, c models.Collaborator) CollaboratorChanged {
	return CollaboratorChanged{baseEvent: newBase(KindCollaboratorLeft, at), Collaborator: c}
}

type CollaboratorTyping struct {
	baseEvent
	UserID string
	Typing bool
}

func NewCollaboratorTyping(at time.Time, userID string, typing bool) CollaboratorTyping {
	return CollaboratorTyping{baseEvent: newBase(KindCollaboratorTyping, at), UserID: userID, Typing: typing}
}

// OperationEvent covers sent / queued / timeout.
type OperationEvent struct {
	baseEvent
	Operation models.Operation
}

func NewOperationSent(at time.Time, op models.Operation) OperationEvent {
	return OperationEvent{baseEvent: newBase(KindOperationSent, at), Operation: op}
}

func NewOperationQueued(at time.Time, op models.Operation) OperationEvent {
	return OperationEvent{baseEvent: newBase(KindOperationQueued, at), Operation: op}
}

func NewOperationTimeout(at time.Time, op models.Operation) OperationEvent {
	return OperationEvent{baseEvent: newBase(KindOperationTimeout, at), Operation: op}
}

type OperationConfirmed struct {
	baseEvent
	OperationID string
	Version     int64
	Latency     time.Duration // submit -> ack
}

func NewOperationConfirmed(at time.Time, id string, version int64, latency time.Duration) OperationConfirmed {
	return OperationConfirmed{baseEvent: newBase(KindOperationConfirmed, at), OperationID: id, Version: version, Latency: latency}
}

// OperationApplied is a remote operation applied by the server.
type OperationApplied struct {
	baseEvent
	Operation models.Operation
	Version   int64
}

func NewOperationApplied(at time.Time, op models.Operation, version int64) OperationApplied {
	return OperationApplied{baseEvent: newBase(KindOperationApplied, at), Operation: op, Version: version}
}

type OperationFailed struct {
	baseEvent
	OperationID string
	Code        string
	Message     string
}

func NewOperationFailed(at time.Time, id, code, message string) OperationFailed {
	return OperationFailed{baseEvent: newBase(KindOperationFailed, at), OperationID: id, Code: code, Message: message}
}

// BatchEvent covers sent / confirmed / applied.
type BatchEvent struct {
	baseEvent
	BatchID      string
	OperationIDs []string
	Operations   []models.Operation
	Version      int64
}

func NewBatchSent(at time.Time, batchID string, ops []models.Operation) BatchEvent {
	return BatchEvent{baseEvent: newBase(KindBatchSent, at), BatchID: batchID, Operations: ops, OperationIDs: operationIDs(ops)}
}

func NewBatchConfirmed(at time.Time, batchID string, ids []string, version int64) BatchEvent {
	return BatchEvent{baseEvent: newBase(KindBatchConfirmed, at), BatchID: batchID, OperationIDs: ids, Version: version}
}

func NewBatchApplied(at time.Time, batchID string, ops []models.Operation, version int64) BatchEvent {
	return BatchEvent{baseEvent: newBase(KindBatchApplied, at), BatchID: batchID, Operations: ops, OperationIDs: operationIDs(ops), Version: version}
}

type QueueFlushed struct {
	baseEvent
	Count int
}

func NewQueueFlushed(at time.Time, count int) QueueFlushed {
	return QueueFlushed{baseEvent: newBase(KindQueueFlushed, at), Count: count}
}

// CursorEvent covers moved / selection / transformed.
type CursorEvent struct {
	baseEvent
	Cursor models.CursorState
}

func NewCursorMoved(at time.Time, c models.CursorState) CursorEvent {
	return CursorEvent{baseEvent: newBase(KindCursorMoved, at), Cursor: c}
}

func NewSelectionChanged(at time.Time, c models.CursorState) CursorEvent {
	return CursorEvent{baseEvent: newBase(KindSelectionChanged, at), Cursor: c}
}

func NewCursorTransformed(at time.Time, c models.CursorState) CursorEvent {
	return CursorEvent{baseEvent: newBase(KindCursorTransformed, at), Cursor: c}
}

type SyncRequested struct {
	baseEvent
	StateHash string
	Full      bool
}

func NewSyncRequested(at time.Time, hash string, full bool) SyncRequested {
	return SyncRequested{baseEvent: newBase(KindSyncRequested, at), StateHash: hash, Full: full}
}

type DocumentSynced struct {
	baseEvent
	State models.DocumentSyncState
}

func NewDocumentSynced(at time.Time, state models.DocumentSyncState) DocumentSynced {
	return DocumentSynced{baseEvent: newBase(KindDocumentSynced, at), State: state}
}

type SyncConfirmed struct {
	baseEvent
	Version   int64
	StateHash string
}

func NewSyncConfirmed(at time.Time, version int64, hash string) SyncConfirmed {
	return SyncConfirmed{baseEvent: newBase(KindSyncConfirmed, at), Version: version, StateHash: hash}
}

// ConflictEvent covers detected / resolution sent.
type ConflictEvent struct {
	baseEvent
	Conflict models.ConflictRecord
}

func NewConflictDetected(at time.Time, c models.ConflictRecord) ConflictEvent {
	return ConflictEvent{baseEvent: newBase(KindConflictDetected, at), Conflict: c}
}

func NewConflictResolutionSent(at time.Time, c models.ConflictRecord) ConflictEvent {
	return ConflictEvent{baseEvent: newBase(KindConflictResolutionSent, at), Conflict: c}
}

type ConflictResolved struct {
	baseEvent
	ConflictID string
	Resolution *models.ConflictResolution
	ResolvedBy string
}

func NewConflictResolved(at time.Time, id string, resolution *models.ConflictResolution, by string) ConflictResolved {
	return ConflictResolved{baseEvent: newBase(KindConflictResolved, at), ConflictID: id, Resolution: resolution, ResolvedBy: by}
}

type VersionCreated struct {
	baseEvent
	VersionID   string
	Name        string
	Description string
	Version     int64
	CreatedBy   string
}

func NewVersionCreated(at time.Time, id, name, description string, version int64, by string) VersionCreated {
	return VersionCreated{
		baseEvent:   newBase(KindVersionCreated, at),
		VersionID:   id,
		Name:        name,
		Description: description,
		Version:     version,
		CreatedBy:   by,
	}
}

func operationIDs(ops []models.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
