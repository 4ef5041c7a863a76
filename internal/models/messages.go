package models

import "time"

/*
LEARNING: TYPE-DISCRIMINATED WIRE MESSAGES

Both directions carry a discriminator: outbound frames name an "action",
inbound frames name a "type". Each side decodes into one flat struct whose
optional fields are populated according to the discriminator, so a single
json.Unmarshal handles every message and the router switches on the tag.
*/

// Channel names for the two logical subscriptions of an editing session.
const (
	EditChannel     = "DocumentEditChannel"
	PresenceChannel = "PresenceChannel"
)

// Action names a client -> server message.
type Action string

const (
	ActionEditOperation    Action = "edit_operation"
	ActionBatchOperations  Action = "batch_operations"
	ActionCursorMoved      Action = "cursor_moved"
	ActionSelectionChanged Action = "selection_changed"
	ActionBroadcastTyping  Action = "broadcast_typing"
	ActionRequestSync      Action = "request_sync"
	ActionResolveConflict  Action = "resolve_conflict"
	ActionCreateVersion    Action = "create_version"
)

// MessageType names a server -> client message.
type MessageType string

const (
	MessageUserJoined         MessageType = "user_joined_editing"
	MessageUserLeft           MessageType = "user_left_editing"
	MessageUserTyping         MessageType = "user_typing"
	MessageOperationApplied   MessageType = "operation_applied"
	MessageOperationConfirmed MessageType = "operation_confirmed"
	MessageOperationError     MessageType = "operation_error"
	MessageBatchApplied       MessageType = "batch_operations_applied"
	MessageCursorMoved        MessageType = "cursor_moved"
	MessageSelectionChanged   MessageType = "selection_changed"
	MessageCursorTransformed  MessageType = "cursor_transformed"
	MessageDocumentSync       MessageType = "document_sync"
	MessageSyncConfirmed      MessageType = "sync_confirmed"
	MessageConflictDetected   MessageType = "conflict_detected"
	MessageConflictResolved   MessageType = "conflict_resolved"
	MessageVersionCreated     MessageType = "version_created"
)

// Outbound payloads

type EditOperationPayload struct {
	Operation Operation `json:"operation"`
}

type BatchOperationsPayload struct {
	BatchID    string      `json:"batch_id"`
	Operations []Operation `json:"operations"`
}

type CursorPayload struct {
	Position  CursorPosition `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
}

type SelectionPayload struct {
	Selection Selection `json:"selection"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingPayload struct {
	Typing bool `json:"typing"`
}

type SyncRequestPayload struct {
	StateHash string `json:"state_hash,omitempty"`
	Version   int64  `json:"version"`
	Full      bool   `json:"full,omitempty"`
}

type ResolveConflictPayload struct {
	ConflictID string             `json:"conflict_id"`
	Resolution ConflictResolution `json:"resolution"`
}

type CreateVersionPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ActionRequest is the relay-side decoding of any outbound payload.
type ActionRequest struct {
	Action      Action              `json:"action"`
	Operation   *Operation          `json:"operation,omitempty"`
	BatchID     string              `json:"batch_id,omitempty"`
	Operations  []Operation         `json:"operations,omitempty"`
	Position    *CursorPosition     `json:"position,omitempty"`
	Selection   *Selection          `json:"selection,omitempty"`
	Typing      *bool               `json:"typing,omitempty"`
	StateHash   string              `json:"state_hash,omitempty"`
	Version     int64               `json:"version,omitempty"`
	Full        bool                `json:"full,omitempty"`
	ConflictID  string              `json:"conflict_id,omitempty"`
	Resolution  *ConflictResolution `json:"resolution,omitempty"`
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Timestamp   time.Time           `json:"timestamp,omitempty"`
}

// Message is any server -> client message. Which fields are set depends on Type.
type Message struct {
	Type         MessageType         `json:"type"`
	User         *UserInfo           `json:"user,omitempty"`
	UserID       string              `json:"user_id,omitempty"`
	Typing       *bool               `json:"typing,omitempty"`
	Operation    *Operation          `json:"operation,omitempty"`
	Operations   []Operation         `json:"operations,omitempty"`
	OperationID  string              `json:"operation_id,omitempty"`
	OperationIDs []string            `json:"operation_ids,omitempty"`
	BatchID      string              `json:"batch_id,omitempty"`
	Version      int64               `json:"version,omitempty"`
	Error        string              `json:"error,omitempty"`
	Code         string              `json:"code,omitempty"`
	Position     *CursorPosition     `json:"position,omitempty"`
	Selection    *Selection          `json:"selection,omitempty"`
	Document     *DocumentSyncState  `json:"document,omitempty"`
	StateHash    string              `json:"state_hash,omitempty"`
	ConflictID   string              `json:"conflict_id,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Resolution   *ConflictResolution `json:"resolution,omitempty"`
	ResolvedBy   string              `json:"resolved_by,omitempty"`
	VersionID    string              `json:"version_id,omitempty"`
	Name         string              `json:"name,omitempty"`
	Description  string              `json:"description,omitempty"`
	Timestamp    time.Time           `json:"timestamp,omitempty"`
}

// ErrorCodeConflict marks an operation_error caused by a state conflict.
const ErrorCodeConflict = "conflict"
