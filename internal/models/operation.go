package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// OperationType is the kind of edit carried by an operation.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpFormat OperationType = "format"
	OpRetain OperationType = "retain"
)

// Edit is the caller-supplied payload of an operation.
type Edit struct {
	Type       OperationType  `json:"type"`
	Position   int            `json:"position"`
	Length     int            `json:"length,omitempty"`
	Text       string         `json:"text,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Operation is an edit enriched with identity before it is submitted.
// Learning: KSUIDs are unique without coordination and sort by creation
// time, so operation IDs double as a rough submission order in logs.
type Operation struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AuthorID  string    `json:"author_id"`
	Edit      Edit      `json:"edit"`
}

// NewOperation builds an Operation with a fresh ID.
func NewOperation(authorID string, edit Edit, at time.Time) Operation {
	return Operation{
		ID:        ksuid.New().String(),
		Timestamp: at,
		AuthorID:  authorID,
		Edit:      edit,
	}
}

// PendingOperation is a submitted operation awaiting acknowledgment.
type PendingOperation struct {
	Operation   Operation `json:"operation"`
	SubmittedAt time.Time `json:"submitted_at"`
	RetryCount  int       `json:"retry_count"`
	BatchID     string    `json:"batch_id,omitempty"` // empty for single submissions
}
