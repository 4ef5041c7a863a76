package models

import "time"

type ConflictStatus string

const (
	ConflictDetected  ConflictStatus = "detected"
	ConflictResolving ConflictStatus = "resolving"
)

// ConflictResolution is the choice a client submits for a conflict.
type ConflictResolution struct {
	Strategy string `json:"strategy"` // e.g. "keep_local", "keep_remote", "merge"
	Content  string `json:"content,omitempty"`
}

// ConflictRecord tracks a server-reported conflict until the server
// confirms its resolution.
type ConflictRecord struct {
	ID          string              `json:"id"`
	OperationID string              `json:"operation_id,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	DetectedAt  time.Time           `json:"detected_at"`
	Status      ConflictStatus      `json:"status"`
	Resolution  *ConflictResolution `json:"resolution,omitempty"`
}
