package models

import "time"

// UserInfo identifies a participant on the wire.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Color string `json:"color,omitempty"` // Hex color for cursor/highlight
}

// Collaborator is a remote participant in the editing session.
type Collaborator struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	Color    string    `json:"color,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	Typing   bool      `json:"typing"`
}

// CursorPosition is a location in the document.
type CursorPosition struct {
	Offset int `json:"offset"`
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`
}

// Selection is a half-open range of document offsets.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorState is ephemeral presence for one collaborator.
// Each update replaces the previous value; nothing is merged.
type CursorState struct {
	UserID    string         `json:"user_id"`
	Position  CursorPosition `json:"position"`
	Selection *Selection     `json:"selection,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
