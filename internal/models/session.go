package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active relay connection from one client
type Session struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id,omitempty"` // chosen by the client, stable across redials
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Email       string    `json:"email,omitempty"`
	Color       string    `json:"color,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// User returns the wire identity of the session owner.
func (s *Session) User() UserInfo {
	return UserInfo{
		ID:    s.UserID,
		Name:  s.UserName,
		Email: s.Email,
		Color: s.Color,
	}
}

func NewSession(user UserInfo, clientID string) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		ClientID:    clientID,
		UserID:      user.ID,
		UserName:    user.Name,
		Email:       user.Email,
		Color:       user.Color,
		ConnectedAt: time.Now(),
	}
}
