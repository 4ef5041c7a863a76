package models

import "time"

// ConnectionState is the lifecycle state of the transport connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionQuality classifies the recent round-trip latency.
type ConnectionQuality string

const (
	QualityUnknown ConnectionQuality = "unknown"
	QualityGood    ConnectionQuality = "good"
	QualityPoor    ConnectionQuality = "poor"
	QualityBad     ConnectionQuality = "bad"
)

// ConnectionInfo is a read-only diagnostics snapshot.
type ConnectionInfo struct {
	State              ConnectionState   `json:"state"`
	Quality            ConnectionQuality `json:"quality"`
	ReconnectAttempts  int               `json:"reconnect_attempts"`
	AverageLatency     time.Duration     `json:"average_latency"`
	LatencySamples     int               `json:"latency_samples"`
	Uptime             time.Duration     `json:"uptime"`
	LastDisconnectTime time.Time         `json:"last_disconnect_time,omitempty"`
	Terminal           bool              `json:"terminal"` // max attempts reached
}
