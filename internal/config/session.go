package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidSession = errors.New("config: invalid session settings")

// Session enumerates every tunable of the sync layer.
type Session struct {
	// Reconnection
	AutoReconnect        bool
	ReconnectDelay       time.Duration // delay before the first retry
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	BackoffMultiplier    float64
	ConnectionTimeout    time.Duration // handshake bound

	// Health
	HeartbeatInterval  time.Duration
	PingTimeout        time.Duration
	StaleAfter         time.Duration // 0 means 2 x HeartbeatInterval
	GoodLatency        time.Duration
	PoorLatency        time.Duration
	LatencyHistorySize int

	// Operations
	OperationAckTimeout time.Duration
	QueueCapacity       int

	// Presence and sync
	TypingIdleTimeout time.Duration
	SyncInterval      time.Duration
	FullSyncInterval  time.Duration
}

// DefaultSession returns the defaults used when nothing is configured.
func DefaultSession() Session {
	return Session{
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		BackoffMultiplier:    1.5,
		ConnectionTimeout:    10 * time.Second,

		HeartbeatInterval:  30 * time.Second,
		PingTimeout:        5 * time.Second,
		GoodLatency:        100 * time.Millisecond,
		PoorLatency:        300 * time.Millisecond,
		LatencyHistorySize: 10,

		OperationAckTimeout: 10 * time.Second,
		QueueCapacity:       100,

		TypingIdleTimeout: time.Second,
		SyncInterval:      30 * time.Second,
		FullSyncInterval:  5 * time.Minute,
	}
}

// StaleThreshold is how long the transport may stay silent before the
// connection is declared stale.
func (s Session) StaleThreshold() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return 2 * s.HeartbeatInterval
}

func (s Session) Validate() error {
	switch {
	case s.ReconnectDelay <= 0:
		return fmt.Errorf("%w: reconnect delay must be positive", ErrInvalidSession)
	case s.MaxReconnectDelay < s.ReconnectDelay:
		return fmt.Errorf("%w: max reconnect delay below reconnect delay", ErrInvalidSession)
	case s.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: max reconnect attempts is negative", ErrInvalidSession)
	case s.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidSession)
	case s.ConnectionTimeout <= 0:
		return fmt.Errorf("%w: connection timeout must be positive", ErrInvalidSession)
	case s.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidSession)
	case s.PoorLatency < s.GoodLatency:
		return fmt.Errorf("%w: poor latency threshold below good threshold", ErrInvalidSession)
	case s.LatencyHistorySize <= 0:
		return fmt.Errorf("%w: latency history size must be positive", ErrInvalidSession)
	case s.OperationAckTimeout <= 0:
		return fmt.Errorf("%w: operation ack timeout must be positive", ErrInvalidSession)
	case s.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be positive", ErrInvalidSession)
	case s.TypingIdleTimeout <= 0:
		return fmt.Errorf("%w: typing idle timeout must be positive", ErrInvalidSession)
	}
	return nil
}

type tuningFile struct {
	AutoReconnect        bool    `toml:"auto_reconnect"`
	ReconnectDelay       string  `toml:"reconnect_delay"`
	MaxReconnectDelay    string  `toml:"max_reconnect_delay"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	BackoffMultiplier    float64 `toml:"backoff_multiplier"`
	ConnectionTimeout    string  `toml:"connection_timeout"`
	HeartbeatInterval    string  `toml:"heartbeat_interval"`
	PingTimeout          string  `toml:"ping_timeout"`
	StaleAfter           string  `toml:"stale_after"`
	GoodLatency          string  `toml:"good_latency"`
	PoorLatency          string  `toml:"poor_latency"`
	LatencyHistorySize   int     `toml:"latency_history_size"`
	OperationAckTimeout  string  `toml:"operation_ack_timeout"`
	QueueCapacity        int     `toml:"queue_capacity"`
	TypingIdleTimeout    string  `toml:"typing_idle_timeout"`
	SyncInterval         string  `toml:"sync_interval"`
	FullSyncInterval     string  `toml:"full_sync_interval"`
}

// LoadTuningFile overlays the keys present in a TOML file onto s.
// Durations are written as Go duration strings ("750ms", "30s").
func LoadTuningFile(path string, s *Session) error {
	var raw tuningFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load session config: %w", err)
	}

	if meta.IsDefined("auto_reconnect") {
		s.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("max_reconnect_attempts") {
		s.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		s.BackoffMultiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("latency_history_size") {
		s.LatencyHistorySize = raw.LatencyHistorySize
	}
	if meta.IsDefined("queue_capacity") {
		s.QueueCapacity = raw.QueueCapacity
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &s.ReconnectDelay},
		{"max_reconnect_delay", raw.MaxReconnectDelay, &s.MaxReconnectDelay},
		{"connection_timeout", raw.ConnectionTimeout, &s.ConnectionTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &s.HeartbeatInterval},
		{"ping_timeout", raw.PingTimeout, &s.PingTimeout},
		{"stale_after", raw.StaleAfter, &s.StaleAfter},
		{"good_latency", raw.GoodLatency, &s.GoodLatency},
		{"poor_latency", raw.PoorLatency, &s.PoorLatency},
		{"operation_ack_timeout", raw.OperationAckTimeout, &s.OperationAckTimeout},
		{"typing_idle_timeout", raw.TypingIdleTimeout, &s.TypingIdleTimeout},
		{"sync_interval", raw.SyncInterval, &s.SyncInterval},
		{"full_sync_interval", raw.FullSyncInterval, &s.FullSyncInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}
