package supervisor

import (
	"math"
	"time"

	"livesync/internal/config"
)

// BackoffDelay returns the delay before reconnect attempt n (1-based):
// min(ReconnectDelay * BackoffMultiplier^(n-1), MaxReconnectDelay).
func BackoffDelay(cfg config.Session, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.ReconnectDelay <= 0 {
		return 0
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(cfg.ReconnectDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxReconnectDelay > 0 && delay > float64(cfg.MaxReconnectDelay) {
		delay = float64(cfg.MaxReconnectDelay)
	}
	return time.Duration(delay)
}
