// Package supervisor owns the lifecycle of the single transport connection:
// the connection state machine, exponential-backoff reconnection and the
// heartbeat that measures latency and detects stale links.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"livesync/internal/clock"
	"livesync/internal/config"
	"livesync/internal/event"
	"livesync/internal/models"
)

var (
	// ErrConnectInProgress is returned when a handshake is already running.
	ErrConnectInProgress = errors.New("supervisor: connect already in progress")
	// ErrMaxAttempts is returned by Connect once retries are exhausted.
	// Only ForceReconnect leaves that state.
	ErrMaxAttempts = errors.New("supervisor: max reconnect attempts reached")
	// ErrConnectAborted is returned when Disconnect or ForceReconnect
	// superseded an in-flight handshake.
	ErrConnectAborted = errors.New("supervisor: connect aborted")
	// ErrStale is reported on ConnectionLost when the heartbeat found no
	// inbound traffic within the stale threshold.
	ErrStale = errors.New("supervisor: connection stale")
	// ErrForcedReconnect is reported on ConnectionLost for ForceReconnect.
	ErrForcedReconnect = errors.New("supervisor: forced reconnect")
)

// Transport is the connection the supervisor drives.
// onClose is invoked once when an established connection drops for any
// reason other than Close.
type Transport interface {
	Dial(ctx context.Context, onClose func(error)) error
	Close() error
	Ping(ctx context.Context) (time.Duration, error)
	LastActivity() time.Time
}

// Options carries the optional collaborators of a Supervisor.
type Options struct {
	Clock  clock.Clock
	Logger *log.Logger
}

var transitions = map[models.ConnectionState][]models.ConnectionState{
	models.StateDisconnected: {models.StateConnecting},
	models.StateConnecting:   {models.StateConnected, models.StateError, models.StateDisconnected},
	models.StateConnected:    {models.StateReconnecting, models.StateDisconnected},
	models.StateReconnecting: {models.StateConnecting, models.StateError, models.StateDisconnected},
	models.StateError:        {models.StateConnecting, models.StateReconnecting, models.StateDisconnected},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.ConnectionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Supervisor is safe for concurrent use. Every entry point runs under mu;
// events raised while it is held are published after it is released, so
// observers may call back into the supervisor.
type Supervisor struct {
	transport Transport
	cfg       config.Session
	bus       *event.Bus
	clock     clock.Clock
	logger    *log.Logger

	mu             sync.Mutex
	state          models.ConnectionState
	attempts       int
	terminal       bool
	quality        models.ConnectionQuality
	latency        *LatencyWindow
	connectedAt    time.Time
	lastDisconnect time.Time

	// gen identifies the current handshake; dial results and close
	// callbacks carrying an older value are ignored.
	gen uint64

	reconnectTimer clock.Timer
	reconnectToken uint64
	heartbeatTimer clock.Timer
	heartbeatToken uint64
	tokens         uint64

	outbox []event.Event
}

func New(transport Transport, cfg config.Session, bus *event.Bus, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	history := cfg.LatencyHistorySize
	if history <= 0 {
		history = config.DefaultSession().LatencyHistorySize
	}

	return &Supervisor{
		transport: transport,
		cfg:       cfg,
		bus:       bus,
		clock:     opts.Clock,
		logger:    opts.Logger,
		state:     models.StateDisconnected,
		quality:   models.QualityUnknown,
		latency:   NewLatencyWindow(history),
	}
}

// Bus returns the bus the supervisor publishes on.
func (s *Supervisor) Bus() *event.Bus {
	return s.bus
}

// Connect starts a handshake and blocks until it completes or fails.
// It is a no-op when already connected.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == models.StateConnected:
		s.unlock()
		return nil
	case s.state == models.StateConnecting:
		s.unlock()
		return ErrConnectInProgress
	case s.terminal:
		s.unlock()
		return ErrMaxAttempts
	}
	s.cancelReconnect()
	gen := s.beginAttempt()
	s.unlock()

	return s.dial(ctx, gen)
}

// Disconnect closes the connection and cancels any scheduled retry.
// No reconnection follows a manual disconnect.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	wasConnected := s.state == models.StateConnected
	s.cancelReconnect()
	s.cancelHeartbeat()
	s.gen++
	s.terminal = false
	if s.state != models.StateDisconnected {
		s.setState(models.StateDisconnected)
	}
	if wasConnected {
		s.lastDisconnect = s.clock.Now()
		s.connectedAt = time.Time{}
		s.emit(event.NewConnectionLost(s.clock.Now(), true, nil))
		s.logger.Printf("🔌 Disconnected (manual)")
	}
	s.unlock()

	return s.transport.Close()
}

// ForceReconnect drops the current connection, resets the attempt
// counter and dials immediately. It is the only way out of the terminal
// error state.
func (s *Supervisor) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == models.StateConnecting {
		s.unlock()
		return ErrConnectInProgress
	}
	wasConnected := s.state == models.StateConnected
	s.attempts = 0
	s.terminal = false
	s.cancelReconnect()
	s.cancelHeartbeat()
	if wasConnected {
		s.lastDisconnect = s.clock.Now()
		s.connectedAt = time.Time{}
		s.emit(event.NewConnectionLost(s.clock.Now(), false, ErrForcedReconnect))
		s.setState(models.StateReconnecting)
	}
	gen := s.beginAttempt()
	s.unlock()

	if wasConnected {
		if err := s.transport.Close(); err != nil {
			s.logger.Printf("⚠️  Close before forced reconnect: %v", err)
		}
	}
	return s.dial(ctx, gen)
}

func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsConnected() bool {
	return s.State() == models.StateConnected
}

// ConnectionInfo returns a diagnostics snapshot.
func (s *Supervisor) ConnectionInfo() models.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.ConnectionInfo{
		State:              s.state,
		Quality:            s.quality,
		ReconnectAttempts:  s.attempts,
		AverageLatency:     s.latency.Average(),
		LatencySamples:     s.latency.Len(),
		LastDisconnectTime: s.lastDisconnect,
		Terminal:           s.terminal,
	}
	if s.state == models.StateConnected && !s.connectedAt.IsZero() {
		info.Uptime = s.clock.Now().Sub(s.connectedAt)
	}
	return info
}

// dial runs the handshake for generation gen without holding the lock.
func (s *Supervisor) dial(ctx context.Context, gen uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// wall-clock deadline; see the clock package
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	err := s.transport.Dial(dialCtx, func(closeErr error) {
		s.handleClose(gen, closeErr)
	})
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.state != models.StateConnecting {
		s.unlock()
		if err == nil {
			_ = s.transport.Close()
		}
		return ErrConnectAborted
	}

	if err != nil {
		s.setState(models.StateError)
		s.emit(event.NewConnectionFailed(s.clock.Now(), s.attempts, err))
		s.logger.Printf("❌ Connect failed (attempt %d): %v", s.attempts, err)
		if s.cfg.AutoReconnect {
			s.scheduleReconnect()
		}
		s.unlock()
		return fmt.Errorf("supervisor: connect: %w", err)
	}

	failed := s.attempts
	s.attempts = 0
	s.terminal = false
	s.connectedAt = s.clock.Now()
	s.quality = models.QualityUnknown
	s.latency.Reset()
	s.setState(models.StateConnected)
	s.emit(event.NewConnectionEstablished(s.clock.Now(), failed))
	s.armHeartbeat()
	s.logger.Printf("✅ Connected after %d failed attempt(s)", failed)
	s.unlock()
	return nil
}

// handleClose is the transport's onClose callback.
func (s *Supervisor) handleClose(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlock()

	if gen != s.gen || s.state != models.StateConnected {
		return
	}
	s.logger.Printf("⚠️  Connection lost: %v", err)
	s.dropConnection(err)
}

// must be called with s.mu held
func (s *Supervisor) dropConnection(err error) {
	s.cancelHeartbeat()
	s.lastDisconnect = s.clock.Now()
	s.connectedAt = time.Time{}
	s.emit(event.NewConnectionLost(s.clock.Now(), false, err))

	if s.cfg.AutoReconnect {
		s.scheduleReconnect()
		return
	}
	s.setState(models.StateDisconnected)
}

// must be called with s.mu held
func (s *Supervisor) scheduleReconnect() {
	s.setState(models.StateReconnecting)

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.setState(models.StateError)
		s.terminal = true
		s.emit(event.NewMaxAttemptsReached(s.clock.Now(), s.attempts))
		s.logger.Printf("🛑 Giving up after %d reconnect attempts", s.attempts)
		return
	}

	s.attempts++
	delay := BackoffDelay(s.cfg, s.attempts)
	s.tokens++
	token := s.tokens
	s.reconnectToken = token
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.reconnectFired(token)
	})
	s.emit(event.NewReconnectScheduled(s.clock.Now(), s.attempts, delay))
	s.logger.Printf("🔄 Reconnect attempt %d in %s", s.attempts, delay)
}

func (s *Supervisor) reconnectFired(token uint64) {
	s.mu.Lock()
	if token != s.reconnectToken || s.state != models.StateReconnecting {
		s.unlock()
		return
	}
	s.reconnectTimer = nil
	s.reconnectToken = 0
	gen := s.beginAttempt()
	s.unlock()

	_ = s.dial(context.Background(), gen)
}

// must be called with s.mu held
func (s *Supervisor) armHeartbeat() {
	s.tokens++
	token := s.tokens
	s.heartbeatToken = token
	s.heartbeatTimer = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.heartbeat(token)
	})
}

func (s *Supervisor) heartbeat(token uint64) {
	s.mu.Lock()
	if token != s.heartbeatToken || s.state != models.StateConnected {
		s.unlock()
		return
	}
	s.heartbeatTimer = nil

	now := s.clock.Now()
	lastSeen := s.transport.LastActivity()
	if lastSeen.Before(s.connectedAt) {
		lastSeen = s.connectedAt
	}
	if idle := now.Sub(lastSeen); idle > s.cfg.StaleThreshold() {
		s.emit(event.NewConnectionStale(now, idle))
		s.logger.Printf("🥶 No traffic for %s, dropping connection", idle)
		s.gen++
		s.dropConnection(ErrStale)
		s.unlock()
		_ = s.transport.Close()
		return
	}
	gen := s.gen
	s.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
	rtt, err := s.transport.Ping(ctx)
	cancel()

	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen || s.state != models.StateConnected {
		return
	}
	if err != nil {
		s.logger.Printf("⚠️  Heartbeat ping failed: %v", err)
	} else {
		s.recordLatency(rtt)
	}
	s.armHeartbeat()
}

// must be called with s.mu held
func (s *Supervisor) recordLatency(rtt time.Duration) {
	s.latency.Add(rtt)
	now := s.clock.Now()
	s.emit(event.NewLatencySample(now, rtt))

	avg := s.latency.Average()
	quality := ClassifyLatency(avg, s.cfg.GoodLatency, s.cfg.PoorLatency)
	if quality != s.quality {
		s.emit(event.NewQualityChanged(now, s.quality, quality, avg))
		s.quality = quality
	}
}

// must be called with s.mu held
func (s *Supervisor) beginAttempt() uint64 {
	s.gen++
	s.setState(models.StateConnecting)
	return s.gen
}

// must be called with s.mu held
func (s *Supervisor) setState(to models.ConnectionState) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Printf("⚠️  Ignoring invalid transition %s -> %s", from, to)
		return
	}
	s.state = to
	s.emit(event.NewStateChanged(s.clock.Now(), from, to))
}

// must be called with s.mu held
func (s *Supervisor) cancelReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectToken = 0
}

// must be called with s.mu held
func (s *Supervisor) cancelHeartbeat() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	s.heartbeatToken = 0
}

// must be called with s.mu held
func (s *Supervisor) emit(e event.Event) {
	s.outbox = append(s.outbox, e)
}

// unlock releases mu and publishes the events raised while it was held.
func (s *Supervisor) unlock() {
	events := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, e := range events {
		s.bus.Publish(e)
	}
}
