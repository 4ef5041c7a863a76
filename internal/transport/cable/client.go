// Package cable is a channel-multiplexing WebSocket client. It implements
// the supervisor's connection contract (Dial / Close / Ping /
// LastActivity) and the coordinator's subscription contract on one socket.
package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesync/internal/models"
	"livesync/internal/transport"
)

var (
	ErrNotConnected = errors.New("cable: not connected")
	ErrHandshake    = errors.New("cable: handshake failed")
	ErrSendBuffer   = errors.New("cable: send buffer full")
	// ErrServerDisconnect is reported when the server sends a disconnect frame.
	ErrServerDisconnect = errors.New("cable: disconnected by server")
)

const (
	defaultSendBuffer   = 256
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type Options struct {
	URL   string // e.g. ws://localhost:8080/cable
	Token string
	User  models.UserInfo

	SendBuffer   int
	ReadTimeout  time.Duration // refreshed by every inbound frame
	WriteTimeout time.Duration
	Header       http.Header
	Dialer       *websocket.Dialer
	Logger       *log.Logger
}

// link is one open socket. A Client replaces its link on every Dial.
type link struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closing atomic.Bool // set by Close; suppresses onClose
}

// Client is safe for concurrent use.
type Client struct {
	opts   Options
	logger *log.Logger
	// instance is sent to the server so its logs can tell reconnects of
	// the same client apart from new clients.
	instance string

	mu      sync.Mutex
	current *link
	subs    map[string]*Subscription

	pingMu sync.Mutex
	pings  map[string]chan struct{}

	lastActivity atomic.Int64 // unix nanos
}

func NewClient(opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Client{
		opts:     opts,
		logger:   opts.Logger,
		instance: uuid.NewString(),
		subs:     make(map[string]*Subscription),
		pings:    make(map[string]chan struct{}),
	}
}

// Dial opens the socket and waits for the server's welcome frame. Every
// subscription registered so far is re-sent. onClose runs once when this
// connection drops, unless the drop was caused by Close.
func (c *Client) Dial(ctx context.Context, onClose func(error)) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("cable: dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return fmt.Errorf("cable: dial %s: %w", c.opts.URL, err)
	}

	if err := c.awaitWelcome(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, c.opts.SendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	previous := c.current
	c.current = l
	subs := c.subscriptionsLocked()
	c.mu.Unlock()

	if previous != nil {
		previous.closing.Store(true)
		previous.conn.Close()
	}

	c.touch()
	conn.SetPongHandler(func(appData string) error {
		c.touch()
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.resolvePing(appData)
		return nil
	})

	// Learning: Separate goroutines prevent deadlock between reading and writing
	go c.writePump(l)
	go c.readPump(l, onClose)

	for _, sub := range subs {
		if err := c.sendFrame(ClientFrame{Command: CommandSubscribe, Identifier: sub.identifier}); err != nil {
			c.logger.Printf("⚠️  Resubscribe %s failed: %v", sub.channel, err)
		}
	}
	c.logger.Printf("✓ Cable connected to %s (%d subscription(s))", c.opts.URL, len(subs))
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("cable: parse url: %w", err)
	}
	q := u.Query()
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	if c.opts.User.ID != "" {
		q.Set("user_id", c.opts.User.ID)
	}
	if c.opts.User.Name != "" {
		q.Set("user_name", c.opts.User.Name)
	}
	if c.opts.User.Email != "" {
		q.Set("user_email", c.opts.User.Email)
	}
	q.Set("client_id", c.instance)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) awaitWelcome(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(c.opts.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var frame ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if frame.Type != TypeWelcome {
		return fmt.Errorf("%w: expected welcome, got %q", ErrHandshake, frame.Type)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	return nil
}

// Close closes the current connection without triggering onClose.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	l.closing.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	return l.conn.Close()
}

// Ping measures one round trip with a WebSocket ping control frame.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
	if l == nil {
		return 0, ErrNotConnected
	}

	nonce := uuid.NewString()
	pong := make(chan struct{})
	c.pingMu.Lock()
	c.pings[nonce] = pong
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.pings, nonce)
		c.pingMu.Unlock()
	}()

	started := time.Now()
	deadline := started.Add(c.opts.WriteTimeout)
	if err := l.conn.WriteControl(websocket.PingMessage, []byte(nonce), deadline); err != nil {
		return 0, fmt.Errorf("cable: ping: %w", err)
	}

	select {
	case <-pong:
		return time.Since(started), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// LastActivity is the time of the most recent inbound frame or pong.
func (c *Client) LastActivity() time.Time {
	nanos := c.lastActivity.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Subscribe registers a channel subscription. If the socket is open the
// subscribe command goes out immediately, otherwise on the next Dial.
func (c *Client) Subscribe(channel string, params map[string]string, hooks transport.Hooks) (transport.Subscription, error) {
	sub := &Subscription{
		client:     c,
		channel:    channel,
		identifier: Identifier(channel, params),
		hooks:      hooks,
	}

	c.mu.Lock()
	c.subs[sub.identifier] = sub
	connected := c.current != nil
	c.mu.Unlock()

	if connected {
		if err := c.sendFrame(ClientFrame{Command: CommandSubscribe, Identifier: sub.identifier}); err != nil {
			return sub, err
		}
	}
	return sub, nil
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) resolvePing(nonce string) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if pong, ok := c.pings[nonce]; ok {
		close(pong)
		delete(c.pings, nonce)
	}
}

func (c *Client) sendFrame(frame ClientFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("cable: encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ErrNotConnected
	}
	select {
	case c.current.send <- raw:
		return nil
	default:
		return ErrSendBuffer
	}
}

// must be called with c.mu held
func (c *Client) subscriptionsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	return out
}

func (c *Client) lookup(identifier string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[identifier]
}

func (c *Client) remove(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.identifier] != sub {
		return false
	}
	delete(c.subs, sub.identifier)
	return true
}

// readPump reads frames until the connection fails. Subscriptions are
// told about the drop only if l is still the current link.
func (c *Client) readPump(l *link, onClose func(error)) {
	var readErr error
	defer func() {
		c.mu.Lock()
		current := c.current == l
		if current {
			c.current = nil
		}
		subs := c.subscriptionsLocked()
		c.mu.Unlock()

		close(l.done)
		l.conn.Close()

		if current {
			for _, sub := range subs {
				sub.disconnected()
			}
		}
		if l.closing.Load() {
			c.logger.Printf("Cable closed")
			return
		}
		c.logger.Printf("⚠️  Cable connection lost: %v", readErr)
		if onClose != nil {
			onClose(readErr)
		}
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		c.touch()
		_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Printf("⚠️  Dropping malformed frame: %v", err)
			continue
		}
		if frame.Type == TypeDisconnect {
			readErr = fmt.Errorf("%w: %s", ErrServerDisconnect, frame.Reason)
			return
		}
		c.route(frame)
	}
}

func (c *Client) route(frame ServerFrame) {
	switch frame.Type {
	case TypeWelcome, TypePing:
		return
	case TypeConfirm:
		if sub := c.lookup(frame.Identifier); sub != nil {
			sub.confirmed()
		}
	case TypeReject:
		if sub := c.lookup(frame.Identifier); sub != nil {
			c.remove(sub)
			sub.rejected()
		}
	case "":
		if frame.Identifier == "" || len(frame.Message) == 0 {
			return
		}
		if sub := c.lookup(frame.Identifier); sub != nil {
			sub.received(frame.Message)
		}
	default:
		c.logger.Printf("Ignoring frame type %q", frame.Type)
	}
}

// writePump owns all data writes on l.
// Learning: Separate goroutine for writing prevents blocking on slow servers
func (c *Client) writePump(l *link) {
	for {
		select {
		case <-l.done:
			return
		case message := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			// one frame per message; frames are independent JSON documents
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Printf("⚠️  Cable write failed: %v", err)
				l.conn.Close()
				return
			}
		}
	}
}

// Subscription is one channel subscription on a Client.
type Subscription struct {
	client     *Client
	channel    string
	identifier string
	hooks      transport.Hooks
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Identifier() string { return s.identifier }

// Perform sends action with payload merged into the message data.
func (s *Subscription) Perform(action string, payload any) error {
	data, err := EncodeAction(action, payload)
	if err != nil {
		return err
	}
	return s.client.sendFrame(ClientFrame{
		Command:    CommandMessage,
		Identifier: s.identifier,
		Data:       data,
	})
}

// Unsubscribe removes the subscription; hooks stop firing immediately.
func (s *Subscription) Unsubscribe() error {
	if !s.client.remove(s) {
		return nil
	}
	err := s.client.sendFrame(ClientFrame{Command: CommandUnsubscribe, Identifier: s.identifier})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *Subscription) confirmed() {
	if s.hooks.Connected != nil {
		s.hooks.Connected()
	}
}

func (s *Subscription) disconnected() {
	if s.hooks.Disconnected != nil {
		s.hooks.Disconnected()
	}
}

func (s *Subscription) rejected() {
	if s.hooks.Rejected != nil {
		s.hooks.Rejected()
	}
}

func (s *Subscription) received(message json.RawMessage) {
	if s.hooks.Received != nil {
		s.hooks.Received(message)
	}
}
