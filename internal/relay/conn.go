package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/transport/cable"
)

const maxMessageSize = 1 << 20

// Conn is one client socket on the relay.
type Conn struct {
	*models.Session
	ws  *websocket.Conn
	hub *Hub

	// authorized is false when a token was required and not valid; every
	// subscription from such a connection is rejected.
	authorized bool

	send chan []byte // Buffered channel for outbound frames

	// owned by ReadPump
	subs map[string]*subscription

	lastActive atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, session *models.Session, authorized bool) *Conn {
	c := &Conn{
		Session:    session,
		ws:         ws,
		hub:        h,
		authorized: authorized,
		send:       make(chan []byte, h.opts.SendBuffer),
		subs:       make(map[string]*subscription),
		done:       make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) lastActiveAt() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) control(frameType, identifier, reason string) {
	raw, err := json.Marshal(cable.ServerFrame{Type: frameType, Identifier: identifier, Reason: reason})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// deliver sends msg on the subscription named by identifier.
func (c *Conn) deliver(identifier string, msg models.Message) {
	inner, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Printf("⚠️  Failed to encode %s: %v", msg.Type, err)
		return
	}
	raw, err := json.Marshal(cable.ServerFrame{Identifier: identifier, Message: inner})
	if err != nil {
		return
	}
	if !c.enqueue(raw) {
		c.hub.logger.Printf("⚠️  Session %s dropped %s", c.ID, msg.Type)
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.ReadTimeout))
}

// ReadPump reads frames from the socket until it fails.
// Learning: Each connection has its own goroutine reading from the WebSocket
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		submit(c.hub, c.hub.unregister, c)
		c.shutdown()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		c.extendDeadline()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.touch()
		c.extendDeadline()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.hub.opts.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.touch()
		c.extendDeadline()
		c.handleFrame(ctx, raw)
	}
}

// WritePump writes queued frames and keepalive pings.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.hub.opts.WriteTimeout))
			return

		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			ping, _ := json.Marshal(cable.ServerFrame{
				Type:    cable.TypePing,
				Message: json.RawMessage(strconv.FormatInt(time.Now().Unix(), 10)),
			})
			if err := c.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, raw []byte) {
	var frame cable.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.hub.logger.Printf("⚠️  Session %s sent malformed frame: %v", c.ID, err)
		return
	}

	// Add span for message processing
	ctx, span := middleware.StartSpan(ctx, "Cable."+frame.Command,
		attribute.String("session.id", c.ID),
		attribute.String("user.id", c.UserID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	switch frame.Command {
	case cable.CommandSubscribe:
		c.subscribe(ctx, frame.Identifier)
	case cable.CommandUnsubscribe:
		c.unsubscribe(frame.Identifier)
	case cable.CommandMessage:
		c.perform(ctx, frame)
	default:
		c.hub.logger.Printf("Ignoring command %q from session %s", frame.Command, c.ID)
	}
}

func (c *Conn) subscribe(ctx context.Context, identifier string) {
	if _, dup := c.subs[identifier]; dup {
		c.control(cable.TypeConfirm, identifier, "")
		return
	}

	channel, params, err := cable.ParseIdentifier(identifier)
	reason := ""
	switch {
	case err != nil:
		reason = err.Error()
	case !c.authorized:
		reason = "unauthorized"
	case channel != models.EditChannel && channel != models.PresenceChannel:
		reason = "unknown channel " + channel
	case params["document_id"] == "":
		reason = "missing document_id"
	}
	if reason == "" {
		// make sure the document exists before confirming
		if _, err := c.hub.Snapshot(ctx, params["document_id"]); err != nil {
			middleware.AddSpanError(ctx, err)
			reason = "document unavailable"
		}
	}
	if reason != "" {
		c.hub.logger.Printf("🚫 Rejecting subscription from session %s: %s", c.ID, reason)
		middleware.AddSpanEvent(ctx, "subscription.rejected", attribute.String("reason", reason))
		c.control(cable.TypeReject, identifier, reason)
		return
	}

	s := &subscription{
		conn:       c,
		identifier: identifier,
		room:       roomKey{channel: channel, documentID: params["document_id"]},
	}
	c.subs[identifier] = s
	submit(c.hub, c.hub.join, s)
}

func (c *Conn) unsubscribe(identifier string) {
	s, ok := c.subs[identifier]
	if !ok {
		return
	}
	delete(c.subs, identifier)
	submit(c.hub, c.hub.leave, s)
}

func (c *Conn) perform(ctx context.Context, frame cable.ClientFrame) {
	s, ok := c.subs[frame.Identifier]
	if !ok {
		c.hub.logger.Printf("Ignoring message on unknown subscription from session %s", c.ID)
		return
	}
	var req models.ActionRequest
	if err := json.Unmarshal([]byte(frame.Data), &req); err != nil {
		c.hub.logger.Printf("⚠️  Session %s sent malformed action: %v", c.ID, err)
		return
	}
	middleware.AddSpanEvent(ctx, "action", attribute.String("action", string(req.Action)))
	c.dispatch(ctx, s, req)
}
