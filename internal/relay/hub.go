package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"livesync/internal/models"
	"livesync/internal/transport/cable"
)

/*
LEARNING: RELAY HUB

One goroutine owns room membership. Connections never touch the room maps
directly; they hand register / unregister / join / leave / broadcast
requests to the loop over channels, so membership changes and fan-out are
serialised without every reader taking a write lock.

Rooms are keyed by (channel, document). A connection subscribed to both
channels of a document is a member of two rooms.

Document state lives behind its own mutex (see documents.go) because it is
touched from every connection's read goroutine, not from the loop.
*/

// Options tunes the relay. Zero values take the defaults below.
type Options struct {
	// Secret enables token checks on subscriptions when set.
	Secret []byte

	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type roomKey struct {
	channel    string
	documentID string
}

// subscription is one confirmed channel subscription of a connection.
type subscription struct {
	conn       *Conn
	identifier string
	room       roomKey
}

// outbound is a channel message fanned out to a room
type outbound struct {
	room    roomKey
	message []byte
	exclude *Conn // skip this connection when broadcasting
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Documents   int `json:"documents"`
}

// Hub manages every relay connection
type Hub struct {
	store  Store
	opts   Options
	logger *log.Logger

	rooms map[roomKey]map[*subscription]bool
	conns map[*Conn]map[string]*subscription // connection -> identifier -> subscription
	mu    sync.RWMutex

	register   chan *Conn
	unregister chan *Conn
	join       chan *subscription
	leave      chan *subscription
	broadcast  chan *outbound

	docMu     sync.Mutex
	docs      map[string]*docState
	conflicts map[string]conflictState

	done     chan struct{}
	stopOnce sync.Once
}

func NewHub(store Store, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		store:      store,
		opts:       opts,
		logger:     opts.Logger,
		rooms:      make(map[roomKey]map[*subscription]bool),
		conns:      make(map[*Conn]map[string]*subscription),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		join:       make(chan *subscription),
		leave:      make(chan *subscription),
		broadcast:  make(chan *outbound, 256),
		docs:       make(map[string]*docState),
		conflicts:  make(map[string]conflictState),
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop and the idle cleanup loop
func (h *Hub) Start() {
	h.logger.Println("🔄 Starting relay hub...")

	go func() {
		for {
			select {
			case <-h.done:
				return
			case c := <-h.register:
				h.handleRegister(c)
			case c := <-h.unregister:
				h.handleUnregister(c)
			case s := <-h.join:
				h.handleJoin(s)
			case s := <-h.leave:
				h.handleLeave(s)
			case m := <-h.broadcast:
				h.handleBroadcast(m)
			}
		}
	}()

	go h.cleanupLoop()

	h.logger.Println("✓ Relay hub started")
}

// submit hands v to the loop unless the hub is shutting down.
func submit[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(c *Conn) {
	h.mu.Lock()
	h.conns[c] = make(map[string]*subscription)
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Printf("  Session %s connected as %s (total: %d)", c.ID, c.UserID, total)
}

func (h *Hub) handleUnregister(c *Conn) {
	h.mu.Lock()
	subs, ok := h.conns[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for _, s := range subs {
		h.removeMemberLocked(s)
	}
	remaining := len(h.conns)
	h.mu.Unlock()

	c.shutdown()
	for _, s := range subs {
		h.announceLeft(s)
	}
	h.logger.Printf("  Session %s disconnected (remaining: %d)", c.ID, remaining)
}

func (h *Hub) handleJoin(s *subscription) {
	h.mu.Lock()
	subs, ok := h.conns[s.conn]
	if !ok {
		// the connection went away before the join reached the loop
		h.mu.Unlock()
		return
	}
	subs[s.identifier] = s
	members := h.rooms[s.room]
	if members == nil {
		members = make(map[*subscription]bool)
		h.rooms[s.room] = members
	}
	members[s] = true

	var present []models.UserInfo
	if s.room.channel == models.PresenceChannel {
		present = h.presentUsersLocked(s.room, s.conn, s.conn.UserID)
	}
	size := len(members)
	h.mu.Unlock()

	h.logger.Printf("  Session %s joined %s/%s (members: %d)", s.conn.ID, s.room.channel, s.room.documentID, size)

	// confirmed only once membership is in place, so no broadcast is missed
	s.conn.control(cable.TypeConfirm, s.identifier, "")
	if s.room.channel != models.PresenceChannel {
		return
	}
	now := time.Now()
	// bring the newcomer up to date, then tell everyone else
	for _, user := range present {
		u := user
		s.conn.deliver(s.identifier, models.Message{Type: models.MessageUserJoined, User: &u, Timestamp: now})
	}
	user := s.conn.User()
	h.handleBroadcast(h.encode(s.room, models.Message{Type: models.MessageUserJoined, User: &user, Timestamp: now}, s.conn))
}

func (h *Hub) handleLeave(s *subscription) {
	h.mu.Lock()
	subs, ok := h.conns[s.conn]
	if !ok || subs[s.identifier] != s {
		h.mu.Unlock()
		return
	}
	delete(subs, s.identifier)
	h.removeMemberLocked(s)
	h.mu.Unlock()

	h.announceLeft(s)
}

// must be called with h.mu held
func (h *Hub) removeMemberLocked(s *subscription) {
	members, ok := h.rooms[s.room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, s.room)
	}
}

// announceLeft tells the presence room a user left, unless the same user
// is still present through another connection.
func (h *Hub) announceLeft(s *subscription) {
	if s.room.channel != models.PresenceChannel {
		return
	}
	h.mu.RLock()
	stillHere := false
	for member := range h.rooms[s.room] {
		if member.conn.UserID == s.conn.UserID {
			stillHere = true
			break
		}
	}
	h.mu.RUnlock()
	if stillHere {
		return
	}
	user := s.conn.User()
	h.handleBroadcast(h.encode(s.room, models.Message{
		Type:      models.MessageUserLeft,
		User:      &user,
		UserID:    user.ID,
		Timestamp: time.Now(),
	}, nil))
}

// presentUsersLocked lists distinct users in room, skipping conn and selfID.
//
// must be called with h.mu held
func (h *Hub) presentUsersLocked(room roomKey, conn *Conn, selfID string) []models.UserInfo {
	seen := make(map[string]bool)
	var users []models.UserInfo
	for member := range h.rooms[room] {
		if member.conn == conn || member.conn.UserID == selfID || seen[member.conn.UserID] {
			continue
		}
		seen[member.conn.UserID] = true
		users = append(users, member.conn.User())
	}
	return users
}

// handleBroadcast sends a message to every member of a room
func (h *Hub) handleBroadcast(m *outbound) {
	if m == nil {
		return
	}
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.rooms[m.room]))
	for s := range h.rooms[m.room] {
		if m.exclude != nil && s.conn == m.exclude {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		frame, err := json.Marshal(cable.ServerFrame{Identifier: s.identifier, Message: m.message})
		if err != nil {
			continue
		}
		if !s.conn.enqueue(frame) {
			// Buffer full - connection is slow/dead. Closing it ends its
			// read pump, which unregisters it.
			h.logger.Printf("⚠️  Session %s buffer full, closing connection", s.conn.ID)
			s.conn.shutdown()
		}
	}
}

func (h *Hub) encode(room roomKey, msg models.Message, exclude *Conn) *outbound {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("⚠️  Failed to encode %s: %v", msg.Type, err)
		return nil
	}
	return &outbound{room: room, message: raw, exclude: exclude}
}

// Broadcast queues msg for every member of the room, skipping exclude.
func (h *Hub) Broadcast(channel, documentID string, msg models.Message, exclude *Conn) {
	out := h.encode(roomKey{channel: channel, documentID: documentID}, msg, exclude)
	if out == nil {
		return
	}
	submit(h, h.broadcast, out)
}

// Stats returns connection, room and cached document counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Connections: len(h.conns), Rooms: len(h.rooms)}
	h.mu.RUnlock()

	h.docMu.Lock()
	st.Documents = len(h.docs)
	h.docMu.Unlock()
	return st
}

// Members returns the user IDs subscribed to a room.
func (h *Hub) Members(channel, documentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[roomKey{channel: channel, documentID: documentID}]
	ids := make([]string, 0, len(members))
	for s := range members {
		ids = append(ids, s.conn.UserID)
	}
	return ids
}

// cleanupLoop periodically closes idle connections
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(h.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup(time.Now())
		}
	}
}

// cleanup closes connections idle longer than IdleTimeout. Their read
// pumps unregister them.
func (h *Hub) cleanup(now time.Time) int {
	h.mu.RLock()
	var idle []*Conn
	for c := range h.conns {
		if now.Sub(c.lastActiveAt()) > h.opts.IdleTimeout {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.logger.Printf("  Cleaning up inactive session %s", c.ID)
		c.shutdown()
	}
	return len(idle)
}

// Shutdown gracefully closes all connections
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		h.logger.Println("🛑 Shutting down relay hub...")
		close(h.done)

		h.mu.Lock()
		conns := h.conns
		h.conns = make(map[*Conn]map[string]*subscription)
		h.rooms = make(map[roomKey]map[*subscription]bool)
		h.mu.Unlock()

		for c := range conns {
			c.shutdown()
		}
		h.logger.Println("✓ Relay hub shutdown complete")
	})
}
